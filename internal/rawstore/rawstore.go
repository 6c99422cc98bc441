// Package rawstore keeps every fetched provider page, append-only.
// A page is identified by (run_id, cursor_used); appending the same page
// twice stores it once.
package rawstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/livinlefevreloca/catalogindex/internal/db"
	"github.com/livinlefevreloca/catalogindex/internal/sapi"
)

// FirstPageCursor is stored as cursor_used for the page fetched without a cursor
const FirstPageCursor = ""

var pageColumns = []string{
	"run_id", "cursor_used", "fetched_at", "items_count", "has_more",
	"next_cursor", "response_json", "response_hash",
}

var pageKey = []string{"run_id", "cursor_used"}

// RawPage is a stored provider response
type RawPage struct {
	RunID        string    `json:"run_id"`
	CursorUsed   string    `json:"cursor_used"`
	FetchedAt    time.Time `json:"fetched_at"`
	ItemsCount   int       `json:"items_count"`
	HasMore      bool      `json:"has_more"`
	NextCursor   *string   `json:"next_cursor"`
	ResponseJSON string    `json:"response_json"`
	ResponseHash string    `json:"response_hash"`
}

// Store appends raw pages through a db.Querier
type Store struct {
	q db.Querier
}

// New creates a raw page store over q
func New(q db.Querier) *Store {
	return &Store{q: q}
}

// NormalizeCursor maps an absent cursor to FirstPageCursor so first pages
// collide on the unique key like any other page.
func NormalizeCursor(cursor *string) string {
	if cursor == nil {
		return FirstPageCursor
	}
	return *cursor
}

// AppendPage stores page unless (runID, cursorUsed) is already present.
// It reports whether a row was written; an existing page is left untouched.
func (s *Store) AppendPage(ctx context.Context, runID string, cursorUsed *string, fetchedAt time.Time, page *sapi.Page) (bool, error) {
	hash, err := ContentHash(page.Raw)
	if err != nil {
		return false, fmt.Errorf("hash page: %w", err)
	}

	var nextCursor sql.NullString
	if page.NextCursor != nil {
		nextCursor = sql.NullString{String: *page.NextCursor, Valid: true}
	}

	cursor := NormalizeCursor(cursorUsed)
	inserted, err := db.InsertIgnore(ctx, s.q, "raw_pages", pageColumns, pageKey, []any{
		runID,
		cursor,
		fetchedAt,
		len(page.Shows),
		page.HasMore,
		nextCursor,
		string(page.Raw),
		hash,
	})
	if err != nil {
		return false, fmt.Errorf("append page run=%s cursor=%q: %w", runID, cursor, err)
	}

	return inserted, nil
}

// Get retrieves the page stored for runID and cursorUsed
func (s *Store) Get(ctx context.Context, runID string, cursorUsed *string) (*RawPage, error) {
	query := `
		SELECT run_id, cursor_used, fetched_at, items_count, has_more,
			next_cursor, response_json, response_hash
		FROM raw_pages
		WHERE run_id = ? AND cursor_used = ?
	`

	var (
		p          RawPage
		nextCursor sql.NullString
	)
	err := s.q.QueryRowContext(ctx, db.Rebind(s.q.Driver(), query), runID, NormalizeCursor(cursorUsed)).Scan(
		&p.RunID,
		&p.CursorUsed,
		&p.FetchedAt,
		&p.ItemsCount,
		&p.HasMore,
		&nextCursor,
		&p.ResponseJSON,
		&p.ResponseHash,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if nextCursor.Valid {
		p.NextCursor = &nextCursor.String
	}

	return &p, nil
}

// Count returns the number of pages stored for runID
func (s *Store) Count(ctx context.Context, runID string) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM raw_pages WHERE run_id = ?`
	if err := s.q.QueryRowContext(ctx, db.Rebind(s.q.Driver(), query), runID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// CanonicalJSON re-encodes body with sorted object keys and no insignificant
// whitespace. Numbers keep their original text.
func CanonicalJSON(body []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ContentHash is the hex sha256 of the canonical form of body. It is kept
// for auditing and plays no part in deduplication.
func ContentHash(body []byte) (string, error) {
	canonical, err := CanonicalJSON(body)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
