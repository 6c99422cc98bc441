// Package ledger persists one evolving checkpoint row per ingestion run.
//
// A run moves started -> running -> completed | failed. A failed run is
// resumed by reusing its run id; the stored cursor_next is where it picks up.
// cursor_next must only move inside the transaction that also persisted the
// page it checkpoints past.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/livinlefevreloca/catalogindex/internal/db"
)

// Run lifecycle states
const (
	StatusStarted   = "started"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrScopeMismatch is returned when a run id is reused for a different scope.
var ErrScopeMismatch = errors.New("ledger: run id belongs to a different scope")

// Entry is a run ledger row
type Entry struct {
	RunID             string     `json:"run_id"`
	Country           string     `json:"country"`
	CatalogsBundle    string     `json:"catalogs_bundle"`
	ParamsFingerprint string     `json:"params_fingerprint"`
	Status            string     `json:"status"`
	StartedAt         time.Time  `json:"started_at"`
	EndedAt           *time.Time `json:"ended_at"`
	LastError         *string    `json:"last_error"`
	CursorNext        *string    `json:"cursor_next"`
	PagesProcessed    int64      `json:"pages_processed"`
	ItemsProcessed    int64      `json:"items_processed"`
}

// Scope returns the scope the run was recorded under
func (e *Entry) Scope() Scope {
	return Scope{
		Country:           e.Country,
		CatalogsBundle:    e.CatalogsBundle,
		ParamsFingerprint: e.ParamsFingerprint,
	}
}

// Terminal reports whether the run has ended, successfully or not
func (e *Entry) Terminal() bool {
	return e.Status == StatusCompleted || e.Status == StatusFailed
}

// Store reads and advances ledger rows through a db.Querier. Construct it
// over a *db.Tx when the call has to share a transaction with page writes.
type Store struct {
	q   db.Querier
	now func() time.Time
}

// New creates a ledger store over q
func New(q db.Querier) *Store {
	return &Store{
		q:   q,
		now: func() time.Time { return time.Now().UTC() },
	}
}

const entryColumns = `run_id, country, catalogs_bundle, params_fingerprint, status,
	started_at, ended_at, last_error, cursor_next, pages_processed, items_processed`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e          Entry
		endedAt    sql.NullTime
		lastError  sql.NullString
		cursorNext sql.NullString
	)

	err := row.Scan(
		&e.RunID,
		&e.Country,
		&e.CatalogsBundle,
		&e.ParamsFingerprint,
		&e.Status,
		&e.StartedAt,
		&endedAt,
		&lastError,
		&cursorNext,
		&e.PagesProcessed,
		&e.ItemsProcessed,
	)
	if err != nil {
		return nil, err
	}

	if endedAt.Valid {
		t := endedAt.Time
		e.EndedAt = &t
	}
	if lastError.Valid {
		e.LastError = &lastError.String
	}
	if cursorNext.Valid {
		e.CursorNext = &cursorNext.String
	}

	return &e, nil
}

func (s *Store) rebind(query string) string {
	return db.Rebind(s.q.Driver(), query)
}

// =============================================================================
// Run creation / lookup
// =============================================================================

// Get retrieves a run by its run ID
func (s *Store) Get(ctx context.Context, runID string) (*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM run_ledger WHERE run_id = ?`

	entry, err := scanEntry(s.q.QueryRowContext(ctx, s.rebind(query), runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}

	return entry, nil
}

// EnsureStarted returns the run row for runID, creating it in the started
// state when it does not exist yet. If a concurrent caller wins the insert,
// the winner's row is returned.
func (s *Store) EnsureStarted(ctx context.Context, runID string, scope Scope) (*Entry, error) {
	existing, err := s.Get(ctx, runID)
	if err == nil {
		return existing, nil
	}
	if !db.IsNotFound(err) {
		return nil, err
	}

	entry := &Entry{
		RunID:             runID,
		Country:           scope.Country,
		CatalogsBundle:    scope.CatalogsBundle,
		ParamsFingerprint: scope.ParamsFingerprint,
		Status:            StatusStarted,
		StartedAt:         s.now(),
	}

	query := `
		INSERT INTO run_ledger (run_id, country, catalogs_bundle, params_fingerprint, status,
			started_at, ended_at, last_error, cursor_next, pages_processed, items_processed)
		VALUES (?, ?, ?, ?, ?, ?, NULL, NULL, NULL, 0, 0)
	`

	_, err = s.q.ExecContext(ctx, s.rebind(query),
		entry.RunID,
		entry.Country,
		entry.CatalogsBundle,
		entry.ParamsFingerprint,
		entry.Status,
		entry.StartedAt,
	)
	if err != nil {
		if db.IsDuplicate(err) {
			// Lost the race; the other row is authoritative
			return s.Get(ctx, runID)
		}
		return nil, fmt.Errorf("create run %s: %w", runID, err)
	}

	return entry, nil
}

// =============================================================================
// Cursor checkpointing
// =============================================================================

// GetCursorNext returns the cursor for the next request. Nil means the
// first page. Unknown runs also start from the first page.
func (s *Store) GetCursorNext(ctx context.Context, runID string) (*string, error) {
	var cursor sql.NullString

	query := `SELECT cursor_next FROM run_ledger WHERE run_id = ?`
	err := s.q.QueryRowContext(ctx, s.rebind(query), runID).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor for run %s: %w", runID, err)
	}

	if !cursor.Valid {
		return nil, nil
	}
	return &cursor.String, nil
}

// SetRunning marks the run as running and clears any error left by a
// previous failed attempt. Safe to call repeatedly.
func (s *Store) SetRunning(ctx context.Context, runID string) error {
	query := `
		UPDATE run_ledger
		SET status = ?, ended_at = NULL, last_error = NULL
		WHERE run_id = ?
	`

	return s.update(ctx, runID, query, StatusRunning, runID)
}

// CheckpointAfterPage advances cursor_next and the progress counters after
// a page was written. When hasMore is false the run is completed in the same
// statement. It must run in the transaction that wrote the page.
func (s *Store) CheckpointAfterPage(ctx context.Context, runID string, nextCursor *string, hasMore bool, itemsCount int) (*Entry, error) {
	status := StatusRunning
	var endedAt *time.Time
	if !hasMore {
		status = StatusCompleted
		now := s.now()
		endedAt = &now
	}

	query := `
		UPDATE run_ledger
		SET status = ?,
			ended_at = ?,
			last_error = NULL,
			cursor_next = ?,
			pages_processed = pages_processed + 1,
			items_processed = items_processed + ?
		WHERE run_id = ?
	`

	err := s.update(ctx, runID, query,
		status,
		nullTime(endedAt),
		nullString(nextCursor),
		itemsCount,
		runID,
	)
	if err != nil {
		return nil, err
	}

	// Read back through the same querier so the caller sees the
	// uncommitted row of its own transaction
	return s.Get(ctx, runID)
}

// =============================================================================
// Failure / completion
// =============================================================================

// MarkFailed marks the run as failed and stores an error summary
func (s *Store) MarkFailed(ctx context.Context, runID string, errMsg string) error {
	query := `
		UPDATE run_ledger
		SET status = ?, ended_at = ?, last_error = ?
		WHERE run_id = ?
	`

	return s.update(ctx, runID, query, StatusFailed, s.now(), errMsg, runID)
}

// MarkCompleted marks the run as completed independently of checkpointing
func (s *Store) MarkCompleted(ctx context.Context, runID string) error {
	query := `
		UPDATE run_ledger
		SET status = ?, ended_at = ?, last_error = NULL
		WHERE run_id = ?
	`

	return s.update(ctx, runID, query, StatusCompleted, s.now(), runID)
}

func (s *Store) update(ctx context.Context, runID, query string, args ...any) error {
	result, err := s.q.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("update run %s: %w", runID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return db.ErrNotFound
	}

	return nil
}

// =============================================================================
// Scope queries
// =============================================================================

// LatestCompletedRunID returns the most recent completed run for a scope.
// An index row is current for the scope iff its last_seen_run_id equals it.
func (s *Store) LatestCompletedRunID(ctx context.Context, scope Scope) (string, bool, error) {
	query := `
		SELECT run_id
		FROM run_ledger
		WHERE country = ? AND catalogs_bundle = ? AND params_fingerprint = ? AND status = ?
		ORDER BY ended_at DESC, started_at DESC
		LIMIT 1
	`

	var runID string
	err := s.q.QueryRowContext(ctx, s.rebind(query),
		scope.Country,
		scope.CatalogsBundle,
		scope.ParamsFingerprint,
		StatusCompleted,
	).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("latest completed run: %w", err)
	}

	return runID, true, nil
}

// ListRuns returns runs recorded for a scope, newest first
func (s *Store) ListRuns(ctx context.Context, scope Scope, limit int) ([]Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM run_ledger
		WHERE country = ? AND catalogs_bundle = ? AND params_fingerprint = ?
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := s.q.QueryContext(ctx, s.rebind(query),
		scope.Country,
		scope.CatalogsBundle,
		scope.ParamsFingerprint,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	// Return empty slice instead of nil
	if entries == nil {
		entries = []Entry{}
	}

	return entries, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
