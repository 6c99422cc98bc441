// Package index persists extracted title, offer and asset records into the
// three keyed index tables. Every upsert overwrites all non-key columns,
// last_seen_run_id included, so "which run touched this row last" stays
// queryable. Rows are never deleted here.
package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/livinlefevreloca/catalogindex/internal/db"
)

// DefaultChunkSize is the number of rows per upsert statement
const DefaultChunkSize = 1000

var (
	titlesSpec = db.UpsertSpec{
		Table: "titles_index",
		Columns: []string{
			"sapi_id", "imdb_id", "tmdb_id", "title", "original_title",
			"show_type", "item_type", "release_year", "fetched_at", "last_seen_run_id",
		},
		ConflictColumns: []string{"sapi_id"},
	}

	offersSpec = db.UpsertSpec{
		Table: "offers_index",
		Columns: []string{
			"sapi_id", "country", "service_id", "offer_type", "service_name",
			"title_page_link", "watch_link", "quality", "audios", "subtitles",
			"available_since", "expires_soon", "expires_on", "fetched_at", "last_seen_run_id",
		},
		ConflictColumns: []string{"sapi_id", "country", "service_id", "offer_type"},
	}

	assetsSpec = db.UpsertSpec{
		Table:           "assets_index",
		Columns:         []string{"sapi_id", "asset_kind", "image_urls", "fetched_at", "last_seen_run_id"},
		ConflictColumns: []string{"sapi_id", "asset_kind"},
	}
)

// Store upserts index records through a db.Querier, normally the page
// transaction. Any failure must abort that transaction.
type Store struct {
	q         db.Querier
	chunkSize int
}

// New creates an index store. chunkSize bounds rows per statement; zero
// selects DefaultChunkSize.
func New(q db.Querier, chunkSize int) *Store {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Store{q: q, chunkSize: chunkSize}
}

// UpsertAll writes titles first, since offers and assets reference them
func (s *Store) UpsertAll(ctx context.Context, titles []TitleRecord, offers []OfferRecord, assets []AssetRecord) (Counts, error) {
	var counts Counts
	var err error

	if counts.Titles, err = s.UpsertTitles(ctx, titles); err != nil {
		return counts, err
	}
	if counts.Offers, err = s.UpsertOffers(ctx, offers); err != nil {
		return counts, err
	}
	if counts.Assets, err = s.UpsertAssets(ctx, assets); err != nil {
		return counts, err
	}

	return counts, nil
}

// UpsertTitles upserts title records by sapi_id
func (s *Store) UpsertTitles(ctx context.Context, records []TitleRecord) (int, error) {
	records = dedupeLast(records, func(r TitleRecord) string { return r.SapiID })

	rows := make([][]any, 0, len(records))
	for _, r := range records {
		rows = append(rows, []any{
			r.SapiID,
			nullString(r.ImdbID),
			nullString(r.TmdbID),
			r.Title,
			nullString(r.OriginalTitle),
			r.ShowType,
			nullString(r.ItemType),
			nullString(r.ReleaseYear),
			r.FetchedAt,
			r.LastSeenRunID,
		})
	}

	return db.Upsert(ctx, s.q, titlesSpec, rows, s.chunkSize)
}

// UpsertOffers upserts offer records by (sapi_id, country, service_id,
// offer_type) after collapsing duplicates within the batch.
func (s *Store) UpsertOffers(ctx context.Context, records []OfferRecord) (int, error) {
	records = DedupeOffers(records)

	rows := make([][]any, 0, len(records))
	for _, r := range records {
		audios, err := marshalJSON(r.Audios, "[]")
		if err != nil {
			return 0, fmt.Errorf("offer %s audios: %w", r.SapiID, err)
		}
		subtitles, err := marshalJSON(r.Subtitles, "[]")
		if err != nil {
			return 0, fmt.Errorf("offer %s subtitles: %w", r.SapiID, err)
		}

		rows = append(rows, []any{
			r.SapiID,
			r.Country,
			r.ServiceID,
			r.OfferType,
			nullString(r.ServiceName),
			r.TitlePageLink,
			nullString(r.WatchLink),
			nullString(r.Quality),
			audios,
			subtitles,
			r.AvailableSince,
			r.ExpiresSoon,
			nullInt64(r.ExpiresOn),
			r.FetchedAt,
			r.LastSeenRunID,
		})
	}

	return db.Upsert(ctx, s.q, offersSpec, rows, s.chunkSize)
}

// UpsertAssets upserts asset records by (sapi_id, asset_kind)
func (s *Store) UpsertAssets(ctx context.Context, records []AssetRecord) (int, error) {
	type assetKey struct{ sapiID, kind string }
	records = dedupeLast(records, func(r AssetRecord) assetKey { return assetKey{r.SapiID, r.AssetKind} })

	rows := make([][]any, 0, len(records))
	for _, r := range records {
		urls, err := marshalJSON(r.ImageURLs, "{}")
		if err != nil {
			return 0, fmt.Errorf("asset %s/%s urls: %w", r.SapiID, r.AssetKind, err)
		}

		rows = append(rows, []any{
			r.SapiID,
			r.AssetKind,
			urls,
			r.FetchedAt,
			r.LastSeenRunID,
		})
	}

	return db.Upsert(ctx, s.q, assetsSpec, rows, s.chunkSize)
}

// GetTitle retrieves a title by sapi_id
func (s *Store) GetTitle(ctx context.Context, sapiID string) (*TitleRecord, error) {
	query := `
		SELECT sapi_id, imdb_id, tmdb_id, title, original_title, show_type,
			item_type, release_year, fetched_at, last_seen_run_id
		FROM titles_index
		WHERE sapi_id = ?
	`

	title, err := scanTitle(s.q.QueryRowContext(ctx, db.Rebind(s.q.Driver(), query), sapiID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return title, nil
}

// TitlesSeenIn lists titles whose last_seen_run_id is runID, ordered by
// sapi_id. Passing a scope's latest completed run yields its current titles.
func (s *Store) TitlesSeenIn(ctx context.Context, runID string, limit int) ([]TitleRecord, error) {
	query := `
		SELECT sapi_id, imdb_id, tmdb_id, title, original_title, show_type,
			item_type, release_year, fetched_at, last_seen_run_id
		FROM titles_index
		WHERE last_seen_run_id = ?
		ORDER BY sapi_id
		LIMIT ?
	`

	rows, err := s.q.QueryContext(ctx, db.Rebind(s.q.Driver(), query), runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	titles := []TitleRecord{}
	for rows.Next() {
		title, err := scanTitle(rows)
		if err != nil {
			return nil, err
		}
		titles = append(titles, *title)
	}

	return titles, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTitle(row rowScanner) (*TitleRecord, error) {
	var (
		t                                           TitleRecord
		imdbID, tmdbID, original, itemType, relYear sql.NullString
	)

	err := row.Scan(
		&t.SapiID,
		&imdbID,
		&tmdbID,
		&t.Title,
		&original,
		&t.ShowType,
		&itemType,
		&relYear,
		&t.FetchedAt,
		&t.LastSeenRunID,
	)
	if err != nil {
		return nil, err
	}

	t.ImdbID = stringPtr(imdbID)
	t.TmdbID = stringPtr(tmdbID)
	t.OriginalTitle = stringPtr(original)
	t.ItemType = stringPtr(itemType)
	t.ReleaseYear = stringPtr(relYear)

	return &t, nil
}

func marshalJSON(v any, empty string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt64(n *int64) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *n, Valid: true}
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}
