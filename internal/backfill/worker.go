// Package backfill runs one cursor crawl for one scope. Each page is fetched
// with no transaction open, then its raw body, index records and ledger
// checkpoint are committed together. A crash between the two leaves the
// ledger cursor where it was, and the replayed page is absorbed by the
// idempotent stores.
package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/catalogindex/internal/db"
	"github.com/livinlefevreloca/catalogindex/internal/index"
	"github.com/livinlefevreloca/catalogindex/internal/ledger"
	"github.com/livinlefevreloca/catalogindex/internal/observe"
	"github.com/livinlefevreloca/catalogindex/internal/rawstore"
	"github.com/livinlefevreloca/catalogindex/internal/sapi"
)

var (
	// ErrStalled means the provider keeps reporting more pages without
	// making progress
	ErrStalled = errors.New("backfill: provider pagination stalled")

	// ErrMissingCursor means a page reported hasMore without a next cursor
	ErrMissingCursor = errors.New("backfill: hasMore without nextCursor")
)

// maxErrorLen bounds the summary stored in run_ledger.last_error
const maxErrorLen = 2000

// Extractor maps one provider item to index records
type Extractor func(raw json.RawMessage, fetchedAt time.Time, runID string) (index.TitleRecord, []index.OfferRecord, []index.AssetRecord, error)

// Options control a single RunBackfill call
type Options struct {
	// MaxPages stops the run after this many pages without completing it.
	// Zero means no limit.
	MaxPages int

	// ChunkSize bounds rows per upsert statement
	ChunkSize int

	// MaxEmptyPages fails the run after this many consecutive pages with
	// no items that still report hasMore. Zero disables the check.
	MaxEmptyPages int

	// Endpoint defaults to sapi.DefaultEndpoint
	Endpoint string
}

// Worker sequences fetch, persist and checkpoint for a run
type Worker struct {
	db       *db.DB
	fetcher  sapi.Fetcher
	extract  Extractor
	sink     observe.Sink
	now      func() time.Time
	newRunID func() string
}

// Option configures a Worker
type Option func(*Worker)

// WithExtractor replaces sapi.ExtractShow
func WithExtractor(fn Extractor) Option {
	return func(w *Worker) { w.extract = fn }
}

// WithSink sets the event sink
func WithSink(sink observe.Sink) Option {
	return func(w *Worker) { w.sink = sink }
}

// WithClock sets the source of fetched_at timestamps
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// WithRunIDGenerator sets how run ids are minted when none is given
func WithRunIDGenerator(fn func() string) Option {
	return func(w *Worker) { w.newRunID = fn }
}

// New creates a worker over database, pulling pages from fetcher
func New(database *db.DB, fetcher sapi.Fetcher, opts ...Option) *Worker {
	w := &Worker{
		db:       database,
		fetcher:  fetcher,
		extract:  sapi.ExtractShow,
		sink:     observe.Nop,
		now:      time.Now,
		newRunID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RunBackfill crawls scope starting from the run's stored cursor and returns
// the run id. An empty runID starts a new run. The run is either completed,
// paused at opts.MaxPages, or marked failed before the error is returned.
func (w *Worker) RunBackfill(ctx context.Context, scope ledger.Scope, base url.Values, opts Options, runID string) (string, error) {
	if runID == "" {
		runID = w.newRunID()
	}
	if opts.Endpoint == "" {
		opts.Endpoint = sapi.DefaultEndpoint
	}
	ctx = observe.ContextWithRunID(ctx, runID)

	// Runs outside a transaction so a lost creation race can still read
	// the winner's row on Postgres
	entry, err := ledger.New(w.db).EnsureStarted(ctx, runID, scope)
	if err != nil {
		return runID, fmt.Errorf("start run %s: %w", runID, err)
	}
	if entry.Scope() != scope {
		return runID, fmt.Errorf("%w: run %s has %+v, requested %+v", ledger.ErrScopeMismatch, runID, entry.Scope(), scope)
	}
	if entry.Status == ledger.StatusCompleted {
		w.sink.Emit(ctx, observe.Event{Kind: observe.KindRunAlreadyCompleted, RunID: runID, Page: int(entry.PagesProcessed)})
		return runID, nil
	}

	r := &run{
		Worker: w,
		id:     runID,
		scope:  scope,
		base:   base,
		opts:   opts,
	}

	if err := r.loop(ctx); err != nil {
		return runID, w.fail(ctx, r, err)
	}
	return runID, nil
}

// fail records err on the ledger in its own transaction, detached from
// ctx cancellation, and returns err.
func (w *Worker) fail(ctx context.Context, r *run, err error) error {
	w.sink.Emit(ctx, observe.Event{
		Kind:  observe.KindRunFailed,
		RunID: r.id,
		Page:  r.pages,
		Err:   err,
	})

	markCtx := context.WithoutCancel(ctx)
	markErr := w.db.WithTransaction(markCtx, func(tx *db.Tx) error {
		return ledger.New(tx).MarkFailed(markCtx, r.id, errorSummary(err))
	})
	if markErr != nil {
		return errors.Join(err, fmt.Errorf("mark run %s failed: %w", r.id, markErr))
	}
	return err
}

// run is the state of one RunBackfill invocation
type run struct {
	*Worker
	id    string
	scope ledger.Scope
	base  url.Values
	opts  Options

	cursor      *string
	pages       int
	emptyStreak int
}

func (r *run) loop(ctx context.Context) error {
	var err error
	if r.cursor, err = ledger.New(r.db).GetCursorNext(ctx, r.id); err != nil {
		return err
	}

	if err := r.db.WithTransaction(ctx, func(tx *db.Tx) error {
		return ledger.New(tx).SetRunning(ctx, r.id)
	}); err != nil {
		return fmt.Errorf("set running: %w", err)
	}

	r.sink.Emit(ctx, observe.Event{
		Kind:              observe.KindRunStarted,
		RunID:             r.id,
		Country:           r.scope.Country,
		CatalogsBundle:    r.scope.CatalogsBundle,
		ParamsFingerprint: r.scope.ParamsFingerprint,
		CursorUsed:        r.cursor,
	})

	for {
		if r.opts.MaxPages > 0 && r.pages >= r.opts.MaxPages {
			r.sink.Emit(ctx, observe.Event{Kind: observe.KindRunPaused, RunID: r.id, Page: r.pages, NextCursor: r.cursor})
			return nil
		}

		done, err := r.step(ctx)
		if err != nil {
			return err
		}
		if done {
			r.sink.Emit(ctx, observe.Event{Kind: observe.KindRunCompleted, RunID: r.id, Page: r.pages})
			return nil
		}
	}
}

// step processes one page and reports whether the provider has no more
func (r *run) step(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	cursorUsed := r.cursor
	params := BuildParams(r.base, r.scope, cursorUsed)

	fetchStart := time.Now()
	fetchedAt := r.now().UTC()
	body, err := r.fetcher.Fetch(ctx, r.opts.Endpoint, params)
	if err != nil {
		return false, fmt.Errorf("fetch page %d: %w", r.pages+1, err)
	}
	fetchDuration := time.Since(fetchStart)

	page, err := sapi.DecodePage(body)
	if err != nil {
		return false, err
	}
	if page.HasMore {
		if page.NextCursor == nil {
			return false, ErrMissingCursor
		}
		if cursorUsed != nil && *page.NextCursor == *cursorUsed {
			return false, fmt.Errorf("%w: next cursor %q repeats the cursor used", ErrStalled, *cursorUsed)
		}
	}

	titles := make([]index.TitleRecord, 0, len(page.Shows))
	var offers []index.OfferRecord
	var assets []index.AssetRecord
	for i, raw := range page.Shows {
		title, o, a, err := r.extract(raw, fetchedAt, r.id)
		if err != nil {
			return false, fmt.Errorf("extract item %d: %w", i, err)
		}
		titles = append(titles, title)
		offers = append(offers, o...)
		assets = append(assets, a...)
	}

	persistStart := time.Now()
	var (
		inserted bool
		counts   index.Counts
		entry    *ledger.Entry
	)
	err = r.db.WithTransaction(ctx, func(tx *db.Tx) error {
		var err error
		if inserted, err = rawstore.New(tx).AppendPage(ctx, r.id, cursorUsed, fetchedAt, page); err != nil {
			return err
		}
		if counts, err = index.New(tx, r.opts.ChunkSize).UpsertAll(ctx, titles, offers, assets); err != nil {
			return err
		}
		entry, err = ledger.New(tx).CheckpointAfterPage(ctx, r.id, page.NextCursor, page.HasMore, len(page.Shows))
		return err
	})
	if db.IsForeignKey(err) {
		return false, fmt.Errorf("persist page %d: offer or asset references a title not on the page: %w", r.pages+1, err)
	}
	if err != nil {
		return false, fmt.Errorf("persist page %d: %w", r.pages+1, err)
	}

	r.pages++
	r.cursor = entry.CursorNext

	r.sink.Emit(ctx, observe.Event{
		Kind:            observe.KindPageCommitted,
		RunID:           r.id,
		Page:            r.pages,
		Items:           len(page.Shows),
		HasMore:         page.HasMore,
		CursorUsed:      cursorUsed,
		NextCursor:      page.NextCursor,
		RawInserted:     inserted,
		Titles:          counts.Titles,
		Offers:          counts.Offers,
		Assets:          counts.Assets,
		FetchDuration:   fetchDuration,
		PersistDuration: time.Since(persistStart),
	})

	if !page.HasMore {
		return true, nil
	}

	if len(page.Shows) > 0 {
		r.emptyStreak = 0
		return false, nil
	}
	r.emptyStreak++
	if r.opts.MaxEmptyPages > 0 && r.emptyStreak >= r.opts.MaxEmptyPages {
		return false, fmt.Errorf("%w: %d consecutive empty pages", ErrStalled, r.emptyStreak)
	}
	return false, nil
}

// BuildParams derives request parameters from base: country always comes
// from scope, catalogs from base when given there (normalized), otherwise
// from scope. The cursor is omitted entirely when nil.
func BuildParams(base url.Values, scope ledger.Scope, cursor *string) url.Values {
	params := make(url.Values, len(base)+3)
	for k, v := range base {
		params[k] = append([]string(nil), v...)
	}

	params.Set("country", scope.Country)

	if catalogs := normalizeCatalogs(params["catalogs"]); catalogs != "" {
		params.Set("catalogs", catalogs)
	} else if scope.CatalogsBundle != "" {
		params.Set("catalogs", scope.CatalogsBundle)
	} else {
		params.Del("catalogs")
	}

	if cursor != nil {
		params.Set("cursor", *cursor)
	} else {
		params.Del("cursor")
	}

	return params
}

// normalizeCatalogs flattens comma lists, trims entries and drops empties
func normalizeCatalogs(values []string) string {
	var out []string
	for _, v := range values {
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				out = append(out, c)
			}
		}
	}
	return strings.Join(out, ",")
}

func errorSummary(err error) string {
	msg := err.Error()
	if len(msg) <= maxErrorLen {
		return strings.ToValidUTF8(msg, "?")
	}
	n := maxErrorLen
	for n > 0 && !utf8.RuneStart(msg[n]) {
		n--
	}
	return strings.ToValidUTF8(msg[:n], "?")
}
