// Package observe carries structured backfill events to logs and metrics.
// Components emit Events to an injected Sink instead of logging directly.
package observe

import (
	"context"
	"log/slog"
	"time"
)

// Kind names an event
type Kind string

const (
	KindRunStarted    Kind = "run_started"
	KindPageCommitted Kind = "page_committed"
	KindRunPaused     Kind = "run_paused"
	KindRunCompleted  Kind = "run_completed"
	KindRunFailed     Kind = "run_failed"
	KindFetchRetry    Kind = "fetch_retry"

	// KindRunAlreadyCompleted is a resume of a run that had finished earlier
	KindRunAlreadyCompleted Kind = "run_already_completed"
)

type runIDKey struct{}

// ContextWithRunID tags ctx with the run being processed, so events raised
// below the worker can name it
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFromContext returns the run id set by ContextWithRunID, or ""
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// Event is one observation. Fields irrelevant to a Kind are left zero.
type Event struct {
	Kind  Kind
	RunID string

	Country           string
	CatalogsBundle    string
	ParamsFingerprint string

	Page        int
	Items       int
	HasMore     bool
	CursorUsed  *string
	NextCursor  *string
	RawInserted bool

	Titles int
	Offers int
	Assets int

	FetchDuration   time.Duration
	PersistDuration time.Duration

	Attempt int
	Wait    time.Duration

	Err error
}

// Sink receives events. Emit must not block for long and must not fail.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, e Event)

// Emit calls f
func (f SinkFunc) Emit(ctx context.Context, e Event) { f(ctx, e) }

// Nop discards events
var Nop Sink = SinkFunc(func(context.Context, Event) {})

type multi []Sink

// Multi fans events out to every non-nil sink in order
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multi) Emit(ctx context.Context, e Event) {
	for _, s := range m {
		s.Emit(ctx, e)
	}
}

// LogSink renders events as slog records
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink writing to logger
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ctx context.Context, e Event) {
	switch e.Kind {
	case KindRunStarted:
		s.logger.InfoContext(ctx, "backfill started",
			"run_id", e.RunID,
			"country", e.Country,
			"catalogs", e.CatalogsBundle,
			"fingerprint", e.ParamsFingerprint,
			"cursor_next", cursorLabel(e.CursorUsed, "START"))

	case KindPageCommitted:
		s.logger.InfoContext(ctx, "backfill page committed",
			"run_id", e.RunID,
			"page", e.Page,
			"items", e.Items,
			"has_more", e.HasMore,
			"raw_inserted", e.RawInserted,
			"titles", e.Titles,
			"offers", e.Offers,
			"assets", e.Assets,
			"fetch_ms", e.FetchDuration.Milliseconds(),
			"persist_ms", e.PersistDuration.Milliseconds(),
			"cursor_used", cursorLabel(e.CursorUsed, "START"),
			"next_cursor", cursorLabel(e.NextCursor, "NONE"))

	case KindRunPaused:
		s.logger.InfoContext(ctx, "backfill paused at page limit",
			"run_id", e.RunID,
			"pages", e.Page,
			"cursor_next", cursorLabel(e.NextCursor, "NONE"))

	case KindRunCompleted:
		s.logger.InfoContext(ctx, "backfill completed",
			"run_id", e.RunID,
			"pages", e.Page)

	case KindRunAlreadyCompleted:
		s.logger.InfoContext(ctx, "backfill run already completed",
			"run_id", e.RunID,
			"pages", e.Page)

	case KindRunFailed:
		s.logger.ErrorContext(ctx, "backfill failed",
			"run_id", e.RunID,
			"pages", e.Page,
			"error", e.Err)

	case KindFetchRetry:
		s.logger.WarnContext(ctx, "retrying provider request",
			"run_id", e.RunID,
			"attempt", e.Attempt,
			"wait_ms", e.Wait.Milliseconds(),
			"error", e.Err)

	default:
		s.logger.DebugContext(ctx, "backfill event", "kind", string(e.Kind), "run_id", e.RunID)
	}
}

func cursorLabel(c *string, absent string) string {
	if c == nil {
		return absent
	}
	return *c
}
