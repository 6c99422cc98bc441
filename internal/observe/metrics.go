package observe

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is a Sink that maintains Prometheus collectors on its own registry
type Metrics struct {
	PagesCommitted   prometheus.Counter
	ItemsProcessed   prometheus.Counter
	RowsUpserted     *prometheus.CounterVec
	RawPagesReplayed prometheus.Counter
	RunsFinished     *prometheus.CounterVec
	FetchRetries     prometheus.Counter

	FetchDuration   prometheus.Histogram
	PersistDuration prometheus.Histogram

	registry *prometheus.Registry
}

// NewMetrics creates and registers the backfill collectors
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "catalogindex"
	}

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.PagesCommitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pages_committed_total",
		Help:      "Pages persisted and checkpointed",
	})

	m.ItemsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "items_processed_total",
		Help:      "Provider items contained in committed pages",
	})

	m.RowsUpserted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_upserted_total",
			Help:      "Index rows sent to storage by table",
		},
		[]string{"table"}, // "titles", "offers", "assets"
	)

	m.RawPagesReplayed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "raw_pages_replayed_total",
		Help:      "Pages whose raw append was a no-op because they were already stored",
	})

	m.RunsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Backfill invocations by outcome",
		},
		[]string{"outcome"}, // "completed", "paused", "failed"
	)

	m.FetchRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_retries_total",
		Help:      "Provider requests retried after a transient failure",
	})

	m.FetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "fetch_duration_seconds",
		Help:      "Provider page fetch latency including retries",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	m.PersistDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "persist_duration_seconds",
		Help:      "Per-page transaction latency",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	m.registry.MustRegister(
		m.PagesCommitted,
		m.ItemsProcessed,
		m.RowsUpserted,
		m.RawPagesReplayed,
		m.RunsFinished,
		m.FetchRetries,
		m.FetchDuration,
		m.PersistDuration,
	)

	return m
}

// Registry returns the registry holding the collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Emit(_ context.Context, e Event) {
	switch e.Kind {
	case KindPageCommitted:
		m.PagesCommitted.Inc()
		m.ItemsProcessed.Add(float64(e.Items))
		m.RowsUpserted.WithLabelValues("titles").Add(float64(e.Titles))
		m.RowsUpserted.WithLabelValues("offers").Add(float64(e.Offers))
		m.RowsUpserted.WithLabelValues("assets").Add(float64(e.Assets))
		if !e.RawInserted {
			m.RawPagesReplayed.Inc()
		}
		m.FetchDuration.Observe(e.FetchDuration.Seconds())
		m.PersistDuration.Observe(e.PersistDuration.Seconds())

	case KindRunCompleted:
		m.RunsFinished.WithLabelValues("completed").Inc()

	case KindRunPaused:
		m.RunsFinished.WithLabelValues("paused").Inc()

	case KindRunFailed:
		m.RunsFinished.WithLabelValues("failed").Inc()

	case KindFetchRetry:
		m.FetchRetries.Inc()
	}
}
