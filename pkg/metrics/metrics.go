// Package metrics defines the Prometheus metric collectors used across the
// platform and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the platform. A nil *Metrics is
// valid: every helper method no-ops, so tests can pass nil instead of
// registering collectors against the default registry.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	SearchesTotal        *prometheus.CounterVec
	SearchLatency        *prometheus.HistogramVec
	SearchResultsCount   *prometheus.HistogramVec
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	EventsConsumedTotal  *prometheus.CounterVec
	DocumentsIndexed     *prometheus.CounterVec
	DocumentsFailed      *prometheus.CounterVec
	PendingEvents        *prometheus.GaugeVec
	IndexDocCount        *prometheus.GaugeVec
	SnapshotsTotal       *prometheus.CounterVec
	SnapshotDuration     *prometheus.HistogramVec
	SnapshotBytes        *prometheus.GaugeVec
	ReloadsTotal         *prometheus.CounterVec
	StatusRowsInserted   *prometheus.CounterVec
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		SearchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "searches_total",
				Help: "Total search requests by collection and outcome (ok, query_error, index_error).",
			},
			[]string{"collection", "outcome"},
		),
		SearchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "search_latency_seconds",
				Help:    "Search latency in seconds by collection and cache status.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"collection", "cache_status"},
		),
		SearchResultsCount: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "search_results_count",
				Help:    "Number of hits returned per search.",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
			},
			[]string{"collection"},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of search cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of search cache misses.",
			},
		),
		EventsConsumedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_events_consumed_total",
				Help: "Total bus events consumed by the indexer loop.",
			},
			[]string{"collection"},
		),
		DocumentsIndexed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "documents_indexed_total",
				Help: "Total documents written into the index.",
			},
			[]string{"collection"},
		),
		DocumentsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "documents_failed_total",
				Help: "Total documents that failed by stage (fetch, map, index).",
			},
			[]string{"collection", "stage"},
		),
		PendingEvents: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "indexer_pending_events",
				Help: "Events consumed but not yet acknowledged upstream.",
			},
			[]string{"collection"},
		),
		IndexDocCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "index_document_count",
				Help: "Documents in the index at the last commit or reload.",
			},
			[]string{"collection"},
		),
		SnapshotsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_snapshots_total",
				Help: "Index snapshot attempts by status (ok, error).",
			},
			[]string{"collection", "status"},
		),
		SnapshotDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "index_snapshot_duration_seconds",
				Help:    "Time to serialize and persist an index snapshot.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
			},
			[]string{"collection"},
		),
		SnapshotBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "index_snapshot_bytes",
				Help: "Size of the last serialized snapshot.",
			},
			[]string{"collection"},
		),
		ReloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_reloads_total",
				Help: "Snapshot reload attempts by status (ok, error).",
			},
			[]string{"collection", "status"},
		),
		StatusRowsInserted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_status_rows_total",
				Help: "Document status rows recorded by the tracker.",
			},
			[]string{"status"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.SearchesTotal,
		m.SearchLatency,
		m.SearchResultsCount,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.EventsConsumedTotal,
		m.DocumentsIndexed,
		m.DocumentsFailed,
		m.PendingEvents,
		m.IndexDocCount,
		m.SnapshotsTotal,
		m.SnapshotDuration,
		m.SnapshotBytes,
		m.ReloadsTotal,
		m.StatusRowsInserted,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) ObserveSearch(collection, outcome, cacheStatus string, d time.Duration, hits int) {
	if m == nil {
		return
	}
	m.SearchesTotal.WithLabelValues(collection, outcome).Inc()
	m.SearchLatency.WithLabelValues(collection, cacheStatus).Observe(d.Seconds())
	if outcome == "ok" {
		m.SearchResultsCount.WithLabelValues(collection).Observe(float64(hits))
	}
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.CacheHitsTotal.Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.CacheMissesTotal.Inc()
}

func (m *Metrics) EventConsumed(collection string) {
	if m == nil {
		return
	}
	m.EventsConsumedTotal.WithLabelValues(collection).Inc()
}

func (m *Metrics) DocumentIndexed(collection string) {
	if m == nil {
		return
	}
	m.DocumentsIndexed.WithLabelValues(collection).Inc()
}

func (m *Metrics) DocumentFailed(collection, stage string) {
	if m == nil {
		return
	}
	m.DocumentsFailed.WithLabelValues(collection, stage).Inc()
}

func (m *Metrics) SetPendingEvents(collection string, n int) {
	if m == nil {
		return
	}
	m.PendingEvents.WithLabelValues(collection).Set(float64(n))
}

func (m *Metrics) SetIndexDocCount(collection string, n uint64) {
	if m == nil {
		return
	}
	m.IndexDocCount.WithLabelValues(collection).Set(float64(n))
}

func (m *Metrics) ObserveSnapshot(collection string, d time.Duration, size int, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.SnapshotsTotal.WithLabelValues(collection, status).Inc()
	if err == nil {
		m.SnapshotDuration.WithLabelValues(collection).Observe(d.Seconds())
		m.SnapshotBytes.WithLabelValues(collection).Set(float64(size))
	}
}

func (m *Metrics) ObserveReload(collection string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ReloadsTotal.WithLabelValues(collection, status).Inc()
}

func (m *Metrics) StatusRowInserted(status string, n int) {
	if m == nil {
		return
	}
	m.StatusRowsInserted.WithLabelValues(status).Add(float64(n))
}

func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}
