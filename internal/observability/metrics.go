// Package observability provides Prometheus metrics, health/readiness
// endpoints, structured logging, and OpenTelemetry tracing for licdir.
package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds both Prometheus collectors and atomic counters for fast-path
// access in the request hot path.
type Metrics struct {
	// Atomic counters for hot-path (no mutex, no allocation).
	searches         int64
	searchErrors     int64
	rateLimited      int64
	validationErrors int64
	cacheHits        int64
	cacheMisses      int64
	staleServed      int64
	upstreamFetches  int64
	upstreamErrors   int64
	snapshotErrors   int64

	// Prometheus counters for scraping.
	promSearches         prometheus.Counter
	promSearchErrors     prometheus.Counter
	promRateLimited      prometheus.Counter
	promValidationErrors prometheus.Counter
	promCacheHits        prometheus.Counter
	promCacheMisses      prometheus.Counter
	promStaleServed      prometheus.Counter
	promUpstreamFetches  prometheus.Counter
	promUpstreamErrors   prometheus.Counter
	promSnapshotErrors   prometheus.Counter

	// Prometheus histograms.
	PromRequestDuration *prometheus.HistogramVec
	PromUpstreamLatency prometheus.Histogram

	// Result counts per search as a histogram, not a per-term gauge —
	// search terms are unbounded and would explode label cardinality.
	PromResultCount prometheus.Histogram
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	m := &Metrics{
		promSearches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "licdir",
			Name:      "searches_total",
			Help:      "Total number of search requests served.",
		}),
		promSearchErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "licdir",
			Name:      "search_errors_total",
			Help:      "Total number of search requests that failed.",
		}),
		promRateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "licdir",
			Name:      "requests_limited_total",
			Help:      "Total number of requests rejected by rate limiting.",
		}),
		promValidationErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "licdir",
			Name:      "validation_errors_total",
			Help:      "Total number of requests rejected by input validation.",
		}),
		promCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "licdir",
			Name:      "dataset_cache_hits_total",
			Help:      "Total number of searches served from a fresh cached dataset.",
		}),
		promCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "licdir",
			Name:      "dataset_cache_misses_total",
			Help:      "Total number of searches that triggered an upstream refresh.",
		}),
		promStaleServed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "licdir",
			Name:      "dataset_stale_served_total",
			Help:      "Total number of searches served from a stale dataset after a refresh failure.",
		}),
		promUpstreamFetches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "licdir",
			Name:      "upstream_fetches_total",
			Help:      "Total number of upstream dataset fetch attempts.",
		}),
		promUpstreamErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "licdir",
			Name:      "upstream_errors_total",
			Help:      "Total number of failed upstream dataset fetches.",
		}),
		promSnapshotErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "licdir",
			Name:      "snapshot_errors_total",
			Help:      "Total number of snapshot store errors.",
		}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "licdir",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status_code"}),
		PromUpstreamLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "licdir",
			Name:      "upstream_fetch_duration_seconds",
			Help:      "Upstream dataset fetch duration in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		PromResultCount: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "licdir",
			Name:      "search_result_count",
			Help:      "Distribution of result counts across searches.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500},
		}),
	}

	return m
}

// IncSearches increments the served searches counter.
func (m *Metrics) IncSearches() {
	atomic.AddInt64(&m.searches, 1)
	m.promSearches.Inc()
}

// IncSearchErrors increments the failed searches counter.
func (m *Metrics) IncSearchErrors() {
	atomic.AddInt64(&m.searchErrors, 1)
	m.promSearchErrors.Inc()
}

// IncRateLimited increments the rate-limited requests counter.
func (m *Metrics) IncRateLimited() {
	atomic.AddInt64(&m.rateLimited, 1)
	m.promRateLimited.Inc()
}

// IncValidationErrors increments the validation error counter.
func (m *Metrics) IncValidationErrors() {
	atomic.AddInt64(&m.validationErrors, 1)
	m.promValidationErrors.Inc()
}

// IncCacheHits increments the fresh-dataset hit counter.
func (m *Metrics) IncCacheHits() {
	atomic.AddInt64(&m.cacheHits, 1)
	m.promCacheHits.Inc()
}

// IncCacheMisses increments the refresh-triggering miss counter.
func (m *Metrics) IncCacheMisses() {
	atomic.AddInt64(&m.cacheMisses, 1)
	m.promCacheMisses.Inc()
}

// IncStaleServed increments the stale-dataset serve counter.
func (m *Metrics) IncStaleServed() {
	atomic.AddInt64(&m.staleServed, 1)
	m.promStaleServed.Inc()
}

// IncUpstreamFetches increments the upstream fetch attempt counter.
func (m *Metrics) IncUpstreamFetches() {
	atomic.AddInt64(&m.upstreamFetches, 1)
	m.promUpstreamFetches.Inc()
}

// IncUpstreamErrors increments the upstream fetch failure counter.
func (m *Metrics) IncUpstreamErrors() {
	atomic.AddInt64(&m.upstreamErrors, 1)
	m.promUpstreamErrors.Inc()
}

// IncSnapshotErrors increments the snapshot store error counter.
func (m *Metrics) IncSnapshotErrors() {
	atomic.AddInt64(&m.snapshotErrors, 1)
	m.promSnapshotErrors.Inc()
}

// ObserveResultCount records the number of results returned by a search.
func (m *Metrics) ObserveResultCount(n int) {
	m.PromResultCount.Observe(float64(n))
}

// MetricsSnapshot holds a point-in-time copy of all atomic counters.
type MetricsSnapshot struct {
	Searches         int64
	SearchErrors     int64
	RateLimited      int64
	ValidationErrors int64
	CacheHits        int64
	CacheMisses      int64
	StaleServed      int64
	UpstreamFetches  int64
	UpstreamErrors   int64
	SnapshotErrors   int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Searches:         atomic.LoadInt64(&m.searches),
		SearchErrors:     atomic.LoadInt64(&m.searchErrors),
		RateLimited:      atomic.LoadInt64(&m.rateLimited),
		ValidationErrors: atomic.LoadInt64(&m.validationErrors),
		CacheHits:        atomic.LoadInt64(&m.cacheHits),
		CacheMisses:      atomic.LoadInt64(&m.cacheMisses),
		StaleServed:      atomic.LoadInt64(&m.staleServed),
		UpstreamFetches:  atomic.LoadInt64(&m.upstreamFetches),
		UpstreamErrors:   atomic.LoadInt64(&m.upstreamErrors),
		SnapshotErrors:   atomic.LoadInt64(&m.snapshotErrors),
	}
}
