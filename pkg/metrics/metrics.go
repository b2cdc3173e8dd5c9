// Package metrics provides the Prometheus collector shared by the orchestrator
// components. A Collector is created once per process (or once per test) and
// passed to every component that records metrics; nothing is registered
// globally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every metric exported by the orchestrator.
type Collector struct {
	// Queue
	RequestsEnqueued *prometheus.CounterVec // platform, outcome (created|deduplicated)
	RequestsClaimed  *prometheus.CounterVec // platform
	RequestsRetried  *prometheus.CounterVec // platform
	RequestsCanceled prometheus.Counter

	// Flush
	FlushRequests  *prometheus.CounterVec   // platform, outcome (succeeded|failed|skipped)
	FlushDuration  *prometheus.HistogramVec // platform
	BatchesTotal   *prometheus.CounterVec   // platform, batch_type
	BatchFailures  *prometheus.CounterVec   // platform
	PhysicalCalls  *prometheus.CounterVec   // platform

	// Rate limiting
	RateLimitRemaining *prometheus.GaugeVec   // platform
	RateLimitDenied    *prometheus.CounterVec // platform

	// Cache
	CacheHits    *prometheus.CounterVec // layer (local|redis)
	CacheMisses  prometheus.Counter
	CacheWrites  prometheus.Counter
	CacheDeletes prometheus.Counter
	CacheErrors  *prometheus.CounterVec // operation

	// Tiered asset reads
	AssetReads *prometheus.CounterVec // platform, tier (cache|db|api|stale|empty)

	// HTTP transport
	APIRequests        *prometheus.CounterVec   // platform, status
	APIRequestDuration *prometheus.HistogramVec // platform
	APIRetries         *prometheus.CounterVec   // error_class
	APIRetryExhausted  *prometheus.CounterVec   // error_class
}

// NewCollector builds a Collector and registers it on reg.
// A nil registerer yields unregistered metrics, which is convenient for tests
// that only read values back through prometheus/testutil.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		RequestsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_requests_enqueued_total",
			Help: "Requests passed to enqueue, by platform and dedup outcome",
		}, []string{"platform", "outcome"}),
		RequestsClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_requests_claimed_total",
			Help: "Requests claimed into a batch",
		}, []string{"platform"}),
		RequestsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_requests_retried_total",
			Help: "Failed requests reset to pending",
		}, []string{"platform"}),
		RequestsCanceled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_requests_cancelled_total",
			Help: "Requests cancelled because their connection was disabled",
		}),
		FlushRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_flush_requests_total",
			Help: "Requests handled by flush, by platform and outcome",
		}, []string{"platform", "outcome"}),
		FlushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_flush_duration_seconds",
			Help:    "Duration of one flush call",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"platform"}),
		BatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_batches_total",
			Help: "Batches executed, by platform and batch type",
		}, []string{"platform", "batch_type"}),
		BatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_batch_failures_total",
			Help: "Batches that failed as a whole (error, panic or timeout)",
		}, []string{"platform"}),
		PhysicalCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_physical_calls_total",
			Help: "Physical API calls reported by batchers",
		}, []string{"platform"}),
		RateLimitRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_rate_limit_remaining",
			Help: "Remaining calls in the current window, last observed per platform",
		}, []string{"platform"}),
		RateLimitDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_rate_limit_denied_total",
			Help: "Attempts denied because the window budget was exhausted",
		}, []string{"platform"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_cache_hits_total",
			Help: "Cache hits by layer",
		}, []string{"layer"}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_cache_misses_total",
			Help: "Cache misses on both layers",
		}),
		CacheWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_cache_writes_total",
			Help: "Cache writes",
		}),
		CacheDeletes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_cache_deletes_total",
			Help: "Cache keys deleted (forget and pattern invalidation)",
		}),
		CacheErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_cache_errors_total",
			Help: "Cache operation errors",
		}, []string{"operation"}),
		AssetReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_asset_reads_total",
			Help: "Tiered asset reads by the tier that served them",
		}, []string{"platform", "tier"}),
		APIRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_api_requests_total",
			Help: "Platform API requests by platform and status",
		}, []string{"platform", "status"}),
		APIRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_api_request_duration_seconds",
			Help:    "Platform API request duration",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
		}, []string{"platform"}),
		APIRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_api_retries_total",
			Help: "Retry attempts by error class",
		}, []string{"error_class"}),
		APIRetryExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_api_retry_exhausted_total",
			Help: "Requests that exhausted their retries, by error class",
		}, []string{"error_class"}),
	}

	if reg != nil {
		reg.MustRegister(c.collectors()...)
	}
	return c
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.RequestsEnqueued,
		c.RequestsClaimed,
		c.RequestsRetried,
		c.RequestsCanceled,
		c.FlushRequests,
		c.FlushDuration,
		c.BatchesTotal,
		c.BatchFailures,
		c.PhysicalCalls,
		c.RateLimitRemaining,
		c.RateLimitDenied,
		c.CacheHits,
		c.CacheMisses,
		c.CacheWrites,
		c.CacheDeletes,
		c.CacheErrors,
		c.AssetReads,
		c.APIRequests,
		c.APIRequestDuration,
		c.APIRetries,
		c.APIRetryExhausted,
	}
}

// Metrics Documentation
//
// Queue:
//   - orchestrator_requests_enqueued_total{platform, outcome}
//   - orchestrator_requests_claimed_total{platform}
//   - orchestrator_requests_retried_total{platform}
//   - orchestrator_requests_cancelled_total
//
// Flush:
//   - orchestrator_flush_requests_total{platform, outcome}
//   - orchestrator_flush_duration_seconds{platform}
//   - orchestrator_batches_total{platform, batch_type}
//   - orchestrator_batch_failures_total{platform}
//   - orchestrator_physical_calls_total{platform}
//
// Rate limiting:
//   - orchestrator_rate_limit_remaining{platform}
//   - orchestrator_rate_limit_denied_total{platform}
//
// Cache:
//   - orchestrator_cache_hits_total{layer}
//   - orchestrator_cache_misses_total
//   - orchestrator_cache_writes_total
//   - orchestrator_cache_deletes_total
//   - orchestrator_cache_errors_total{operation}
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(orchestrator_cache_hits_total[5m])) /
//   (sum(rate(orchestrator_cache_hits_total[5m])) + sum(rate(orchestrator_cache_misses_total[5m])))
//
//   # Share of asset reads served without API traffic
//   sum(rate(orchestrator_asset_reads_total{tier=~"cache|db"}[1h])) / sum(rate(orchestrator_asset_reads_total[1h]))
//
//   # Requests stuck behind exhausted budgets
//   rate(orchestrator_flush_requests_total{outcome="skipped"}[15m])
