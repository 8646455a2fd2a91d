package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// namespace prefixes every metric (rules_engine_...).
const namespace = "rules_engine"

// lowLatencyBuckets covers 1ms to 500ms for in-process evaluation paths.
var lowLatencyBuckets = []float64{.001, .002, .005, .010, .015, .020, .025, .030, .050, .100, .500}

// Outcome label values shared by the evaluation and RPC metrics.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeCacheHit = "cache_hit"
)

var (
	// --- RPC (gRPC evaluation service) ---

	RPCDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "handling_seconds",
		Help:      "Time taken to handle evaluation service calls",
		Buckets:   lowLatencyBuckets,
	}, []string{"method", "code"})

	RPCTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "requests_total",
		Help:      "Total evaluation service calls",
	}, []string{"method", "code"})

	// --- Admin (REST) ---

	AdminReqDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "admin",
		Name:      "http_handling_seconds",
		Help:      "Time taken to handle admin HTTP requests",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	AdminReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "admin",
		Name:      "http_requests_total",
		Help:      "Total admin HTTP requests",
	}, []string{"method", "path", "code"})

	// --- Evaluation ---

	EvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "evaluation",
		Name:      "conditions_total",
		Help:      "Condition evaluations by outcome",
	}, []string{"outcome"})

	EvaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "evaluation",
		Name:      "condition_seconds",
		Help:      "Time spent evaluating a single condition expression",
		Buckets:   lowLatencyBuckets,
	})

	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "evaluation",
		Name:      "batch_size",
		Help:      "Number of distinct conditions per batch request",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})

	DegradedBatches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "evaluation",
		Name:      "degraded_batches_total",
		Help:      "Batches evaluated in request order because no dependency order was available",
	})

	// --- Result cache ---

	ResultCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "result_cache",
		Name:      "hits_total",
		Help:      "Total result cache hits",
	})

	ResultCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "result_cache",
		Name:      "misses_total",
		Help:      "Total result cache misses",
	})

	ResultCacheRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "result_cache",
		Name:      "rejected_total",
		Help:      "Total writes rejected because the cache was full",
	})

	ResultCacheExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "result_cache",
		Name:      "expired_total",
		Help:      "Total entries removed by the expiry sweep",
	})

	ResultCacheItems = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "result_cache",
		Name:      "items_count",
		Help:      "Current number of cached results",
	})

	ResultCacheInvalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "result_cache",
		Name:      "invalidated_entries_total",
		Help:      "Total cached results removed by invalidation",
	}, []string{"kind"}) // key, prefix

	// --- Graph cache ---

	GraphBuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "graph",
		Name:      "builds_total",
		Help:      "Dependency graph builds by status",
	}, []string{"status"})

	GraphBuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "graph",
		Name:      "build_seconds",
		Help:      "Time taken to load definitions and build a dependency graph",
		Buckets:   prometheus.DefBuckets,
	})

	GraphCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "graph",
		Name:      "cache_hits_total",
		Help:      "Total graph cache hits",
	})

	GraphCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "graph",
		Name:      "cache_misses_total",
		Help:      "Total graph cache misses",
	})

	GraphCacheScopes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "graph",
		Name:      "cached_scopes",
		Help:      "Current number of cached campaign/branch graphs",
	})

	GraphInvalidations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "graph",
		Name:      "invalidations_total",
		Help:      "Total cached graphs discarded",
	})

	// --- Invalidation subscriber ---

	InvalidationEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "invalidation",
		Name:      "events_total",
		Help:      "Change events received by type",
	}, []string{"type"})

	InvalidationApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "invalidation",
		Name:      "actions_total",
		Help:      "Invalidation actions applied",
	}, []string{"action"})

	InvalidationDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "invalidation",
		Name:      "deduplicated_total",
		Help:      "Events dropped by the cooldown window",
	})

	InvalidationDecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "invalidation",
		Name:      "decode_errors_total",
		Help:      "Events dropped because the payload could not be decoded",
	})

	InvalidationReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "invalidation",
		Name:      "reconnects_total",
		Help:      "Subscription reconnect attempts",
	})

	// --- Warmer ---

	WarmerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "warmer",
		Name:      "runs_total",
		Help:      "Warm-up passes by status",
	}, []string{"status"})

	WarmerScopes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "warmer",
		Name:      "last_run_scopes",
		Help:      "Scopes warmed by the most recent pass",
	})

	// --- Client ---

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "client",
		Name:      "breaker_state",
		Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
	}, []string{"name"})

	ClientFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "client",
		Name:      "fallbacks_total",
		Help:      "Calls served by the local fallback",
	}, []string{"method"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "client",
		Name:      "notifications_total",
		Help:      "Change notifications published by status",
	}, []string{"status"})

	// --- Database pool ---

	DBPoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_connections",
		Help:      "Connection pool sizes by state",
	}, []string{"state"}) // max, total, idle, in_use

	DBPoolAcquireCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_acquire_count_total",
		Help:      "Successful connection acquisitions",
	})

	DBPoolAcquireDuration = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_acquire_duration_seconds_total",
		Help:      "Time spent acquiring connections",
	})

	DBPoolEmptyAcquire = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_empty_acquire_total",
		Help:      "Acquisitions that waited because the pool was empty",
	})
)
