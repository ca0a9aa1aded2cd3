package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngestTotal counts ingestion requests by outcome
	// (inserted, cached, shared, transport, malformed, shape_mismatch).
	IngestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reprsim_ingest_total",
			Help: "Total number of representation ingestion requests by outcome",
		},
		[]string{"outcome"},
	)

	// IngestDurationSeconds measures fetch+decode+stats time for ingestions
	// that reached the transport.
	IngestDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reprsim_ingest_duration_seconds",
			Help:    "Duration of representation ingestion including fetch",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	// FetchBytesTotal tracks payload bytes retrieved from the transport
	FetchBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reprsim_fetch_bytes_total",
			Help: "Total payload bytes retrieved by scheme",
		},
		[]string{"scheme"},
	)

	// FetchErrorsTotal counts transport failures by scheme
	FetchErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reprsim_fetch_errors_total",
			Help: "Total transport failures by scheme",
		},
		[]string{"scheme"},
	)

	// FetchRetriesTotal counts repeated fetch attempts after transient failures
	FetchRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reprsim_fetch_retries_total",
			Help: "Total fetch retries by scheme",
		},
		[]string{"scheme"},
	)

	// StoreEntries tracks the number of cached bundles
	StoreEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reprsim_store_entries",
			Help: "Number of representation bundles held in memory",
		},
	)

	// StoreBytes estimates memory held by cached bundles
	StoreBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reprsim_store_bytes",
			Help: "Estimated bytes held by representation bundles",
		},
	)

	// SimilarityTotal counts similarity queries by metric and status
	SimilarityTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reprsim_similarity_total",
			Help: "Total similarity queries by metric and status",
		},
		[]string{"metric", "status"},
	)

	// SimilarityDurationSeconds measures compute time per metric
	SimilarityDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reprsim_similarity_duration_seconds",
			Help:    "Duration of similarity computations",
			Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		},
		[]string{"metric"},
	)

	// ResultCacheHitsTotal counts similarity result cache hits
	ResultCacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reprsim_result_cache_hits_total",
			Help: "Total similarity result cache hits",
		},
	)

	// ResultCacheMissesTotal counts similarity result cache misses
	ResultCacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reprsim_result_cache_misses_total",
			Help: "Total similarity result cache misses",
		},
	)

	// ResultCacheEvictionsTotal counts entries dropped from the result cache
	ResultCacheEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reprsim_result_cache_evictions_total",
			Help: "Total similarity result cache evictions",
		},
	)

	// BreakerStateChangesTotal counts circuit breaker transitions per host
	BreakerStateChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reprsim_breaker_state_changes_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "to"},
	)

	// RateLimitRequestsTotal counts rate limiter decisions
	RateLimitRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reprsim_rate_limit_requests_total",
			Help: "Total requests processed by the rate limiter",
		},
		[]string{"status"},
	)

	// FlightOperationsTotal counts Flight RPCs by method and status
	FlightOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reprsim_flight_operations_total",
			Help: "The total number of processed Arrow Flight operations",
		},
		[]string{"method", "status"},
	)

	// HTTPRequestsTotal counts HTTP API requests by route and code
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reprsim_http_requests_total",
			Help: "Total HTTP API requests",
		},
		[]string{"route", "code"},
	)

	// LogEntriesTotal counts log entries by level
	LogEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reprsim_log_entries_total",
			Help: "Total number of log entries by level",
		},
		[]string{"level"},
	)

	// HealthCheckDurationSeconds measures component health checks
	HealthCheckDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reprsim_health_check_duration_seconds",
			Help:    "Duration of health checks",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"component"},
	)

	// HealthStatus is 1 for healthy, 0.5 for degraded and 0 for unhealthy
	HealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reprsim_health_status",
			Help: "Current component health status (1=healthy, 0.5=degraded, 0=unhealthy)",
		},
		[]string{"component"},
	)
)
