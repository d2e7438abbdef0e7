package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/weathernow/internal/traffic"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation.
	HTTPRequestsInFlight prometheus.Gauge

	// Upstream call rate per api (weather, ai, contact) and status label.
	UpstreamCallsTotal *prometheus.CounterVec

	// Upstream latency. Watch for: p95 > 2s on weather, p99 near the configured timeout.
	UpstreamDuration *prometheus.HistogramVec

	// Transport-level retries per api. Upstream statuses are never retried.
	UpstreamRetriesTotal *prometheus.CounterVec

	// Per-endpoint admission denials (fixed window per client).
	AdmissionDeniedTotal *prometheus.CounterVec

	// Process-wide token bucket denials.
	RateLimitDeniedTotal prometheus.Counter

	// Proxy lookups by request type.
	WeatherQueriesTotal *prometheus.CounterVec

	// Cache hits/misses per layer (server, edge, query).
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Cache backend errors per operation.
	CacheErrorsTotal *prometheus.CounterVec

	// Stale cache entries served after a failed fetch, per layer.
	StaleServesTotal *prometheus.CounterVec

	// Cache warming runs, failures and duration.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	// Concurrent identical requests that shared one in-flight call, per layer.
	CoalescedRequestsTotal *prometheus.CounterVec

	// Which insights parse tier produced the result (structured, keywords, paragraphs, defaults).
	InsightsParseTotal *prometheus.CounterVec

	// Contact submissions by provider and result.
	ContactSubmissionsTotal *prometheus.CounterVec

	// Query-layer invalidation sweeps (scheduled and manual).
	QueryRefreshTotal *prometheus.CounterVec

	// Circuit breaker state per component: 0 closed, 1 open, 2 half-open.
	CircuitBreakerState *prometheus.GaugeVec

	// Circuit breaker transitions per component.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// In-flight requests observed when shutdown began.
	ShutdownInFlightRequests prometheus.Gauge

	rateLimitGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	UpstreamCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstreamCallsTotal",
			Help: "Total number of upstream API calls",
		},
		[]string{"api", "status"},
	)
	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstreamDurationSeconds",
			Help:    "Upstream API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"api", "status"},
	)
	UpstreamRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstreamRetriesTotal",
			Help: "Total number of transport-level retry attempts",
		},
		[]string{"api"},
	)
	AdmissionDeniedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admissionDeniedTotal",
			Help: "Requests rejected by the per-client fixed window (429)",
		},
		[]string{"endpoint"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by the process-wide rate limiter (429)",
		},
	)
	WeatherQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherQueriesTotal",
			Help: "Total number of weather proxy lookups by request type",
		},
		[]string{"type"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of cache hits per layer",
		},
		[]string{"layer"},
	)
	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheMissesTotal",
			Help: "Total number of cache misses per layer",
		},
		[]string{"layer"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Cache backend errors per operation",
		},
		[]string{"operation"},
	)
	StaleServesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "staleServesTotal",
			Help: "Stale cache entries served after a failed fetch",
		},
		[]string{"layer"},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Total number of cache warming runs",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Cache warming runs with at least one failed entry",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Cache warming duration in seconds",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30},
		},
	)
	CoalescedRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coalescedRequestsTotal",
			Help: "Requests that shared an in-flight call for the same key",
		},
		[]string{"layer"},
	)
	InsightsParseTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insightsParseTotal",
			Help: "Insights results by parse tier",
		},
		[]string{"tier"},
	)
	ContactSubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contactSubmissionsTotal",
			Help: "Contact form submissions by provider and result",
		},
		[]string{"provider", "result"},
	)
	QueryRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queryRefreshTotal",
			Help: "Query cache invalidation sweeps by trigger",
		},
		[]string{"trigger"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	ShutdownInFlightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shutdownInFlightRequests",
			Help: "In-flight requests when graceful shutdown started",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		UpstreamCallsTotal, UpstreamDuration, UpstreamRetriesTotal,
		AdmissionDeniedTotal, RateLimitDeniedTotal,
		WeatherQueriesTotal,
		CacheHitsTotal, CacheMissesTotal, CacheErrorsTotal, StaleServesTotal,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
		CoalescedRequestsTotal,
		InsightsParseTotal,
		ContactSubmissionsTotal,
		QueryRefreshTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		ShutdownInFlightRequests,
	)
}

// RegisterRateLimitGauges registers load and rejects gauges over the health window.
// Call from serve after config load.
func RegisterRateLimitGauges(window time.Duration) {
	rateLimitGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRequestsInWindow",
					Help: "Requests seen in the sliding health window",
				},
				func() float64 { return float64(traffic.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in the sliding health window",
				},
				func() float64 { return float64(traffic.DenialCount(window)) },
			),
		)
	})
}

// CircuitBreakerStateValue maps a state name to the gauge value.
func CircuitBreakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half-open":
		return 2
	default:
		return 0
	}
}

// RecordCircuitBreakerTransition records a transition and updates the state gauge.
func RecordCircuitBreakerTransition(component, from, to string) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
	CircuitBreakerState.WithLabelValues(component).Set(CircuitBreakerStateValue(to))
}

// RecordShutdownInFlight records the in-flight count at shutdown start.
func RecordShutdownInFlight(n int64) {
	ShutdownInFlightRequests.Set(float64(n))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
