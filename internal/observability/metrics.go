package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	lintDurationBuckets    = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
)

// Metrics holds all Prometheus metric instruments.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Lint metrics
	LintRunsTotal          *prometheus.CounterVec
	LintDuration           prometheus.Histogram
	LintFindingsTotal      *prometheus.CounterVec
	LintPhaseFailuresTotal *prometheus.CounterVec
	LintStaleResultsTotal  prometheus.Counter

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Policy editing metrics
	PolicyMutationsTotal *prometheus.CounterVec
	PolicySavesTotal     *prometheus.CounterVec
	ActiveSessions       prometheus.Gauge

	// Backend metrics
	BackendRequestsTotal       *prometheus.CounterVec
	BackendRequestDuration     *prometheus.HistogramVec
	BackendCircuitBreakerState prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portico_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "portico_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		LintRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portico_lint_runs_total",
			Help: "Total number of lint runs.",
		}, []string{"outcome"}),
		LintDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "portico_lint_duration_seconds",
			Help:    "Lint run duration in seconds.",
			Buckets: lintDurationBuckets,
		}),
		LintFindingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portico_lint_findings_total",
			Help: "Total number of lint findings by severity.",
		}, []string{"severity"}),
		LintPhaseFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portico_lint_phase_failures_total",
			Help: "Total number of lint phases that failed and were skipped.",
		}, []string{"phase"}),
		LintStaleResultsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portico_lint_stale_results_total",
			Help: "Total number of lint results dropped because a newer run was committed.",
		}),

		CacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portico_cache_hits_total",
			Help: "Total cache hits.",
		}, []string{"cache"}),
		CacheMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portico_cache_misses_total",
			Help: "Total cache misses.",
		}, []string{"cache"}),

		PolicyMutationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portico_policy_mutations_total",
			Help: "Total number of policy attachment mutations.",
		}, []string{"operation"}),
		PolicySavesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portico_policy_saves_total",
			Help: "Total number of policy save attempts.",
		}, []string{"status"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "portico_policy_sessions_active",
			Help: "Number of open policy editing sessions.",
		}),

		BackendRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portico_backend_requests_total",
			Help: "Total number of publisher backend requests.",
		}, []string{"operation", "status"}),
		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "portico_backend_request_duration_seconds",
			Help:    "Publisher backend request duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"operation"}),
		BackendCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "portico_backend_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LintRunsTotal,
		m.LintDuration,
		m.LintFindingsTotal,
		m.LintPhaseFailuresTotal,
		m.LintStaleResultsTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.PolicyMutationsTotal,
		m.PolicySavesTotal,
		m.ActiveSessions,
		m.BackendRequestsTotal,
		m.BackendRequestDuration,
		m.BackendCircuitBreakerState,
	)

	return m
}

// --- Recording helpers ---
//
// All helpers are safe to call on a nil *Metrics so that packages can be
// used without a registry in tests and in the CLI.

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordLintRun records a completed lint run. Outcome is "clean", "findings"
// or "partial" (at least one phase failed).
func (m *Metrics) RecordLintRun(outcome string, duration time.Duration, bySeverity map[string]int) {
	if m == nil {
		return
	}
	m.LintRunsTotal.WithLabelValues(outcome).Inc()
	m.LintDuration.Observe(duration.Seconds())
	for sev, n := range bySeverity {
		if n > 0 {
			m.LintFindingsTotal.WithLabelValues(sev).Add(float64(n))
		}
	}
}

// RecordLintPhaseFailure records a lint phase that failed and was skipped.
func (m *Metrics) RecordLintPhaseFailure(phase string) {
	if m == nil {
		return
	}
	m.LintPhaseFailuresTotal.WithLabelValues(phase).Inc()
}

// RecordStaleLintResult records a lint result dropped by the sequencer.
func (m *Metrics) RecordStaleLintResult() {
	if m == nil {
		return
	}
	m.LintStaleResultsTotal.Inc()
}

// RecordCacheHit records a hit on the named cache.
func (m *Metrics) RecordCacheHit(cache string) {
	if m == nil {
		return
	}
	m.CacheHitsTotal.WithLabelValues(cache).Inc()
}

// RecordCacheMiss records a miss on the named cache.
func (m *Metrics) RecordCacheMiss(cache string) {
	if m == nil {
		return
	}
	m.CacheMissesTotal.WithLabelValues(cache).Inc()
}

// RecordPolicyMutation records an attach, detach, reorder or apply_all.
func (m *Metrics) RecordPolicyMutation(operation string) {
	if m == nil {
		return
	}
	m.PolicyMutationsTotal.WithLabelValues(operation).Inc()
}

// RecordPolicySave records a save attempt with status "ok" or "error".
func (m *Metrics) RecordPolicySave(status string) {
	if m == nil {
		return
	}
	m.PolicySavesTotal.WithLabelValues(status).Inc()
}

// SetActiveSessions sets the number of open editing sessions.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// RecordBackendRequest records a publisher backend request.
func (m *Metrics) RecordBackendRequest(operation string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.BackendRequestsTotal.WithLabelValues(operation, strconv.Itoa(status)).Inc()
	m.BackendRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetBackendCircuitBreakerState sets the circuit breaker state.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetBackendCircuitBreakerState(state float64) {
	if m == nil {
		return
	}
	m.BackendCircuitBreakerState.Set(state)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}
