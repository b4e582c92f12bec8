package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts requests to the orchestrator's own ambient
	// HTTP surface (healthz/readyz/metrics), by route, method, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// ProviderRequestsTotal counts provider HTTP calls by operation and outcome.
	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_requests_total",
			Help: "Total number of provider requests by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)
	// ProviderRequestDuration records provider call latency by operation.
	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_request_duration_seconds",
			Help:    "Provider request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"operation"},
	)
	// CircuitBreakerStatus tracks circuit breaker state per model
	// (0=closed, 1=open, 2=half-open).
	CircuitBreakerStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_status",
			Help: "Circuit breaker status (0=closed, 1=open, 2=half-open)",
		},
		[]string{"model_id"},
	)

	// JobsCreatedTotal counts jobs entering the engine by model.
	JobsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_created_total",
			Help: "Total number of generation jobs created",
		},
		[]string{"model_id"},
	)
	// JobsActive is a gauge of jobs currently in a non-terminal state.
	JobsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_active",
			Help: "Number of jobs currently queued or running",
		},
		[]string{"model_id"},
	)
	// JobsTerminalTotal counts jobs reaching a terminal status.
	JobsTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_terminal_total",
			Help: "Total number of jobs reaching a terminal status",
		},
		[]string{"model_id", "status"},
	)
	// JobPhaseDuration records per-phase durations of the job engine.
	JobPhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_phase_duration_seconds",
			Help:    "Duration of each job engine phase",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		},
		[]string{"phase"},
	)

	// DeliveryAttemptsTotal counts delivery attempts by method and outcome.
	DeliveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_attempts_total",
			Help: "Total delivery attempts by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	// ChargesTotal counts billing outcomes.
	ChargesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "charges_total",
			Help: "Total billing outcomes by kind",
		},
		[]string{"kind"},
	)

	// LockFallbackTotal counts times the distributed lock degraded to an
	// in-process mutex because Redis was unavailable.
	LockFallbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_fallback_total",
			Help: "Total times the distributed lock fell back to an in-process mutex",
		},
		[]string{"reason"},
	)

	// PendingAgeP95Seconds is the p95 age, in seconds, of jobs the pending
	// reconciler observed in a non-terminal status during its last sweep.
	PendingAgeP95Seconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "reconciler_pending_age_p95_seconds",
			Help: "p95 age of pending jobs observed by the last reconciler sweep",
		},
	)
	// OrphanCount is the number of orphaned dedupe entries observed by the
	// last orphan reconciler sweep.
	OrphanCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "reconciler_orphan_count",
			Help: "Number of orphaned dedupe entries observed by the last sweep",
		},
	)
	// ReconcilerSweepDuration records the wall-clock duration of each
	// reconciler sweep.
	ReconcilerSweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reconciler_sweep_duration_seconds",
			Help:    "Duration of a reconciler sweep",
			Buckets: []float64{0.01, 0.05, 0.25, 1, 5, 30},
		},
		[]string{"reconciler"},
	)
)

// InitMetrics registers all Prometheus collectors with the default registry.
func InitMetrics() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ProviderRequestsTotal,
		ProviderRequestDuration,
		CircuitBreakerStatus,
		JobsCreatedTotal,
		JobsActive,
		JobsTerminalTotal,
		JobPhaseDuration,
		DeliveryAttemptsTotal,
		ChargesTotal,
		LockFallbackTotal,
		PendingAgeP95Seconds,
		OrphanCount,
		ReconcilerSweepDuration,
	)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request against
// the orchestrator's own ambient HTTP surface.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}

// RecordCircuitBreakerStatus records circuit breaker state for a model.
func RecordCircuitBreakerStatus(modelID string, status int) {
	CircuitBreakerStatus.WithLabelValues(modelID).Set(float64(status))
}

// RecordJobTerminal increments the terminal counter and decrements the
// active gauge for a model.
func RecordJobTerminal(modelID, status string) {
	JobsActive.WithLabelValues(modelID).Dec()
	JobsTerminalTotal.WithLabelValues(modelID, status).Inc()
}
