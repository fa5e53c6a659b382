package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Business metrics
	casesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cases_created_total",
			Help: "Total number of cases created",
		},
		[]string{"country"},
	)

	caseTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "case_transitions_total",
			Help: "Total number of case status transitions",
		},
		[]string{"from_status", "to_status"},
	)

	caseTransitionRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "case_transition_rejections_total",
			Help: "Total number of rejected case status transitions",
		},
		[]string{"reason"},
	)

	caseAmendments = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "case_amendments_total",
			Help: "Total number of case amendments",
		},
	)

	permissionResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "permission_resolutions_total",
			Help: "Total number of permission resolutions",
		},
		[]string{"decision"},
	)

	permissionRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "permission_refreshes_total",
			Help: "Total number of permission snapshot refreshes",
		},
		[]string{"trigger"},
	)

	auditEntriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_entries_total",
			Help: "Total number of audit entries created",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware creates HTTP metrics middleware
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath normalizes URL paths for metrics to avoid cardinality explosion
func normalizePath(path string) string {
	if len(path) > 100 {
		return "/api/..."
	}
	return path
}

// --- Business metric helpers ---

// RecordCaseCreated records a case creation
func RecordCaseCreated(country string) {
	casesCreated.WithLabelValues(country).Inc()
}

// RecordCaseTransition records a successful case status transition
func RecordCaseTransition(fromStatus, toStatus string) {
	caseTransitions.WithLabelValues(fromStatus, toStatus).Inc()
}

// RecordTransitionRejection records a rejected transition by reason code
func RecordTransitionRejection(reason string) {
	caseTransitionRejections.WithLabelValues(reason).Inc()
}

// RecordCaseAmendment records a case amendment
func RecordCaseAmendment() {
	caseAmendments.Inc()
}

// RecordPermissionResolution records an allow/deny decision
func RecordPermissionResolution(allowed bool) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	permissionResolutions.WithLabelValues(decision).Inc()
}

// RecordPermissionRefresh records a snapshot refresh by trigger
// ("manual", "ttl", "invalidation")
func RecordPermissionRefresh(trigger string) {
	permissionRefreshes.WithLabelValues(trigger).Inc()
}

// RecordAuditEntry records an audit entry creation
func RecordAuditEntry() {
	auditEntriesTotal.Inc()
}
