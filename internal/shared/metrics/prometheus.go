package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "handoff_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "handoff_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Pipeline metrics
	sessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_sessions_total",
			Help: "Total number of handoff sessions by terminal status",
		},
		[]string{"status"},
	)

	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "handoff_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 15, 30, 60, 120},
		},
		[]string{"stage"},
	)

	analyzerResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_analyzer_results_total",
			Help: "Analyzer outcomes by analyzer and status",
		},
		[]string{"analyzer", "status"},
	)

	analyzerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "handoff_analyzer_duration_seconds",
			Help:    "Analyzer duration in seconds",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"analyzer"},
	)

	warningsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_warnings_total",
			Help: "Clinical warnings generated by type and severity",
		},
		[]string{"type", "severity"},
	)

	briefsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_briefs_total",
			Help: "Risk briefs produced by risk level and confidence",
		},
		[]string{"risk_level", "confidence"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "handoff_queue_depth",
			Help: "Sessions waiting for a worker",
		},
	)

	auditEntriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "handoff_audit_entries_total",
			Help: "Total number of audit entries created",
		},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "handoff_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
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

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := routePattern(r)

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

// routePattern labels requests by chi route template so session ids do not explode cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// --- Pipeline metric helpers ---

// RecordSession records a session reaching a terminal status
func RecordSession(status string) {
	sessionsTotal.WithLabelValues(status).Inc()
}

// RecordStage records a pipeline stage duration
func RecordStage(stage string, d time.Duration) {
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordAnalyzer records one analyzer outcome
func RecordAnalyzer(analyzer, status string, d time.Duration) {
	analyzerResults.WithLabelValues(analyzer, status).Inc()
	analyzerDuration.WithLabelValues(analyzer).Observe(d.Seconds())
}

// RecordWarning records a generated clinical warning
func RecordWarning(warningType, severity string) {
	warningsTotal.WithLabelValues(warningType, severity).Inc()
}

// RecordBrief records a produced risk brief
func RecordBrief(riskLevel, confidence string) {
	briefsTotal.WithLabelValues(riskLevel, confidence).Inc()
}

// SetQueueDepth records the number of queued sessions
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// RecordAuditEntry records an audit entry creation
func RecordAuditEntry() {
	auditEntriesTotal.Inc()
}

// RecordDBQuery records a database query duration
func RecordDBQuery(operation string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
