package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jellydator/ttlcache/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	batchDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	dwellBuckets         = []float64{60, 300, 900, 3600, 4 * 3600, 8 * 3600, 24 * 3600, 3 * 24 * 3600, 7 * 24 * 3600}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	reg prometheus.Registerer

	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Transition metrics
	TransitionsTotal           *prometheus.CounterVec
	BatchesTotal               *prometheus.CounterVec
	BatchDuration              *prometheus.HistogramVec
	StageDwell                 *prometheus.HistogramVec
	LedgerInconsistenciesTotal prometheus.Counter
	EventPublishFailuresTotal  prometheus.Counter

	// Cache metrics
	CapabilityCacheHitsTotal   prometheus.Counter
	CapabilityCacheMissesTotal prometheus.Counter

	// Idempotency metrics
	IdempotencyReplaysTotal   prometheus.Counter
	IdempotencyConflictsTotal prometheus.Counter

	// Audit metrics
	AuditRunsTotal        *prometheus.CounterVec
	AuditAnomalies        prometheus.Gauge
	AuditLongestOpenDwell prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reg: reg,

		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagetrack_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stagetrack_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stagetrack_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stagetrack_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Transitions
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagetrack_transitions_total",
			Help: "Total number of item transitions by operation and outcome.",
		}, []string{"operation", "outcome"}),
		BatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagetrack_batches_total",
			Help: "Total number of batch moves by operation and status.",
		}, []string{"operation", "status"}),
		BatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stagetrack_batch_duration_seconds",
			Help:    "Batch move duration in seconds.",
			Buckets: batchDurationBuckets,
		}, []string{"operation"}),
		StageDwell: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stagetrack_stage_dwell_seconds",
			Help:    "Time items spent at a stage before leaving it.",
			Buckets: dwellBuckets,
		}, []string{"stage"}),
		LedgerInconsistenciesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stagetrack_ledger_inconsistencies_total",
			Help: "Total number of moves refused because an item had several open history entries.",
		}),
		EventPublishFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stagetrack_event_publish_failures_total",
			Help: "Total number of item-moved events that could not be published.",
		}),

		// Cache
		CapabilityCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stagetrack_capability_cache_hits_total",
			Help: "Total capability cache hits.",
		}),
		CapabilityCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stagetrack_capability_cache_misses_total",
			Help: "Total capability cache misses.",
		}),

		// Idempotency
		IdempotencyReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stagetrack_idempotency_replays_total",
			Help: "Total batch moves answered from a stored response.",
		}),
		IdempotencyConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stagetrack_idempotency_conflicts_total",
			Help: "Total idempotency keys reused with a different body.",
		}),

		// Audit
		AuditRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagetrack_audit_runs_total",
			Help: "Total ledger audit sweeps by status.",
		}, []string{"status"}),
		AuditAnomalies: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stagetrack_audit_ledger_anomalies",
			Help: "Items holding more than one open history entry at the last sweep.",
		}),
		AuditLongestOpenDwell: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stagetrack_audit_longest_open_dwell_seconds",
			Help: "Longest current dwell of any item at the last sweep.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Transitions
		m.TransitionsTotal,
		m.BatchesTotal,
		m.BatchDuration,
		m.StageDwell,
		m.LedgerInconsistenciesTotal,
		m.EventPublishFailuresTotal,
		// Cache
		m.CapabilityCacheHitsTotal,
		m.CapabilityCacheMissesTotal,
		// Idempotency
		m.IdempotencyReplaysTotal,
		m.IdempotencyConflictsTotal,
		// Audit
		m.AuditRunsTotal,
		m.AuditAnomalies,
		m.AuditLongestOpenDwell,
	)

	return m
}

// CacheStatsFunc reports the hit and miss counters of a cache.
type CacheStatsFunc func() ttlcache.Metrics

// RegisterGraphCache exports a graph cache's counters as
// stagetrack_graph_cache_hits_total and stagetrack_graph_cache_misses_total.
func (m *Metrics) RegisterGraphCache(stats CacheStatsFunc) {
	m.reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "stagetrack_graph_cache_hits_total",
			Help: "Total workflow graph cache hits.",
		}, func() float64 { return float64(stats().Hits) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "stagetrack_graph_cache_misses_total",
			Help: "Total workflow graph cache misses.",
		}, func() float64 { return float64(stats().Misses) }),
	)
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordTransition records the outcome of one item move. outcome is
// "succeeded" or a failure code.
func (m *Metrics) RecordTransition(operation, outcome string) {
	m.TransitionsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordBatch records a completed batch move.
func (m *Metrics) RecordBatch(operation, status string, duration time.Duration) {
	m.BatchesTotal.WithLabelValues(operation, status).Inc()
	m.BatchDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordDwell records how long an item stayed at a stage it just left.
func (m *Metrics) RecordDwell(stageName string, dwell time.Duration) {
	m.StageDwell.WithLabelValues(stageName).Observe(dwell.Seconds())
}

// RecordLedgerInconsistency records a move refused by the ledger.
func (m *Metrics) RecordLedgerInconsistency() {
	m.LedgerInconsistenciesTotal.Inc()
}

// RecordPublishFailure records an event that could not be published.
func (m *Metrics) RecordPublishFailure() {
	m.EventPublishFailuresTotal.Inc()
}

// RecordCapabilityCacheHit records a capability cache hit.
func (m *Metrics) RecordCapabilityCacheHit() {
	m.CapabilityCacheHitsTotal.Inc()
}

// RecordCapabilityCacheMiss records a capability cache miss.
func (m *Metrics) RecordCapabilityCacheMiss() {
	m.CapabilityCacheMissesTotal.Inc()
}

// RecordIdempotencyReplay records a response served from the idempotency store.
func (m *Metrics) RecordIdempotencyReplay() {
	m.IdempotencyReplaysTotal.Inc()
}

// RecordIdempotencyConflict records a key reused with a different body.
func (m *Metrics) RecordIdempotencyConflict() {
	m.IdempotencyConflictsTotal.Inc()
}

// RecordAudit records a finished ledger audit sweep.
func (m *Metrics) RecordAudit(anomalies int, longestOpen time.Duration) {
	m.AuditRunsTotal.WithLabelValues("succeeded").Inc()
	m.AuditAnomalies.Set(float64(anomalies))
	m.AuditLongestOpenDwell.Set(longestOpen.Seconds())
}

// RecordAuditFailure records a sweep that could not read the ledger.
func (m *Metrics) RecordAuditFailure() {
	m.AuditRunsTotal.WithLabelValues("failed").Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := newStatusRecorder(w)

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
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
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// statusRecorder captures the status code and body size written by the
// wrapped handler. Shared by the metrics and tracing middleware.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
