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
	httpDurationBuckets      = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	operationDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	bodySizeBuckets          = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service. Every
// recording helper is safe to call on a nil *Metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Engine metrics
	OperationsTotal        *prometheus.CounterVec
	OperationDuration      *prometheus.HistogramVec
	StepTransitionsTotal   *prometheus.CounterVec
	InstancesStartedTotal  *prometheus.CounterVec
	InstancesFinishedTotal *prometheus.CounterVec
	ActiveInstances        *prometheus.GaugeVec
	EventDuplicatesTotal   *prometheus.CounterVec

	// Notification metrics
	NotificationsTotal       *prometheus.CounterVec
	EventsPublishedTotal     *prometheus.CounterVec
	RelayCircuitBreakerState prometheus.Gauge

	// Cache metrics
	SnapshotCacheHitsTotal   prometheus.Counter
	SnapshotCacheMissesTotal prometheus.Counter

	// System metrics
	TemplateLoadsTotal *prometheus.CounterVec
	TemplatesLoaded    prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matterflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "matterflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "matterflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "matterflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Engine
		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matterflow_operations_total",
			Help: "Total number of engine operations by outcome.",
		}, []string{"operation", "outcome"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "matterflow_operation_duration_seconds",
			Help:    "Engine operation duration in seconds.",
			Buckets: operationDurationBuckets,
		}, []string{"operation"}),
		StepTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matterflow_step_transitions_total",
			Help: "Total number of step state transitions.",
		}, []string{"action_type", "event", "to_state"}),
		InstancesStartedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matterflow_instances_started_total",
			Help: "Total number of workflow instances created.",
		}, []string{"template_key"}),
		InstancesFinishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matterflow_instances_finished_total",
			Help: "Total number of workflow instances reaching a final status.",
		}, []string{"template_key", "final_status"}),
		ActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "matterflow_active_instances",
			Help: "Number of workflow instances started and not yet finished by this process.",
		}, []string{"template_key"}),
		EventDuplicatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matterflow_event_duplicates_total",
			Help: "Total number of step events answered from the idempotency store.",
		}, []string{"event_type"}),

		// Notification
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matterflow_notifications_total",
			Help: "Total number of notification deliveries by outcome.",
		}, []string{"channel", "outcome"}),
		EventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matterflow_events_published_total",
			Help: "Total number of workflow events published to the event bus.",
		}, []string{"trigger", "outcome"}),
		RelayCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "matterflow_relay_circuit_breaker_state",
			Help: "Notification relay circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),

		// Cache
		SnapshotCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matterflow_snapshot_cache_hits_total",
			Help: "Total authorization snapshot cache hits.",
		}),
		SnapshotCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matterflow_snapshot_cache_misses_total",
			Help: "Total authorization snapshot cache misses.",
		}),

		// System
		TemplateLoadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matterflow_template_loads_total",
			Help: "Total template file loads by status.",
		}, []string{"status"}),
		TemplatesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "matterflow_templates_loaded",
			Help: "Number of template versions registered from files.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Engine
		m.OperationsTotal,
		m.OperationDuration,
		m.StepTransitionsTotal,
		m.InstancesStartedTotal,
		m.InstancesFinishedTotal,
		m.ActiveInstances,
		m.EventDuplicatesTotal,
		// Notification
		m.NotificationsTotal,
		m.EventsPublishedTotal,
		m.RelayCircuitBreakerState,
		// Cache
		m.SnapshotCacheHitsTotal,
		m.SnapshotCacheMissesTotal,
		// System
		m.TemplateLoadsTotal,
		m.TemplatesLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordOperation records one engine operation and its outcome.
func (m *Metrics) RecordOperation(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(operation, outcome).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordStepTransition records a step moving into a new state.
func (m *Metrics) RecordStepTransition(actionType, event, to string) {
	if m == nil {
		return
	}
	m.StepTransitionsTotal.WithLabelValues(actionType, event, to).Inc()
}

// RecordInstanceStarted records a new workflow instance.
func (m *Metrics) RecordInstanceStarted(templateKey string) {
	if m == nil {
		return
	}
	m.InstancesStartedTotal.WithLabelValues(templateKey).Inc()
	m.ActiveInstances.WithLabelValues(templateKey).Inc()
}

// RecordInstanceFinished records an instance reaching COMPLETED or CANCELED.
func (m *Metrics) RecordInstanceFinished(templateKey, finalStatus string) {
	if m == nil {
		return
	}
	m.InstancesFinishedTotal.WithLabelValues(templateKey, finalStatus).Inc()
	m.ActiveInstances.WithLabelValues(templateKey).Dec()
}

// RecordEventDuplicate records a step event replayed with a known key.
func (m *Metrics) RecordEventDuplicate(eventType string) {
	if m == nil {
		return
	}
	m.EventDuplicatesTotal.WithLabelValues(eventType).Inc()
}

// RecordNotification records a notification delivery attempt.
func (m *Metrics) RecordNotification(channel, outcome string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(channel, outcome).Inc()
}

// RecordEventPublished records a workflow event handed to the event bus.
func (m *Metrics) RecordEventPublished(trigger, outcome string) {
	if m == nil {
		return
	}
	m.EventsPublishedTotal.WithLabelValues(trigger, outcome).Inc()
}

// SetRelayCircuitBreakerState sets the relay circuit breaker state.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetRelayCircuitBreakerState(state float64) {
	if m == nil {
		return
	}
	m.RelayCircuitBreakerState.Set(state)
}

// RecordSnapshotCacheHit records an authorization snapshot cache hit.
func (m *Metrics) RecordSnapshotCacheHit() {
	if m == nil {
		return
	}
	m.SnapshotCacheHitsTotal.Inc()
}

// RecordSnapshotCacheMiss records an authorization snapshot cache miss.
func (m *Metrics) RecordSnapshotCacheMiss() {
	if m == nil {
		return
	}
	m.SnapshotCacheMissesTotal.Inc()
}

// RecordTemplateLoad records a template file load.
func (m *Metrics) RecordTemplateLoad(status string) {
	if m == nil {
		return
	}
	m.TemplateLoadsTotal.WithLabelValues(status).Inc()
}

// SetTemplatesLoaded sets the number of registered template versions.
func (m *Metrics) SetTemplatesLoaded(count float64) {
	if m == nil {
		return
	}
	m.TemplatesLoaded.Set(count)
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

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.ReplaceAll(pattern, "/*/", "/")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
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
	w.written = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
