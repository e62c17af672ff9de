package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)

	// Vectors only appear in Gather once a label set exists.
	m.RecordHTTPRequest("GET", "/v1/instances", 200, time.Millisecond, 0, 10)
	m.RecordOperation("complete_step", "ok", time.Millisecond)
	m.RecordStepTransition("APPROVAL", "complete", "COMPLETED")
	m.RecordInstanceStarted("matter-intake")
	m.RecordInstanceFinished("matter-intake", "COMPLETED")
	m.RecordEventDuplicate("DOCUMENT_UPLOADED")
	m.RecordNotification("email", "sent")
	m.RecordEventPublished("STEP_READY", "ok")
	m.SetRelayCircuitBreakerState(0)
	m.RecordSnapshotCacheHit()
	m.RecordSnapshotCacheMiss()
	m.RecordTemplateLoad("ok")
	m.SetTemplatesLoaded(3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	got := map[string]bool{}
	for _, f := range families {
		got[f.GetName()] = true
	}

	want := []string{
		"matterflow_http_requests_total",
		"matterflow_http_request_duration_seconds",
		"matterflow_http_request_size_bytes",
		"matterflow_http_response_size_bytes",
		"matterflow_operations_total",
		"matterflow_operation_duration_seconds",
		"matterflow_step_transitions_total",
		"matterflow_instances_started_total",
		"matterflow_instances_finished_total",
		"matterflow_active_instances",
		"matterflow_event_duplicates_total",
		"matterflow_notifications_total",
		"matterflow_events_published_total",
		"matterflow_relay_circuit_breaker_state",
		"matterflow_snapshot_cache_hits_total",
		"matterflow_snapshot_cache_misses_total",
		"matterflow_template_loads_total",
		"matterflow_templates_loaded",
	}
	for _, name := range want {
		if !got[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRecordOperation(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.RecordOperation("start_step", "ok", 5*time.Millisecond)
	m.RecordOperation("start_step", "FORBIDDEN", time.Millisecond)
	m.RecordOperation("start_step", "ok", time.Millisecond)

	if v := testutil.ToFloat64(m.OperationsTotal.WithLabelValues("start_step", "ok")); v != 2 {
		t.Errorf("ok operations = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.OperationsTotal.WithLabelValues("start_step", "FORBIDDEN")); v != 1 {
		t.Errorf("forbidden operations = %v, want 1", v)
	}
	if c := testutil.CollectAndCount(m.OperationDuration); c != 1 {
		t.Errorf("duration series = %d, want 1", c)
	}
}

func TestRecordInstanceLifecycle(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordInstanceStarted("conveyancing")
	m.RecordInstanceStarted("conveyancing")
	m.RecordInstanceFinished("conveyancing", "CANCELED")

	if v := testutil.ToFloat64(m.InstancesStartedTotal.WithLabelValues("conveyancing")); v != 2 {
		t.Errorf("started = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.ActiveInstances.WithLabelValues("conveyancing")); v != 1 {
		t.Errorf("active = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.InstancesFinishedTotal.WithLabelValues("conveyancing", "CANCELED")); v != 1 {
		t.Errorf("finished = %v, want 1", v)
	}
}

func TestRecordStepTransition(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.RecordStepTransition("PAYMENT", "skip", "SKIPPED")

	if v := testutil.ToFloat64(m.StepTransitionsTotal.WithLabelValues("PAYMENT", "skip", "SKIPPED")); v != 1 {
		t.Errorf("transitions = %v, want 1", v)
	}
}

func TestRelayAndNotificationMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordNotification("email", "failed")
	m.RecordEventPublished("INSTANCE_COMPLETED", "ok")
	m.SetRelayCircuitBreakerState(2)

	if v := testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("email", "failed")); v != 1 {
		t.Errorf("failed notifications = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.EventsPublishedTotal.WithLabelValues("INSTANCE_COMPLETED", "ok")); v != 1 {
		t.Errorf("published events = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.RelayCircuitBreakerState); v != 2 {
		t.Errorf("breaker state = %v, want 2", v)
	}
}

func TestSnapshotCacheAndTemplates(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordSnapshotCacheHit()
	m.RecordSnapshotCacheHit()
	m.RecordSnapshotCacheMiss()
	m.RecordTemplateLoad("error")
	m.SetTemplatesLoaded(4)

	if v := testutil.ToFloat64(m.SnapshotCacheHitsTotal); v != 2 {
		t.Errorf("cache hits = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.SnapshotCacheMissesTotal); v != 1 {
		t.Errorf("cache misses = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.TemplateLoadsTotal.WithLabelValues("error")); v != 1 {
		t.Errorf("template load errors = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.TemplatesLoaded); v != 4 {
		t.Errorf("templates loaded = %v, want 4", v)
	}
}

func TestNilMetrics_noPanic(t *testing.T) {
	var m *Metrics
	m.RecordHTTPRequest("GET", "/", 200, time.Millisecond, 0, 0)
	m.RecordOperation("cancel_instance", "ok", time.Millisecond)
	m.RecordStepTransition("FREE_TEXT", "start", "IN_PROGRESS")
	m.RecordInstanceStarted("t")
	m.RecordInstanceFinished("t", "COMPLETED")
	m.RecordEventDuplicate("PAYMENT_CONFIRMED")
	m.RecordNotification("email", "sent")
	m.RecordEventPublished("STEP_READY", "ok")
	m.SetRelayCircuitBreakerState(1)
	m.RecordSnapshotCacheHit()
	m.RecordSnapshotCacheMiss()
	m.RecordTemplateLoad("ok")
	m.SetTemplatesLoaded(1)
}

func TestMetricsMiddleware_recordsRoutePattern(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/v1/instances/{instanceId}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/instances/inst-42", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/instances/{instanceId}", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
	if c := testutil.CollectAndCount(m.HTTPResponseSizeBytes); c == 0 {
		t.Error("expected response size histogram to have observations")
	}
}

func TestMetricsMiddleware_nestedRoutes(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/instances/{instanceId}/steps/{stepId}/complete", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
		})
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/instances/i-1/steps/s-1/complete", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/instances/{instanceId}/steps/{stepId}/complete", "409"))
	if val != 1 {
		t.Errorf("409 requests = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/raw/path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandler_servesRegistry(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordInstanceStarted("probate")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `matterflow_instances_started_total{template_key="probate"} 1`) {
		t.Errorf("metrics response missing instance counter:\n%s", rec.Body.String())
	}
}

func TestHistogramBuckets_sorted(t *testing.T) {
	for name, buckets := range map[string][]float64{
		"http":      httpDurationBuckets,
		"operation": operationDurationBuckets,
		"body":      bodySizeBuckets,
	} {
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				t.Errorf("%s buckets not sorted at index %d", name, i)
			}
		}
	}
}
