package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/matterflow/internal/config"
	"github.com/pitabwire/matterflow/internal/observability"
	"github.com/pitabwire/matterflow/model"
)

// testDeps returns Dependencies with sensible defaults for testing.
func testDeps() Dependencies {
	cfg := config.Defaults()
	cfg.Server.CORS.AllowedOrigins = []string{"https://app.firm.example"}
	cfg.Server.HandlerTimeout = 5 * time.Second

	reg := prometheus.NewRegistry()
	return Dependencies{
		Config:    cfg,
		Readiness: observability.ReadinessChecks{TemplatesLoaded: func() bool { return true }},
		Metrics:   observability.InitMetrics(reg),
		Gatherer:  reg,
	}
}

func rejectAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, model.NewUnauthorizedError("rejected"))
	})
}

// --- Router tests ---

func TestNewRouter_health(t *testing.T) {
	r := NewRouter(testDeps())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}

func TestNewRouter_ready(t *testing.T) {
	r := NewRouter(testDeps())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/ready", nil))

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestNewRouter_notReadyWithoutTemplates(t *testing.T) {
	deps := testDeps()
	deps.Readiness.TemplatesLoaded = func() bool { return false }
	r := NewRouter(deps)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/ready", nil))

	if w.Code != 503 {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestNewRouter_metrics(t *testing.T) {
	r := NewRouter(testDeps())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestNewRouter_metricsAbsentWithoutGatherer(t *testing.T) {
	deps := testDeps()
	deps.Gatherer = nil
	r := NewRouter(deps)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestNewRouter_authenticatedRoutes_areRegistered(t *testing.T) {
	// With auth rejecting all requests, all authenticated routes should
	// return 401, confirming they are registered and not 404/405.
	deps := testDeps()
	deps.Authenticate = rejectAuth
	r := NewRouter(deps)

	routes := []struct {
		method string
		path   string
	}{
		{"GET", "/v1/templates"},
		{"POST", "/v1/templates"},
		{"POST", "/v1/templates/validate"},
		{"GET", "/v1/templates/engagement"},
		{"GET", "/v1/instances"},
		{"POST", "/v1/instances"},
		{"GET", "/v1/instances/inst-1"},
		{"POST", "/v1/instances/inst-1/activate"},
		{"POST", "/v1/instances/inst-1/pause"},
		{"POST", "/v1/instances/inst-1/resume"},
		{"POST", "/v1/instances/inst-1/cancel"},
		{"GET", "/v1/instances/inst-1/notifications"},
		{"GET", "/v1/instances/inst-1/steps/intake"},
		{"POST", "/v1/instances/inst-1/steps/intake/start"},
		{"POST", "/v1/instances/inst-1/steps/intake/claim"},
		{"POST", "/v1/instances/inst-1/steps/intake/retry"},
		{"POST", "/v1/instances/inst-1/steps/intake/complete"},
		{"POST", "/v1/instances/inst-1/steps/intake/fail"},
		{"POST", "/v1/instances/inst-1/steps/intake/skip"},
		{"POST", "/v1/instances/inst-1/steps/intake/events"},
	}

	for _, tc := range routes {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, nil))
			if w.Code != 401 {
				t.Errorf("status = %d, want 401 (auth should reject)", w.Code)
			}
		})
	}
}

func TestNewRouter_publicRoutesBypassAuth(t *testing.T) {
	deps := testDeps()
	deps.Authenticate = rejectAuth
	r := NewRouter(deps)

	for _, path := range []string{"/health", "/ready", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
			if w.Code != 200 {
				t.Errorf("status = %d, want 200 (should bypass auth)", w.Code)
			}
		})
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/instances", nil))
	if w.Code != 401 {
		t.Errorf("instances status = %d, want 401 (auth should reject)", w.Code)
	}
}

// --- Middleware tests ---

func TestRecovery_catchesPanic(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	handler := Recovery(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != 500 {
		t.Errorf("status = %d, want 500 after panic", w.Code)
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Error("panic should be logged once")
	}
}

func TestRecovery_passesThrough(t *testing.T) {
	handler := Recovery(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestCORS_preflight(t *testing.T) {
	cfg := config.CORSConfig{
		AllowedOrigins: []string{"https://app.firm.example"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         3600,
	}

	handler := CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for preflight")
	}))

	req := httptest.NewRequest("OPTIONS", "/", nil)
	req.Header.Set("Origin", "https://app.firm.example")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != 204 {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.firm.example" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := w.Header().Get("Access-Control-Max-Age"); got != "3600" {
		t.Errorf("Max-Age = %q, want 3600", got)
	}
}

func TestCORS_disallowedOrigin(t *testing.T) {
	cfg := config.CORSConfig{
		AllowedOrigins: []string{"https://app.firm.example"},
		AllowedMethods: []string{"GET"},
		AllowedHeaders: []string{"Authorization"},
	}

	called := false
	handler := CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(200)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if !called {
		t.Error("handler should still be called for non-preflight")
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin should be empty for disallowed origin, got %q", got)
	}
}

func TestRequestID_generated(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if CorrelationIDFrom(r.Context()) == "" {
			t.Error("correlation ID should be generated")
		}
		w.WriteHeader(200)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if got := w.Header().Get("X-Correlation-Id"); got == "" {
		t.Error("response should have X-Correlation-Id header")
	}
}

func TestRequestID_propagated(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := CorrelationIDFrom(r.Context()); id != "corr-123" {
			t.Errorf("correlation ID = %q, want corr-123", id)
		}
		w.WriteHeader(200)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Correlation-Id", "corr-123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get("X-Correlation-Id"); got != "corr-123" {
		t.Errorf("response X-Correlation-Id = %q, want corr-123", got)
	}
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	expected := map[string]string{
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"X-XSS-Protection":          "0",
		"Cache-Control":             "no-store",
		"Referrer-Policy":           "strict-origin-when-cross-origin",
	}

	for header, want := range expected {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestSecurityHeaders_onHealth(t *testing.T) {
	r := NewRouter(testDeps())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY", got)
	}
	if got := w.Header().Get("X-Correlation-Id"); got == "" {
		t.Error("health should still get X-Correlation-Id")
	}
}

// serveWithClaims runs h with claims stored the way the authenticator
// stores them and returns the recorder.
func serveWithClaims(h http.Handler, claims map[string]any) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", "/", nil)
	req = req.WithContext(WithClaims(req.Context(), claims))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestBuildRequestContextMiddleware(t *testing.T) {
	claims := map[string]any{
		"sub":   "lawyer-1",
		"email": "lawyer@firm.example",
		"roles": []any{"LAWYER", "ADMIN"},
	}

	var rctx *model.RequestContext
	handler := BuildRequestContextMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rctx = model.RequestContextFrom(r.Context())
		w.WriteHeader(200)
	}))

	w := serveWithClaims(RequestID(handler), claims)
	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if rctx == nil {
		t.Fatal("RequestContext should be in context")
	}
	if rctx.SubjectID != "lawyer-1" {
		t.Errorf("SubjectID = %q, want lawyer-1", rctx.SubjectID)
	}
	if rctx.Email != "lawyer@firm.example" {
		t.Errorf("Email = %q", rctx.Email)
	}
	if len(rctx.Roles) != 2 || rctx.Roles[0] != "LAWYER" {
		t.Errorf("Roles = %v, want [LAWYER ADMIN]", rctx.Roles)
	}
	if rctx.System {
		t.Error("System should be false without actor_type")
	}
	if rctx.CorrelationID == "" {
		t.Error("CorrelationID should be carried from RequestID")
	}
}

func TestBuildRequestContextMiddleware_customPaths(t *testing.T) {
	claims := map[string]any{
		"preferred_username": "para-1",
		"realm_access": map[string]any{
			"roles": []any{"PARALEGAL"},
		},
	}

	paths := map[string]string{
		"subject_id": "preferred_username",
		"roles":      "realm_access.roles",
	}

	var rctx *model.RequestContext
	handler := BuildRequestContextMiddleware(paths)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rctx = model.RequestContextFrom(r.Context())
		w.WriteHeader(200)
	}))

	if w := serveWithClaims(handler, claims); w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if rctx.SubjectID != "para-1" {
		t.Errorf("SubjectID = %q, want para-1", rctx.SubjectID)
	}
	if len(rctx.Roles) != 1 || rctx.Roles[0] != "PARALEGAL" {
		t.Errorf("Roles = %v, want [PARALEGAL]", rctx.Roles)
	}
}

func TestBuildRequestContextMiddleware_systemActor(t *testing.T) {
	claims := map[string]any{"sub": "scheduler", "actor_type": "system"}

	var rctx *model.RequestContext
	handler := BuildRequestContextMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rctx = model.RequestContextFrom(r.Context())
		w.WriteHeader(200)
	}))

	serveWithClaims(handler, claims)
	if rctx == nil || !rctx.System {
		t.Fatal("actor_type=system should mark the caller as system")
	}
	if actor := rctx.Actor(); !actor.System || actor.ID != "scheduler" {
		t.Errorf("Actor = %+v, want system scheduler", actor)
	}
}

func TestBuildRequestContextMiddleware_missingSubject(t *testing.T) {
	handler := BuildRequestContextMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called without a subject")
	}))

	w := serveWithClaims(handler, map[string]any{"email": "nobody@firm.example"})
	if w.Code != 401 {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestResolveCapabilities(t *testing.T) {
	resolver := &mockResolver{
		caps: model.CapabilitySet{model.CapInstanceRead: true},
	}

	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if !CapabilitiesFrom(r.Context()).Has(model.CapInstanceRead) {
			t.Error("should have instance read capability")
		}
		w.WriteHeader(200)
	})

	handler := BuildRequestContextMiddleware(nil)(ResolveCapabilities(resolver, zap.NewNop())(inner))
	serveWithClaims(handler, map[string]any{"sub": "lawyer-1"})
	if !called {
		t.Fatal("inner handler not called")
	}
}

func TestResolveCapabilities_resolverError(t *testing.T) {
	resolver := &mockResolver{err: model.NewInternalError()}

	handler := BuildRequestContextMiddleware(nil)(ResolveCapabilities(resolver, zap.NewNop())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if caps := CapabilitiesFrom(r.Context()); caps != nil {
				t.Errorf("caps should be nil after failed resolution, got %v", caps)
			}
			w.WriteHeader(200)
		})))

	if w := serveWithClaims(handler, map[string]any{"sub": "lawyer-1"}); w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestResolveCapabilities_nilResolver(t *testing.T) {
	handler := ResolveCapabilities(nil, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if caps := CapabilitiesFrom(r.Context()); caps != nil {
			t.Errorf("caps should be nil, got %v", caps)
		}
		w.WriteHeader(200)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
}

func TestRequireCapability(t *testing.T) {
	tests := []struct {
		name string
		caps model.CapabilitySet
		want int
	}{
		{"exact", model.CapabilitySet{model.CapStepAct: true}, 200},
		{"wildcard", model.CapabilitySet{"workflow:*": true}, 200},
		{"missing", model.CapabilitySet{model.CapInstanceRead: true}, 403},
		{"none", nil, 403},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := BuildRequestContextMiddleware(nil)(
				ResolveCapabilities(&mockResolver{caps: tt.caps}, zap.NewNop())(
					RequireCapability(model.CapStepAct)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
						w.WriteHeader(200)
					}))))

			w := serveWithClaims(handler, map[string]any{"sub": "client-1"})
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestHandlerTimeout_setsDeadline(t *testing.T) {
	handler := HandlerTimeout(100 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, ok := r.Context().Deadline()
		if !ok {
			t.Error("context should have deadline")
		}
		if time.Until(deadline) > 200*time.Millisecond {
			t.Error("deadline should be within 200ms")
		}
		w.WriteHeader(200)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
}

func TestHandlerTimeout_zeroNoDeadline(t *testing.T) {
	handler := HandlerTimeout(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Deadline(); ok {
			t.Error("context should not have deadline when timeout is 0")
		}
		w.WriteHeader(200)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
}

func TestRequestLogging_capturesStatus(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	handler := RequestLogging(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if observability.LoggerFrom(r.Context(), nil) == nil {
			t.Error("request logger should be stored in context")
		}
		w.WriteHeader(http.StatusTeapot)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTeapot)
	}
	entries := logs.FilterMessage("request").All()
	if len(entries) != 1 {
		t.Fatalf("request log entries = %d, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["status"]; got != int64(http.StatusTeapot) {
		t.Errorf("logged status = %v, want %d", got, http.StatusTeapot)
	}
}

// --- mocks ---

type mockResolver struct {
	caps model.CapabilitySet
	err  error
}

func (m *mockResolver) Resolve(_ *model.RequestContext) (model.CapabilitySet, error) {
	return m.caps, m.err
}

func (m *mockResolver) Invalidate(_ string) {}
