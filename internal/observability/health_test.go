package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleHealth_returnsOK(t *testing.T) {
	origVersion, origCommit := Version, Commit
	Version = "1.2.3"
	Commit = "abc1234"
	t.Cleanup(func() {
		Version = origVersion
		Commit = origCommit
	})

	handler := HandleHealth()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Version != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", resp.Version)
	}
	if resp.Commit != "abc1234" {
		t.Errorf("commit = %q, want abc1234", resp.Commit)
	}
}

func serveReady(t *testing.T, checks ReadinessChecks) (int, ReadinessResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	var resp ReadinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return rec.Code, resp
}

func TestHandleReady_templatesLoaded(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		TemplatesLoaded: func() bool { return true },
	})

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
	if resp.Checks["templates"].Status != "ok" {
		t.Errorf("templates = %q, want ok", resp.Checks["templates"].Status)
	}
	if len(resp.Checks) != 1 {
		t.Errorf("checks = %v, want only templates", resp.Checks)
	}
}

func TestHandleReady_noTemplates(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		TemplatesLoaded: func() bool { return false },
	})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Status != "not_ready" {
		t.Errorf("status = %q, want not_ready", resp.Status)
	}
	if resp.Checks["templates"].Error == "" {
		t.Error("templates error should have a message")
	}
}

func TestHandleReady_nilTemplatesFunc(t *testing.T) {
	code, _ := serveReady(t, ReadinessChecks{})
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
}

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) HealthCheck(_ context.Context) error {
	return m.err
}

func TestHandleReady_optionalChecks(t *testing.T) {
	tests := []struct {
		name       string
		checks     ReadinessChecks
		wantStatus int
		failing    string
	}{
		{
			name: "all healthy",
			checks: ReadinessChecks{
				WorkflowStore:    &mockHealthChecker{},
				IdempotencyStore: &mockHealthChecker{},
				EventBus:         &mockHealthChecker{},
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "workflow store down",
			checks: ReadinessChecks{
				WorkflowStore: &mockHealthChecker{err: errors.New("connection refused")},
			},
			wantStatus: http.StatusServiceUnavailable,
			failing:    "workflow_store",
		},
		{
			name: "idempotency store down",
			checks: ReadinessChecks{
				WorkflowStore:    &mockHealthChecker{},
				IdempotencyStore: &mockHealthChecker{err: errors.New("redis: timeout")},
			},
			wantStatus: http.StatusServiceUnavailable,
			failing:    "idempotency_store",
		},
		{
			name: "event bus down",
			checks: ReadinessChecks{
				EventBus: &mockHealthChecker{err: errors.New("nats: connection closed")},
			},
			wantStatus: http.StatusServiceUnavailable,
			failing:    "event_bus",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.checks.TemplatesLoaded = func() bool { return true }
			code, resp := serveReady(t, tt.checks)

			if code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", code, tt.wantStatus)
			}
			if tt.failing == "" {
				for name, c := range resp.Checks {
					if c.Status != "ok" {
						t.Errorf("%s = %q, want ok", name, c.Status)
					}
				}
				return
			}
			got := resp.Checks[tt.failing]
			if got.Status != "error" || got.Error == "" {
				t.Errorf("%s = %+v, want error with message", tt.failing, got)
			}
		})
	}
}

func TestHandleReady_skipsNilCheckers(t *testing.T) {
	_, resp := serveReady(t, ReadinessChecks{
		TemplatesLoaded: func() bool { return true },
		WorkflowStore:   &mockHealthChecker{},
	})

	if _, ok := resp.Checks["idempotency_store"]; ok {
		t.Error("idempotency_store should not be checked when nil")
	}
	if _, ok := resp.Checks["event_bus"]; ok {
		t.Error("event_bus should not be checked when nil")
	}
	if _, ok := resp.Checks["workflow_store"]; !ok {
		t.Error("workflow_store should be checked")
	}
}

type slowChecker struct{}

func (slowChecker) HealthCheck(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestRunCheck_timesOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := runCheck(ctx, slowChecker{})
	if result.Status != "error" {
		t.Errorf("status = %q, want error", result.Status)
	}
}
