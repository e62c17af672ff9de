// Package integration provides a reusable test harness for end-to-end
// integration testing of the matterflow server. It starts a full HTTP server
// with file-loaded templates, static participants, a mock email relay, and a
// shared-secret JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/matterflow/internal/action"
	"github.com/pitabwire/matterflow/internal/capability"
	"github.com/pitabwire/matterflow/internal/config"
	"github.com/pitabwire/matterflow/internal/definition"
	"github.com/pitabwire/matterflow/internal/idempotency"
	"github.com/pitabwire/matterflow/internal/notification"
	"github.com/pitabwire/matterflow/internal/observability"
	"github.com/pitabwire/matterflow/internal/transport"
	"github.com/pitabwire/matterflow/internal/workflow"
	"github.com/pitabwire/matterflow/model"
)

// eventPrefix is the NATS subject prefix the harness publishes under.
const eventPrefix = "matterflow.test"

// TestHarness encapsulates a fully wired matterflow instance for
// integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Store     *workflow.MemoryStore
	Engine    *workflow.Engine
	Registry  *definition.Registry
	Relay     *MockRelay
	RelaySink *notification.RelaySink
	Metrics   *observability.Metrics

	// Set only with WithEventBus.
	Events *nats.Conn
	// Set only with WithRedisIdempotency.
	Redis *miniredis.Miniredis

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	templateDirs     []string
	policyFile       string
	participantsFile string
	eventBus         bool
	redis            bool
	relayThreshold   int
	handlerTimeout   time.Duration
}

// WithTemplates sets the template directories to load.
func WithTemplates(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.templateDirs = dirs
	}
}

// WithPolicyFile sets the static policy YAML file for capability resolution.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.policyFile = path
	}
}

// WithParticipantsFile sets the matter and contact participants file.
func WithParticipantsFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.participantsFile = path
	}
}

// WithEventBus starts an embedded NATS server and publishes engine events
// to it.
func WithEventBus() HarnessOption {
	return func(c *harnessConfig) {
		c.eventBus = true
	}
}

// WithRedisIdempotency deduplicates step events through an in-process
// Redis instead of the in-memory store.
func WithRedisIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.redis = true
	}
}

// WithRelayFailureThreshold sets how many consecutive relay failures open
// the circuit breaker.
func WithRelayFailureThreshold(n int) HarnessOption {
	return func(c *harnessConfig) {
		c.relayThreshold = n
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// NewTestHarness creates and starts a full matterflow test instance. The
// server is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		relayThreshold: 3,
	}
	for _, opt := range opts {
		opt(hc)
	}

	testdataDir := testdataDir()
	if len(hc.templateDirs) == 0 {
		hc.templateDirs = []string{filepath.Join(testdataDir, "templates")}
	}
	if hc.policyFile == "" {
		hc.policyFile = filepath.Join(testdataDir, "policies.yaml")
	}
	if hc.participantsFile == "" {
		hc.participantsFile = filepath.Join(testdataDir, "participants.yaml")
	}

	h := &TestHarness{t: t}
	ctx := context.Background()
	logger := zap.NewNop()

	// Step 1: JWT issuer and config.
	h.issuer = newTokenIssuer()
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Identity.Algorithms = []string{"HS256"}
	h.cfg.Notification.Relay = config.RelayConfig{
		Timeout: 2 * time.Second,
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: hc.relayThreshold,
			HalfOpenRequests: 1,
			Timeout:          time.Minute,
		},
	}

	// Step 2: Metrics on a private registry.
	reg := prometheus.NewRegistry()
	h.Metrics = observability.InitMetrics(reg)

	// Step 3: Participants and capability policy.
	snapshots, err := capability.NewStaticSnapshotProvider(hc.participantsFile)
	if err != nil {
		t.Fatalf("load participants file: %v", err)
	}
	evaluator, err := capability.NewStaticPolicyEvaluator(hc.policyFile)
	if err != nil {
		t.Fatalf("load policy file: %v", err)
	}
	resolver := capability.NewResolver(evaluator, 0) // no caching in tests

	// Step 4: Idempotency store.
	var dedupe idempotency.Store = idempotency.NewMemoryStore()
	var dedupeCheck observability.HealthChecker
	if hc.redis {
		h.Redis = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
		t.Cleanup(func() { client.Close() })
		rs := idempotency.NewRedisStore(client)
		dedupe, dedupeCheck = rs, rs
	}

	// Step 5: Notification fan-out: relay-backed dispatcher plus the
	// optional event bus.
	h.Store = workflow.NewMemoryStore()
	h.Relay = NewMockRelay(t)
	h.cfg.Notification.Relay.URL = h.Relay.URL()
	h.RelaySink = notification.NewRelaySink(h.cfg.Notification.Relay, "relay-token", logger, h.Metrics)

	notifiers := notification.Multi{
		notification.NewDispatcher(h.RelaySink, workflow.NewNotificationLog(h.Store), snapshots,
			notification.WithDefaultChannel(h.cfg.Notification.Channel),
			notification.WithLogger(logger),
			notification.WithMetrics(h.Metrics),
		),
	}
	var busCheck observability.HealthChecker
	if hc.eventBus {
		h.Events = startEventBus(t)
		pub := notification.NewNATSPublisher(h.Events, eventPrefix, logger, h.Metrics)
		notifiers = append(notifiers, pub)
		busCheck = pub
	}

	// Step 6: Engine and templates.
	h.Engine = workflow.NewEngine(h.Store, action.NewDefaultRegistry(), snapshots,
		workflow.WithNotifier(notifiers),
		workflow.WithEventDeduplicator(dedupe, time.Hour),
		workflow.WithLogger(logger),
		workflow.WithMetrics(h.Metrics),
	)

	h.Registry = definition.NewRegistry(h.Engine, hc.templateDirs,
		definition.WithFailOnError(true),
		definition.WithLogger(logger),
		definition.WithMetrics(h.Metrics),
	)
	if _, err := h.Registry.Sync(ctx); err != nil {
		t.Fatalf("sync templates: %v", err)
	}

	// Step 7: Router with the full middleware chain.
	router := transport.NewRouter(transport.Dependencies{
		Config:             h.cfg,
		Engine:             h.Engine,
		Authenticate:       transport.JWTAuthenticator(h.cfg.Identity, h.issuer.Secret()),
		CapabilityResolver: resolver,
		Readiness: observability.ReadinessChecks{
			TemplatesLoaded:  h.Registry.Loaded,
			IdempotencyStore: dedupeCheck,
			EventBus:         busCheck,
		},
		Metrics:  h.Metrics,
		Gatherer: reg,
		Logger:   logger,
	})

	// Step 8: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
	})

	return h
}

// startEventBus runs an embedded NATS server for the lifetime of the test.
func startEventBus(t *testing.T) *nats.Conn {
	t.Helper()

	ns, err := natsserver.NewServer(&natsserver.Options{
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("create NATS server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded NATS server failed to start")
	}

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		t.Fatalf("connect to NATS: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return conn
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertError checks the status and the error envelope code of a failed
// response.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, expected int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, expected, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", body.Error.Code, code, body.Error.Message)
	}
}

// --- Workflow helpers ---

// Instantiate creates an active instance of templateKey on a matter and
// returns its view.
func (h *TestHarness) Instantiate(t *testing.T, templateKey, matterID string, values map[string]any, token string) workflow.InstanceView {
	t.Helper()
	var view workflow.InstanceView
	h.AssertJSON(t, h.POST("/v1/instances", map[string]any{
		"templateId": templateKey,
		"subject":    map[string]string{"matterId": matterID},
		"context":    values,
	}, token), http.StatusCreated, &view)
	return view
}

// StepAction posts to one step operation and returns the response.
func (h *TestHarness) StepAction(instanceID, stepID, op string, body any, token string) *http.Response {
	h.t.Helper()
	return h.POST(fmt.Sprintf("/v1/instances/%s/steps/%s/%s", instanceID, stepID, op), body, token)
}

// MustStep performs a step operation that is expected to succeed and
// returns the resulting step.
func (h *TestHarness) MustStep(t *testing.T, instanceID, stepID, op string, body any, token string) model.InstanceStep {
	t.Helper()
	var st model.InstanceStep
	h.AssertJSON(t, h.StepAction(instanceID, stepID, op, body, token), http.StatusOK, &st)
	return st
}

// Notifications returns the notification log of an instance.
func (h *TestHarness) Notifications(t *testing.T, instanceID, token string) []model.NotificationRecord {
	t.Helper()
	var resp struct {
		Data []model.NotificationRecord `json:"data"`
	}
	h.AssertJSON(t, h.GET("/v1/instances/"+instanceID+"/notifications", token), http.StatusOK, &resp)
	return resp.Data
}

// StepState returns the state of a step by template step id.
func StepState(view workflow.InstanceView, templateStepID string) model.ActionState {
	for _, st := range view.Steps {
		if st.TemplateStepID == templateStepID {
			return st.ActionState
		}
	}
	return ""
}

// --- Default test claims ---

// LawyerClaims returns TestClaims for the lawyer on matter-1.
func LawyerClaims() TestClaims {
	return TestClaims{
		SubjectID: "lawyer-1",
		Email:     "lawyer@firm.example",
		Roles:     []string{"LAWYER"},
	}
}

// ClientClaims returns TestClaims for the client on matter-1.
func ClientClaims() TestClaims {
	return TestClaims{
		SubjectID: "client-1",
		Email:     "client@example.com",
		Roles:     []string{"CLIENT"},
	}
}

// ParalegalClaims returns TestClaims for the paralegal on matter-1.
func ParalegalClaims() TestClaims {
	return TestClaims{
		SubjectID: "para-1",
		Email:     "paralegal@firm.example",
		Roles:     []string{"PARALEGAL"},
	}
}

// AdminClaims returns TestClaims for the administrator of matter-1.
func AdminClaims() TestClaims {
	return TestClaims{
		SubjectID: "admin-1",
		Email:     "admin@firm.example",
		Roles:     []string{"ADMIN"},
	}
}

// OtherLawyerClaims returns TestClaims for a lawyer who only works on
// matter-2.
func OtherLawyerClaims() TestClaims {
	return TestClaims{
		SubjectID: "lawyer-2",
		Email:     "lawyer2@firm.example",
		Roles:     []string{"LAWYER"},
	}
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
