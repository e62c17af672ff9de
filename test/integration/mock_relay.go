package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/pitabwire/matterflow/internal/notification"
)

// RelayRequest is one message the mock relay received.
type RelayRequest struct {
	Message        notification.Message
	Authorization  string
	IdempotencyKey string
}

// MockRelay is an in-process email relay. It records every accepted message
// and can be switched to answer with a fixed status.
type MockRelay struct {
	server *httptest.Server

	mu       sync.Mutex
	status   int
	received []RelayRequest
	calls    int
}

// NewMockRelay starts a relay that accepts every message with 202.
func NewMockRelay(t *testing.T) *MockRelay {
	t.Helper()
	m := &MockRelay{status: http.StatusAccepted}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.server.Close)
	return m
}

func (m *MockRelay) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if m.status >= 400 {
		w.WriteHeader(m.status)
		w.Write([]byte(`{"error":"relay unavailable"}`))
		return
	}

	var msg notification.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	m.received = append(m.received, RelayRequest{
		Message:        msg,
		Authorization:  r.Header.Get("Authorization"),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	w.WriteHeader(m.status)
}

// URL returns the relay endpoint.
func (m *MockRelay) URL() string {
	return m.server.URL
}

// SetStatus makes every following request answer with status. Statuses of
// 400 and above are returned without recording the message.
func (m *MockRelay) SetStatus(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
}

// Received returns the accepted messages in arrival order.
func (m *MockRelay) Received() []RelayRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RelayRequest, len(m.received))
	copy(out, m.received)
	return out
}

// Calls returns how many requests reached the relay, accepted or not.
func (m *MockRelay) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
