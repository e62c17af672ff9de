package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/matterflow/internal/config"
	"github.com/pitabwire/matterflow/model"
)

func testMessage() Message {
	return Message{
		ID:         "msg-1",
		InstanceID: "inst-1",
		StepID:     "step-1",
		Trigger:    model.TriggerStepReady,
		Channel:    "email",
		Recipients: []string{"client-1"},
		Subject:    "Action required: Sign retainer",
		Body:       "Please sign.",
	}
}

func relayConfig(url string) config.RelayConfig {
	return config.RelayConfig{
		URL:     url,
		Timeout: 2 * time.Second,
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 2,
			HalfOpenRequests: 1,
			Timeout:          time.Minute,
		},
	}
}

func TestLogSink_logsMessage(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))

	require.NoError(t, sink.Send(context.Background(), testMessage()))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "inst-1", fields["instance_id"])
	assert.Equal(t, "Action required: Sign retainer", fields["subject"])
}

func TestRelaySink_postsJSON(t *testing.T) {
	var got Message
	var auth, idem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		idem = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink := NewRelaySink(relayConfig(srv.URL), "relay-token", nil, nil)
	require.NoError(t, sink.Send(context.Background(), testMessage()))

	assert.Equal(t, "Bearer relay-token", auth)
	assert.Equal(t, "msg-1", idem)
	assert.Equal(t, []string{"client-1"}, got.Recipients)
	assert.Equal(t, "Please sign.", got.Body)
}

func TestRelaySink_breakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := NewRelaySink(relayConfig(srv.URL), "", nil, nil)
	ctx := context.Background()

	require.Error(t, sink.Send(ctx, testMessage()))
	require.Error(t, sink.Send(ctx, testMessage()))
	assert.Equal(t, gobreaker.StateOpen, sink.State())

	err := sink.Send(ctx, testMessage())
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), hits.Load(), "open breaker does not call the relay")
}

func TestRelaySink_clientErrorsDoNotTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown recipient", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	sink := NewRelaySink(relayConfig(srv.URL), "", nil, nil)
	for range 3 {
		err := sink.Send(context.Background(), testMessage())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown recipient")
	}
	assert.Equal(t, gobreaker.StateClosed, sink.State())
}

func TestRelaySink_unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	sink := NewRelaySink(relayConfig(url), "", nil, nil)
	assert.Error(t, sink.Send(context.Background(), testMessage()))
}
