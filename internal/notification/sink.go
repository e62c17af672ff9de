package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/pitabwire/matterflow/internal/config"
	"github.com/pitabwire/matterflow/internal/observability"
)

// LogSink writes messages to the logger instead of delivering them. It is
// the default sink for development and single-node deployments.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Send implements Sink.
func (s *LogSink) Send(_ context.Context, msg Message) error {
	s.logger.Info("notification",
		zap.String("notification_id", msg.ID),
		zap.String("instance_id", msg.InstanceID),
		zap.String("step_id", msg.StepID),
		zap.String("trigger", string(msg.Trigger)),
		zap.String("channel", msg.Channel),
		zap.Strings("recipients", msg.Recipients),
		zap.String("subject", msg.Subject),
	)
	return nil
}

// relayRejection is a 4xx answer from the relay. It fails the delivery but
// does not count against the circuit breaker.
type relayRejection struct {
	status int
	body   string
}

func (e *relayRejection) Error() string {
	return fmt.Sprintf("relay rejected message: status %d: %s", e.status, e.body)
}

// RelaySink posts messages as JSON to an HTTP email relay. Consecutive
// transport failures and 5xx answers open a circuit breaker; while open,
// Send fails immediately without calling the relay.
type RelaySink struct {
	url     string
	token   string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewRelaySink creates a RelaySink. token, when non-empty, is sent as a
// bearer token.
func NewRelaySink(cfg config.RelayConfig, token string, logger *zap.Logger, metrics *observability.Metrics) *RelaySink {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &RelaySink{
		url:     cfg.URL,
		token:   token,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
		metrics: metrics,
	}

	threshold := uint32(cfg.CircuitBreaker.FailureThreshold)
	if threshold == 0 {
		threshold = 5
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notification-relay",
		MaxRequests: uint32(max(cfg.CircuitBreaker.HalfOpenRequests, 1)),
		Timeout:     cfg.CircuitBreaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			var rej *relayRejection
			return err == nil || errors.As(err, &rej)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("relay circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			s.metrics.SetRelayCircuitBreakerState(float64(to))
		},
	})
	return s
}

// State returns the circuit breaker state.
func (s *RelaySink) State() gobreaker.State {
	return s.breaker.State()
}

// Send implements Sink.
func (s *RelaySink) Send(ctx context.Context, msg Message) error {
	ctx, span := observability.StartSpan(ctx, "notification.relay",
		observability.AttrChannel.String(msg.Channel),
		observability.AttrInstanceID.String(msg.InstanceID),
	)
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.post(ctx, msg)
	})
	observability.EndSpanWithError(span, err)
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	return nil
}

func (s *RelaySink) post(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.ID)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	observability.InjectTraceHeaders(ctx, req.Header)

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	s.logger.Debug("relay responded",
		zap.String("notification_id", msg.ID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("relay error: status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return &relayRejection{status: resp.StatusCode, body: string(respBody)}
	}
	return nil
}
