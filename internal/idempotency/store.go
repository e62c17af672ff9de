// Package idempotency de-duplicates externally delivered step events.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/matterflow/model"
)

// Outcome is what an applied event produced. A redelivered event is
// answered from it instead of being applied again.
type Outcome struct {
	InstanceID  string            `json:"instance_id"`
	StepID      string            `json:"step_id"`
	EventType   string            `json:"event_type"`
	ActionState model.ActionState `json:"action_state"`
	AppliedAt   time.Time         `json:"applied_at"`
}

// Store records applied events.
// The key format is "evt:{instanceId}:{stepId}:{eventId}".
type Store interface {
	// Check looks up a previous outcome by key. If the key exists and the
	// input hash matches, it returns the recorded outcome. If the key exists
	// but the hash differs, it returns a CONFLICT error.
	Check(ctx context.Context, key string, inputHash string) (outcome *Outcome, found bool, err error)

	// Store saves an outcome keyed by the event key with a TTL.
	Store(ctx context.Context, key string, inputHash string, outcome Outcome, ttl time.Duration) error
}

type entry struct {
	InputHash string  `json:"input_hash"`
	Outcome   Outcome `json:"outcome"`
}

// EventKey builds the standard event key.
func EventKey(instanceID, stepID, eventID string) string {
	return fmt.Sprintf("evt:%s:%s:%s", instanceID, stepID, eventID)
}

// HashEvent returns a stable hash of an event's type and payload.
// encoding/json sorts map keys, so equal payloads hash equally.
func HashEvent(eventType string, payload map[string]any) (string, error) {
	b, err := json.Marshal(struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}{eventType, payload})
	if err != nil {
		return "", fmt.Errorf("hash event: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support. Suitable for tests
// and single-node deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// Check looks up a recorded outcome.
func (s *MemoryStore) Check(_ context.Context, key string, inputHash string) (*Outcome, bool, error) {
	s.mu.RLock()
	e, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}

	if s.now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}

	if e.data.InputHash != inputHash {
		return nil, true, model.NewConflictError(
			fmt.Sprintf("event key %q already used with a different payload", key),
		)
	}

	out := e.data.Outcome
	return &out, true, nil
}

// Store saves an outcome with TTL.
func (s *MemoryStore) Store(_ context.Context, key string, inputHash string, outcome Outcome, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memEntry{
		data:      entry{InputHash: inputHash, Outcome: outcome},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries, including expired ones.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store with TTL.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a new Redis-backed store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check looks up a recorded outcome in Redis.
func (s *RedisStore) Check(ctx context.Context, key string, inputHash string) (*Outcome, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal event entry %q: %w", key, err)
	}

	if e.InputHash != inputHash {
		return nil, true, model.NewConflictError(
			fmt.Sprintf("event key %q already used with a different payload", key),
		)
	}
	return &e.Outcome, true, nil
}

// Store saves an outcome in Redis with TTL.
func (s *RedisStore) Store(ctx context.Context, key string, inputHash string, outcome Outcome, ttl time.Duration) error {
	data, err := json.Marshal(entry{InputHash: inputHash, Outcome: outcome})
	if err != nil {
		return fmt.Errorf("marshal event entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck reports whether Redis is reachable.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
