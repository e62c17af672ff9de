// Package capability answers two authorization questions: which platform
// capabilities a caller's roles grant at the API boundary, and who holds
// which role scope on a matter or contact.
package capability

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/matterflow/model"
)

type cacheEntry struct {
	caps    model.CapabilitySet
	expires time.Time
}

// Resolver implements model.CapabilityResolver with an in-memory cache.
type Resolver struct {
	evaluator model.PolicyEvaluator
	ttl       time.Duration
	mu        sync.RWMutex
	cache     map[string]cacheEntry
}

// NewResolver creates a new Resolver with the given evaluator and cache TTL.
func NewResolver(evaluator model.PolicyEvaluator, ttl time.Duration) *Resolver {
	return &Resolver{
		evaluator: evaluator,
		ttl:       ttl,
		cache:     make(map[string]cacheEntry),
	}
}

// cacheKey is the subject id followed by its sorted roles, so a token with
// different roles for the same subject is resolved again.
func cacheKey(rctx *model.RequestContext) string {
	roles := slices.Clone(rctx.Roles)
	slices.Sort(roles)
	return rctx.SubjectID + "|" + strings.Join(roles, ",")
}

// Resolve returns the full capability set for the given context. System
// callers hold every capability. Results are cached for the configured TTL.
func (r *Resolver) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	if rctx.System {
		return model.CapabilitySet{"*": true}, nil
	}
	key := cacheKey(rctx)

	r.mu.RLock()
	if entry, ok := r.cache[key]; ok && time.Now().Before(entry.expires) {
		r.mu.RUnlock()
		return entry.caps, nil
	}
	r.mu.RUnlock()

	caps, err := r.evaluator.ResolveCapabilities(rctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{caps: caps, expires: time.Now().Add(r.ttl)}
	r.mu.Unlock()

	return caps, nil
}

// Invalidate clears cached capabilities for the given subject.
func (r *Resolver) Invalidate(subjectID string) {
	prefix := subjectID + "|"
	r.mu.Lock()
	for key := range r.cache {
		if strings.HasPrefix(key, prefix) {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()
}
