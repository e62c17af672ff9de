package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/matterflow/internal/observability"
	"github.com/pitabwire/matterflow/model"
)

type subjectEntry struct {
	Roles      map[model.RoleScope][]string `yaml:"roles"`
	Attributes map[string]any               `yaml:"attributes"`
}

type participantsFile struct {
	Matters  map[string]subjectEntry `yaml:"matters"`
	Contacts map[string]subjectEntry `yaml:"contacts"`
}

// StaticSnapshotProvider serves authorization snapshots from a YAML file of
// matters and contacts. Unknown subjects get an empty snapshot.
type StaticSnapshotProvider struct {
	path string
	mu   sync.RWMutex
	data participantsFile
}

// NewStaticSnapshotProvider loads participants from path. An empty path
// yields a provider that knows no subjects.
func NewStaticSnapshotProvider(path string) (*StaticSnapshotProvider, error) {
	p := &StaticSnapshotProvider{path: path}
	if err := p.Sync(); err != nil {
		return nil, err
	}
	return p, nil
}

// Sync reloads the participants file from disk.
func (p *StaticSnapshotProvider) Sync() error {
	if p.path == "" {
		return nil
	}
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("capability: reading participants file %s: %w", p.path, err)
	}
	var data participantsFile
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("capability: parsing participants file %s: %w", p.path, err)
	}
	for kind, entries := range map[string]map[string]subjectEntry{"matters": data.Matters, "contacts": data.Contacts} {
		for id, entry := range entries {
			for role := range entry.Roles {
				if !role.IsValid() {
					return fmt.Errorf("capability: %s %s: unknown role scope %q", kind, id, role)
				}
			}
		}
	}

	p.mu.Lock()
	p.data = data
	p.mu.Unlock()
	return nil
}

// Snapshot returns the roles and attributes recorded for subject.
func (p *StaticSnapshotProvider) Snapshot(_ context.Context, subject model.Subject) (model.AuthorizationSnapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var entry subjectEntry
	if subject.MatterID != "" {
		entry = p.data.Matters[subject.MatterID]
	} else {
		entry = p.data.Contacts[subject.ContactID]
	}

	snap := model.AuthorizationSnapshot{
		Subject:    subject,
		Roles:      make(map[model.RoleScope][]string, len(entry.Roles)),
		Attributes: make(map[string]any, len(entry.Attributes)),
	}
	for role, ids := range entry.Roles {
		snap.Roles[role] = append([]string(nil), ids...)
	}
	for k, v := range entry.Attributes {
		snap.Attributes[k] = v
	}
	return snap, nil
}

const (
	participantsQuery = `SELECT actor_id, role_scope FROM workflow_participants
WHERE matter_id = $1 AND contact_id = $2 ORDER BY role_scope, actor_id`
	attributesQuery = `SELECT attributes FROM workflow_subject_attributes
WHERE matter_id = $1 AND contact_id = $2`
)

// PgSnapshotProvider reads participants and subject attributes from the
// workflow_participants and workflow_subject_attributes tables.
type PgSnapshotProvider struct {
	pool *pgxpool.Pool
}

// NewPgSnapshotProvider creates a PostgreSQL-backed snapshot provider.
func NewPgSnapshotProvider(pool *pgxpool.Pool) *PgSnapshotProvider {
	return &PgSnapshotProvider{pool: pool}
}

// Snapshot queries the participants of subject. Rows with an unknown role
// scope are ignored.
func (p *PgSnapshotProvider) Snapshot(ctx context.Context, subject model.Subject) (model.AuthorizationSnapshot, error) {
	ctx, span := observability.StartSpan(ctx, "capability.snapshot",
		observability.AttrSubjectID.String(subject.ID()))
	defer span.End()

	snap := model.AuthorizationSnapshot{
		Subject:    subject,
		Roles:      make(map[model.RoleScope][]string),
		Attributes: map[string]any{},
	}

	rows, err := p.pool.Query(ctx, participantsQuery, subject.MatterID, subject.ContactID)
	if err != nil {
		observability.EndSpanWithError(span, err)
		return model.AuthorizationSnapshot{}, fmt.Errorf("capability: query participants: %w", err)
	}
	for rows.Next() {
		var actorID, role string
		if err := rows.Scan(&actorID, &role); err != nil {
			rows.Close()
			return model.AuthorizationSnapshot{}, fmt.Errorf("capability: scan participant: %w", err)
		}
		scope := model.RoleScope(role)
		if !scope.IsValid() {
			continue
		}
		snap.Roles[scope] = append(snap.Roles[scope], actorID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return model.AuthorizationSnapshot{}, fmt.Errorf("capability: read participants: %w", err)
	}

	var raw []byte
	err = p.pool.QueryRow(ctx, attributesQuery, subject.MatterID, subject.ContactID).Scan(&raw)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		observability.EndSpanWithError(span, err)
		return model.AuthorizationSnapshot{}, fmt.Errorf("capability: query attributes: %w", err)
	default:
		if err := json.Unmarshal(raw, &snap.Attributes); err != nil {
			return model.AuthorizationSnapshot{}, fmt.Errorf("capability: decode attributes: %w", err)
		}
	}
	return snap, nil
}

type snapshotEntry struct {
	snap    model.AuthorizationSnapshot
	expires time.Time
}

// CachedSnapshotProvider wraps another provider with a TTL cache keyed by
// subject. When the cache is full, expired entries are evicted first and
// then the entries closest to expiry.
type CachedSnapshotProvider struct {
	next       model.SnapshotProvider
	ttl        time.Duration
	maxEntries int
	metrics    *observability.Metrics
	now        func() time.Time

	mu    sync.Mutex
	cache map[model.Subject]snapshotEntry
}

// NewCachedSnapshotProvider creates a caching provider. A zero ttl disables
// caching; maxEntries <= 0 means unbounded.
func NewCachedSnapshotProvider(next model.SnapshotProvider, ttl time.Duration, maxEntries int, metrics *observability.Metrics) *CachedSnapshotProvider {
	return &CachedSnapshotProvider{
		next:       next,
		ttl:        ttl,
		maxEntries: maxEntries,
		metrics:    metrics,
		now:        time.Now,
		cache:      make(map[model.Subject]snapshotEntry),
	}
}

// Snapshot returns a cached snapshot when it is still fresh.
func (c *CachedSnapshotProvider) Snapshot(ctx context.Context, subject model.Subject) (model.AuthorizationSnapshot, error) {
	if c.ttl <= 0 {
		return c.next.Snapshot(ctx, subject)
	}

	now := c.now()
	c.mu.Lock()
	entry, ok := c.cache[subject]
	c.mu.Unlock()
	if ok && now.Before(entry.expires) {
		c.metrics.RecordSnapshotCacheHit()
		return entry.snap, nil
	}
	c.metrics.RecordSnapshotCacheMiss()

	snap, err := c.next.Snapshot(ctx, subject)
	if err != nil {
		return model.AuthorizationSnapshot{}, err
	}

	c.mu.Lock()
	c.evictLocked(now)
	c.cache[subject] = snapshotEntry{snap: snap, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return snap, nil
}

// Invalidate drops the cached snapshot for subject, e.g. after its
// participants change.
func (c *CachedSnapshotProvider) Invalidate(subject model.Subject) {
	c.mu.Lock()
	delete(c.cache, subject)
	c.mu.Unlock()
}

func (c *CachedSnapshotProvider) evictLocked(now time.Time) {
	if c.maxEntries <= 0 || len(c.cache) < c.maxEntries {
		return
	}
	for key, entry := range c.cache {
		if !now.Before(entry.expires) {
			delete(c.cache, key)
		}
	}
	if len(c.cache) < c.maxEntries {
		return
	}

	keys := make([]model.Subject, 0, len(c.cache))
	for key := range c.cache {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.cache[keys[i]].expires.Before(c.cache[keys[j]].expires)
	})
	for _, key := range keys[:len(keys)-c.maxEntries+1] {
		delete(c.cache, key)
	}
}
