package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/matterflow/model"
)

// MemoryStore is an in-memory Store for tests and single-node use.
// Transactions are serialized by one lock; writes are staged and applied
// only when the transaction function succeeds.
type MemoryStore struct {
	mu            sync.Mutex
	templates     map[string]model.WorkflowTemplate     // key: template ID
	instances     map[string]model.WorkflowInstance     // key: instance ID
	steps         map[string][]model.InstanceStep       // key: instance ID
	notifications map[string][]model.NotificationRecord // key: instance ID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		templates:     make(map[string]model.WorkflowTemplate),
		instances:     make(map[string]model.WorkflowInstance),
		steps:         make(map[string][]model.InstanceStep),
		notifications: make(map[string][]model.NotificationRecord),
	}
}

// RunInTx runs fn against a staged view of the store.
func (s *MemoryStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:             s,
		templates:     make(map[string]model.WorkflowTemplate),
		instances:     make(map[string]model.WorkflowInstance),
		steps:         make(map[string][]model.InstanceStep),
		notifications: make(map[string][]model.NotificationRecord),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// Len returns the number of instances.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.instances)
}

type memTx struct {
	s             *MemoryStore
	templates     map[string]model.WorkflowTemplate
	instances     map[string]model.WorkflowInstance
	steps         map[string][]model.InstanceStep
	notifications map[string][]model.NotificationRecord
}

func (tx *memTx) commit() {
	for id, t := range tx.templates {
		tx.s.templates[id] = t
	}
	for id, inst := range tx.instances {
		tx.s.instances[id] = inst
	}
	for id, steps := range tx.steps {
		tx.s.steps[id] = steps
	}
	for id, recs := range tx.notifications {
		tx.s.notifications[id] = append(tx.s.notifications[id], recs...)
	}
}

func (tx *memTx) template(id string) (model.WorkflowTemplate, bool) {
	if t, ok := tx.templates[id]; ok {
		return t, true
	}
	t, ok := tx.s.templates[id]
	return t, ok
}

func (tx *memTx) allTemplates() []model.WorkflowTemplate {
	seen := make(map[string]bool)
	var out []model.WorkflowTemplate
	for id, t := range tx.templates {
		seen[id] = true
		out = append(out, t)
	}
	for id, t := range tx.s.templates {
		if !seen[id] {
			out = append(out, t)
		}
	}
	return out
}

func (tx *memTx) instance(id string) (model.WorkflowInstance, bool) {
	if inst, ok := tx.instances[id]; ok {
		return inst, true
	}
	inst, ok := tx.s.instances[id]
	return inst, ok
}

// stagedSteps returns the transaction's private copy of an instance's
// steps, copying the committed list on first use.
func (tx *memTx) stagedSteps(instanceID string) []model.InstanceStep {
	if steps, ok := tx.steps[instanceID]; ok {
		return steps
	}
	steps := cloneSteps(tx.s.steps[instanceID])
	tx.steps[instanceID] = steps
	return steps
}

// CreateTemplate persists a new template version.
func (tx *memTx) CreateTemplate(_ context.Context, tpl model.WorkflowTemplate) error {
	if _, exists := tx.template(tpl.ID); exists {
		return model.NewConflictError(fmt.Sprintf("template %q already exists", tpl.ID))
	}
	for _, t := range tx.allTemplates() {
		if t.Key == tpl.Key && t.Version == tpl.Version {
			return model.NewConflictError(fmt.Sprintf("template %q version %d already exists", tpl.Key, tpl.Version))
		}
	}
	tx.templates[tpl.ID] = cloneTemplate(tpl)
	return nil
}

// GetTemplate retrieves a template by id.
func (tx *memTx) GetTemplate(_ context.Context, id string) (model.WorkflowTemplate, error) {
	t, ok := tx.template(id)
	if !ok {
		return model.WorkflowTemplate{}, model.NewNotFoundError(fmt.Sprintf("template %q not found", id))
	}
	return cloneTemplate(t), nil
}

// LatestTemplate retrieves the highest version stored under key.
func (tx *memTx) LatestTemplate(_ context.Context, key string) (model.WorkflowTemplate, error) {
	var latest *model.WorkflowTemplate
	for _, t := range tx.allTemplates() {
		if t.Key != key {
			continue
		}
		if latest == nil || t.Version > latest.Version {
			t := t
			latest = &t
		}
	}
	if latest == nil {
		return model.WorkflowTemplate{}, model.NewNotFoundError(fmt.Sprintf("template %q not found", key))
	}
	return cloneTemplate(*latest), nil
}

// ListTemplates returns every template ordered by key and version.
func (tx *memTx) ListTemplates(_ context.Context) ([]model.WorkflowTemplate, error) {
	all := tx.allTemplates()
	sort.Slice(all, func(i, j int) bool {
		if all[i].Key != all[j].Key {
			return all[i].Key < all[j].Key
		}
		return all[i].Version < all[j].Version
	})
	out := make([]model.WorkflowTemplate, len(all))
	for i, t := range all {
		out[i] = cloneTemplate(t)
	}
	return out, nil
}

// CreateInstance persists a new instance with its steps.
func (tx *memTx) CreateInstance(_ context.Context, inst model.WorkflowInstance, steps []model.InstanceStep) error {
	if _, exists := tx.instance(inst.ID); exists {
		return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
	}
	tx.instances[inst.ID] = cloneInstance(inst)
	staged := cloneSteps(steps)
	sort.SliceStable(staged, func(i, j int) bool { return staged[i].OrderIndex < staged[j].OrderIndex })
	tx.steps[inst.ID] = staged
	return nil
}

// GetInstance retrieves an instance by id.
func (tx *memTx) GetInstance(_ context.Context, id string) (model.WorkflowInstance, error) {
	inst, ok := tx.instance(id)
	if !ok {
		return model.WorkflowInstance{}, model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", id))
	}
	return cloneInstance(inst), nil
}

// UpdateInstance persists lifecycle fields with optimistic locking.
func (tx *memTx) UpdateInstance(_ context.Context, inst model.WorkflowInstance) error {
	existing, ok := tx.instance(inst.ID)
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", inst.ID))
	}

	// Optimistic lock check.
	if existing.Version != inst.Version {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d, got %d)", inst.ID, inst.Version, existing.Version),
		)
	}

	existing.Status = inst.Status
	existing.CompletedAt = cloneTime(inst.CompletedAt)
	existing.CanceledAt = cloneTime(inst.CanceledAt)
	existing.CancelReason = inst.CancelReason
	existing.UpdatedAt = inst.UpdatedAt
	if existing.UpdatedAt.IsZero() {
		existing.UpdatedAt = time.Now().UTC()
	}
	existing.Version++
	tx.instances[inst.ID] = cloneInstance(existing)
	return nil
}

// MergeContext merges updates into the shared context.
func (tx *memTx) MergeContext(_ context.Context, instanceID string, updates map[string]model.ContextValue) error {
	if len(updates) == 0 {
		return nil
	}
	existing, ok := tx.instance(instanceID)
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", instanceID))
	}
	existing.Context = cloneContext(existing.Context.Merge(updates))
	tx.instances[instanceID] = existing
	return nil
}

// ListInstances returns matching instances, newest first.
func (tx *memTx) ListInstances(_ context.Context, filters model.InstanceFilters) ([]model.WorkflowInstance, error) {
	seen := make(map[string]bool)
	var all []model.WorkflowInstance
	for id, inst := range tx.instances {
		seen[id] = true
		all = append(all, inst)
	}
	for id, inst := range tx.s.instances {
		if !seen[id] {
			all = append(all, inst)
		}
	}

	var result []model.WorkflowInstance
	for _, inst := range all {
		if filters.Status != "" && inst.Status != filters.Status {
			continue
		}
		if filters.TemplateID != "" && inst.TemplateID != filters.TemplateID {
			continue
		}
		if filters.MatterID != "" && inst.Subject.MatterID != filters.MatterID {
			continue
		}
		if filters.ContactID != "" && inst.Subject.ContactID != filters.ContactID {
			continue
		}
		result = append(result, cloneInstance(inst))
	}

	// Sort by created_at descending, id as tie-breaker.
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})

	// Apply offset and limit.
	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.WorkflowInstance{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// ListSteps returns an instance's steps in order.
func (tx *memTx) ListSteps(_ context.Context, instanceID string) ([]model.InstanceStep, error) {
	if _, ok := tx.instance(instanceID); !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", instanceID))
	}
	return cloneSteps(tx.stagedSteps(instanceID)), nil
}

// UpdateStep persists a step.
func (tx *memTx) UpdateStep(_ context.Context, step model.InstanceStep) error {
	steps := tx.stagedSteps(step.InstanceID)
	for i := range steps {
		if steps[i].ID == step.ID {
			steps[i] = cloneStep(step)
			return nil
		}
	}
	return model.NewNotFoundError(fmt.Sprintf("step %q not found", step.ID))
}

// AppendNotification adds a record to the notification log.
func (tx *memTx) AppendNotification(_ context.Context, rec model.NotificationRecord) error {
	rec.Recipients = append([]string(nil), rec.Recipients...)
	tx.notifications[rec.InstanceID] = append(tx.notifications[rec.InstanceID], rec)
	return nil
}

// ListNotifications returns an instance's notification log, oldest first.
func (tx *memTx) ListNotifications(_ context.Context, instanceID string) ([]model.NotificationRecord, error) {
	var out []model.NotificationRecord
	for _, rec := range tx.s.notifications[instanceID] {
		rec.Recipients = append([]string(nil), rec.Recipients...)
		out = append(out, rec)
	}
	out = append(out, tx.notifications[instanceID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
