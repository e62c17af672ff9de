package workflow

import (
	"context"

	"github.com/pitabwire/matterflow/model"
)

// Store persists templates, instances, steps and the notification log.
// Every read and write happens inside RunInTx; either all writes made by
// fn commit or none do.
type Store interface {
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the read/write surface of one store transaction.
type Tx interface {
	// CreateTemplate persists a new template version. Returns CONFLICT if
	// the id or the (key, version) pair already exists.
	CreateTemplate(ctx context.Context, tpl model.WorkflowTemplate) error

	// GetTemplate retrieves a template by id.
	GetTemplate(ctx context.Context, id string) (model.WorkflowTemplate, error)

	// LatestTemplate retrieves the highest version stored under key.
	LatestTemplate(ctx context.Context, key string) (model.WorkflowTemplate, error)

	// ListTemplates returns every stored template ordered by key and version.
	ListTemplates(ctx context.Context) ([]model.WorkflowTemplate, error)

	// CreateInstance persists a new instance together with its steps.
	CreateInstance(ctx context.Context, inst model.WorkflowInstance, steps []model.InstanceStep) error

	// GetInstance retrieves an instance by id. Stores that support row
	// locking lock the instance until the transaction ends.
	GetInstance(ctx context.Context, id string) (model.WorkflowInstance, error)

	// UpdateInstance persists status, lifecycle timestamps and the cancel
	// reason with optimistic locking on Version. The shared context is not
	// written here; use MergeContext. Returns CONFLICT on a version
	// mismatch.
	UpdateInstance(ctx context.Context, inst model.WorkflowInstance) error

	// MergeContext merges updates into the instance's shared context.
	// Keys not named in updates are left untouched.
	MergeContext(ctx context.Context, instanceID string, updates map[string]model.ContextValue) error

	// ListInstances returns instances matching filters, newest first.
	ListInstances(ctx context.Context, filters model.InstanceFilters) ([]model.WorkflowInstance, error)

	// ListSteps returns the steps of an instance ordered by OrderIndex.
	ListSteps(ctx context.Context, instanceID string) ([]model.InstanceStep, error)

	// UpdateStep persists a step's mutable fields.
	UpdateStep(ctx context.Context, step model.InstanceStep) error

	// AppendNotification adds a record to the notification log.
	AppendNotification(ctx context.Context, rec model.NotificationRecord) error

	// ListNotifications returns an instance's notification log, oldest first.
	ListNotifications(ctx context.Context, instanceID string) ([]model.NotificationRecord, error)
}
