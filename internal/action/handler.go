// Package action defines the lifecycle contract every step action type
// implements, the registry that maps action types to handlers, and the
// built-in handlers.
package action

import (
	"context"
	"time"

	"github.com/pitabwire/matterflow/model"
)

// Event is an externally triggered occurrence delivered to a step, such as
// a signature provider callback or a document upload.
type Event struct {
	ID      string         `json:"id,omitempty"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Handler implements the lifecycle of one action type. A returned empty
// state means the default for the operation: IN_PROGRESS for Start,
// COMPLETED for Complete, FAILED for Fail and no transition for
// NextStateOnEvent.
type Handler interface {
	// Type returns the action type this handler serves.
	Type() model.ActionType

	// ValidateConfig checks a step configuration. It is called at template
	// registration and again before every operation.
	ValidateConfig(config map[string]any) error

	// CanStart applies action-specific start constraints. Role scope
	// checks have already passed when it is called.
	CanStart(rc *RuntimeContext) error

	Start(rc *RuntimeContext) (model.ActionState, error)
	Complete(rc *RuntimeContext, payload map[string]any) (model.ActionState, error)
	Fail(rc *RuntimeContext, reason string) (model.ActionState, error)
	NextStateOnEvent(rc *RuntimeContext, ev Event) (model.ActionState, error)
}

// DataSeeder is implemented by handlers that derive their initial private
// data from configuration. SeedData runs the first time a step is touched.
type DataSeeder interface {
	SeedData(config map[string]any) (map[string]any, error)
}

// RuntimeContext is built by the orchestrator for one handler invocation.
// Handlers mutate Data in place and publish shared facts via UpdateContext;
// the orchestrator persists both atomically.
type RuntimeContext struct {
	Ctx          context.Context
	Instance     *model.WorkflowInstance
	Step         *model.InstanceStep
	Siblings     []model.InstanceStep
	Actor        model.Actor
	ActorIsAdmin bool
	Config       map[string]any
	Data         map[string]any
	Now          time.Time

	updates map[string]model.ContextValue
}

// UpdateContext records a shared-context update to be merged into the
// instance when the operation commits.
func (rc *RuntimeContext) UpdateContext(key string, value any) error {
	cv, err := model.NewContextValue(value)
	if err != nil {
		return model.NewFieldValidationError(key, "INVALID_CONTEXT_VALUE", err.Error())
	}
	if rc.updates == nil {
		rc.updates = make(map[string]model.ContextValue)
	}
	rc.updates[key] = cv
	return nil
}

// ContextUpdates returns the updates collected so far.
func (rc *RuntimeContext) ContextUpdates() map[string]model.ContextValue {
	return rc.updates
}

// Shared returns the instance's shared context as it will look after the
// pending updates are merged.
func (rc *RuntimeContext) Shared() model.SharedContext {
	if rc.Instance == nil {
		return model.SharedContext{}.Merge(rc.updates)
	}
	return rc.Instance.Context.Merge(rc.updates)
}

// StepByTemplateID returns the sibling step materialized from the given
// template step, or nil.
func (rc *RuntimeContext) StepByTemplateID(templateStepID string) *model.InstanceStep {
	for i := range rc.Siblings {
		if rc.Siblings[i].TemplateStepID == templateStepID {
			return &rc.Siblings[i]
		}
	}
	return nil
}

// Base supplies default implementations of the optional parts of Handler.
// Handlers embed it and override what they need.
type Base struct {
	ActionType model.ActionType
}

// Type implements Handler.
func (b Base) Type() model.ActionType { return b.ActionType }

// CanStart implements Handler.
func (Base) CanStart(*RuntimeContext) error { return nil }

// Start implements Handler.
func (Base) Start(*RuntimeContext) (model.ActionState, error) { return "", nil }

// Complete implements Handler.
func (Base) Complete(*RuntimeContext, map[string]any) (model.ActionState, error) { return "", nil }

// Fail records the failure reason in handler data.
func (Base) Fail(rc *RuntimeContext, reason string) (model.ActionState, error) {
	if reason != "" {
		rc.Data["failureReason"] = reason
	}
	return "", nil
}

// NextStateOnEvent rejects every event; handlers that consume events
// override it.
func (b Base) NextStateOnEvent(_ *RuntimeContext, ev Event) (model.ActionState, error) {
	return "", unsupportedEvent(b.ActionType, ev.Type)
}
