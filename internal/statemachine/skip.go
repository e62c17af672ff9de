package statemachine

import (
	"strings"

	"github.com/pitabwire/matterflow/model"
)

// SkipPolicy decides whether an actor may skip a step. The orchestrator
// consults it before the transition guard.
type SkipPolicy interface {
	CanSkip(step *model.InstanceStep, actorIsAdmin bool, reason string) error
}

// DefaultSkipPolicy requires an administrator, a reason for required steps,
// and a non-terminal step.
type DefaultSkipPolicy struct{}

// CanSkip implements SkipPolicy.
func (DefaultSkipPolicy) CanSkip(step *model.InstanceStep, actorIsAdmin bool, reason string) error {
	if !actorIsAdmin {
		return model.NewPermissionError("only an administrator may skip a step")
	}
	if IsTerminal(step.ActionState) {
		return model.NewPreconditionError("step " + step.ID + " is " + string(step.ActionState) + " and cannot be skipped")
	}
	if step.Required && strings.TrimSpace(reason) == "" {
		return model.NewFieldValidationError("reason", "REQUIRED", "a reason is required to skip a required step")
	}
	return nil
}
