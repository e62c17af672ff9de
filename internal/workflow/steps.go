package workflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/matterflow/internal/action"
	"github.com/pitabwire/matterflow/internal/idempotency"
	"github.com/pitabwire/matterflow/internal/statemachine"
	"github.com/pitabwire/matterflow/model"
)

// stepOp runs fn against one step of an active instance, then settles the
// session and publishes its events after commit.
func (e *Engine) stepOp(
	ctx context.Context,
	op, instanceID, stepID string,
	actor model.Actor,
	fn func(s *session, st *model.InstanceStep) error,
) (model.InstanceStep, error) {
	var (
		result model.InstanceStep
		view   InstanceView
		events []model.StepEvent
	)
	err := e.traced(ctx, op, instanceID, stepID, func(ctx context.Context) error {
		return e.store.RunInTx(ctx, func(tx Tx) error {
			s, err := e.open(ctx, tx, instanceID, actor)
			if err != nil {
				return err
			}
			if err := s.requireStatus(model.InstanceActive); err != nil {
				return err
			}
			st, err := s.step(stepID)
			if err != nil {
				return err
			}
			if err := fn(s, st); err != nil {
				return err
			}
			if err := s.settle(true); err != nil {
				return err
			}
			result = cloneStep(*st)
			view = s.view()
			events = s.events
			return nil
		})
	})
	if err != nil {
		return model.InstanceStep{}, err
	}
	e.publish(ctx, view, events)
	return result, nil
}

// handlerFor resolves the step's handler and builds its runtime context.
func (s *session) handlerFor(st *model.InstanceStep) (action.Handler, *action.RuntimeContext, error) {
	h, err := s.e.registry.Get(st.ActionType)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.runtime(st, h)
	if err != nil {
		return nil, nil, err
	}
	return h, rc, nil
}

// requireOpen rejects operations on finished or not yet ready steps.
func requireOpen(st *model.InstanceStep, op string) error {
	if statemachine.IsTerminal(st.ActionState) || st.ActionState == model.StatePending {
		return model.NewPreconditionError(
			fmt.Sprintf("step %q is %s and cannot be %s", st.Title, st.ActionState, op),
		)
	}
	return nil
}

// authorize applies the role scope and assignment checks shared by the
// mutating operations.
func (s *session) authorize(st *model.InstanceStep) error {
	if !s.inScope(st) {
		return model.NewPermissionError(
			fmt.Sprintf("actor %q is not authorized for %s steps", s.actor.ID, st.RoleScope),
		)
	}
	return s.checkAssignment(st)
}

// StartStep begins work on a READY step.
func (e *Engine) StartStep(ctx context.Context, instanceID, stepID string, actor model.Actor) (model.InstanceStep, error) {
	return e.stepOp(ctx, "start", instanceID, stepID, actor, func(s *session, st *model.InstanceStep) error {
		// 1. The step must be waiting to start.
		if st.ActionState != model.StateReady && st.ActionState != model.StateBlocked {
			return model.NewPreconditionError(
				fmt.Sprintf("step %q is %s and cannot be started", st.Title, st.ActionState),
			)
		}

		// 2. Resolve handler and build its context.
		h, rc, err := s.handlerFor(st)
		if err != nil {
			return err
		}

		// 3. Capability check, then the handler's own constraints.
		if !s.inScope(st) {
			return model.NewPreconditionError(
				fmt.Sprintf("actor %q may not start %s step %q", s.actor.ID, st.RoleScope, st.Title),
			)
		}
		if err := s.checkAssignment(st); err != nil {
			return err
		}
		if err := h.CanStart(rc); err != nil {
			return err
		}

		// 4. Invoke handler.
		next, err := h.Start(rc)
		if err != nil {
			return err
		}
		if next == "" {
			next = model.StateInProgress
		}
		s.collect(rc)

		// 5. Human actors claim what they start.
		if st.AssignedTo == "" && !s.actor.System {
			st.AssignedTo = s.actor.ID
		}

		// 6. Guard and record.
		return s.move(st, next, moveOpts{event: "start"})
	})
}

// CompleteStep finishes a step with the given payload. Completion runs
// branch resolution before readiness is recomputed.
func (e *Engine) CompleteStep(ctx context.Context, instanceID, stepID string, actor model.Actor, payload map[string]any) (model.InstanceStep, error) {
	return e.stepOp(ctx, "complete", instanceID, stepID, actor, func(s *session, st *model.InstanceStep) error {
		// 1. Step must be open and the actor authorized.
		if err := requireOpen(st, "completed"); err != nil {
			return err
		}
		if err := s.authorize(st); err != nil {
			return err
		}

		// 2. Resolve handler and build its context.
		h, rc, err := s.handlerFor(st)
		if err != nil {
			return err
		}

		// 3. Invoke handler.
		next, err := h.Complete(rc, payload)
		if err != nil {
			return err
		}
		if next == "" {
			next = model.StateCompleted
		}
		s.collect(rc)

		// 4. Guard and record.
		if err := s.move(st, next, moveOpts{event: "complete", payload: payload}); err != nil {
			return err
		}

		// 5. Route branches.
		if next == model.StateCompleted {
			return s.resolveBranches(st, payload)
		}
		return nil
	})
}

// FailStep marks a step failed with a reason.
func (e *Engine) FailStep(ctx context.Context, instanceID, stepID string, actor model.Actor, reason string) (model.InstanceStep, error) {
	return e.stepOp(ctx, "fail", instanceID, stepID, actor, func(s *session, st *model.InstanceStep) error {
		if err := requireOpen(st, "failed"); err != nil {
			return err
		}
		if err := s.authorize(st); err != nil {
			return err
		}
		h, rc, err := s.handlerFor(st)
		if err != nil {
			return err
		}
		next, err := h.Fail(rc, reason)
		if err != nil {
			return err
		}
		if next == "" {
			next = model.StateFailed
		}
		s.collect(rc)

		var payload map[string]any
		if reason != "" {
			payload = map[string]any{"reason": reason}
		}
		return s.move(st, next, moveOpts{event: "fail", payload: payload, note: reason})
	})
}

// SkipStep skips a step. Skipping is gated by the skip policy, which by
// default requires an administrator and a reason for required steps.
func (e *Engine) SkipStep(ctx context.Context, instanceID, stepID string, actor model.Actor, reason string) (model.InstanceStep, error) {
	return e.stepOp(ctx, "skip", instanceID, stepID, actor, func(s *session, st *model.InstanceStep) error {
		if err := s.e.skip.CanSkip(st, s.isAdmin, reason); err != nil {
			return err
		}
		var payload map[string]any
		if reason != "" {
			payload = map[string]any{"reason": reason}
		}
		return s.move(st, model.StateSkipped, moveOpts{event: "skip", payload: payload, note: reason})
	})
}

// ClaimStep assigns a step to the actor. Claiming a step the actor
// already holds is a no-op; a step held by someone else is refused.
func (e *Engine) ClaimStep(ctx context.Context, instanceID, stepID string, actor model.Actor) (model.InstanceStep, error) {
	return e.stepOp(ctx, "claim", instanceID, stepID, actor, func(s *session, st *model.InstanceStep) error {
		if statemachine.IsTerminal(st.ActionState) {
			return model.NewPreconditionError(
				fmt.Sprintf("step %q is %s and cannot be claimed", st.Title, st.ActionState),
			)
		}
		if !s.inScope(st) {
			return model.NewPermissionError(
				fmt.Sprintf("actor %q is not authorized for %s steps", s.actor.ID, st.RoleScope),
			)
		}
		switch st.AssignedTo {
		case s.actor.ID:
			return nil
		case "":
		default:
			return model.NewPermissionError(fmt.Sprintf("step %q is already claimed by another actor", st.Title))
		}
		st.AssignedTo = s.actor.ID
		return s.move(st, st.ActionState, moveOpts{event: "claim"})
	})
}

// RetryStep returns a FAILED or BLOCKED step to READY.
func (e *Engine) RetryStep(ctx context.Context, instanceID, stepID string, actor model.Actor) (model.InstanceStep, error) {
	return e.stepOp(ctx, "retry", instanceID, stepID, actor, func(s *session, st *model.InstanceStep) error {
		if st.ActionState != model.StateFailed && st.ActionState != model.StateBlocked {
			return model.NewPreconditionError(
				fmt.Sprintf("step %q is %s and cannot be retried", st.Title, st.ActionState),
			)
		}
		if err := s.authorize(st); err != nil {
			return err
		}
		return s.move(st, model.StateReady, moveOpts{event: "retry"})
	})
}

// ApplyEvent delivers an external event to a step. The handler decides
// the resulting state; an event that changes nothing still records its
// data and a history entry. Events with an id are applied at most once
// when a deduplicator is configured.
func (e *Engine) ApplyEvent(ctx context.Context, instanceID, stepID string, actor model.Actor, ev action.Event) (model.InstanceStep, error) {
	// 1. Answer redeliveries from the recorded outcome.
	var key, hash string
	if e.dedupe != nil && ev.ID != "" {
		var err error
		key = idempotency.EventKey(instanceID, stepID, ev.ID)
		hash, err = idempotency.HashEvent(ev.Type, ev.Payload)
		if err != nil {
			return model.InstanceStep{}, err
		}
		_, found, err := e.dedupe.Check(ctx, key, hash)
		if err != nil {
			return model.InstanceStep{}, err
		}
		if found {
			e.metrics.RecordEventDuplicate(ev.Type)
			e.logger.Info("duplicate event ignored",
				zap.String("instance_id", instanceID),
				zap.String("step_id", stepID),
				zap.String("event_id", ev.ID),
			)
			return e.replay(ctx, instanceID, stepID, actor)
		}
	}

	// 2. Apply the event.
	st, err := e.stepOp(ctx, "event", instanceID, stepID, actor, func(s *session, st *model.InstanceStep) error {
		if err := requireOpen(st, "updated by events"); err != nil {
			return err
		}
		if err := s.authorize(st); err != nil {
			return err
		}
		h, rc, err := s.handlerFor(st)
		if err != nil {
			return err
		}
		next, err := h.NextStateOnEvent(rc, ev)
		if err != nil {
			return err
		}
		if next == "" {
			next = st.ActionState
		}
		s.collect(rc)

		autoStart := st.ActionState == model.StateReady && next != model.StateReady && next != model.StateInProgress
		if err := s.move(st, next, moveOpts{event: ev.Type, payload: ev.Payload, autoStart: autoStart}); err != nil {
			return err
		}
		if next == model.StateCompleted {
			return s.resolveBranches(st, ev.Payload)
		}
		return nil
	})
	if err != nil {
		return model.InstanceStep{}, err
	}

	// 3. Remember the outcome.
	if key != "" {
		out := idempotency.Outcome{
			InstanceID:  instanceID,
			StepID:      st.ID,
			EventType:   ev.Type,
			ActionState: st.ActionState,
			AppliedAt:   st.UpdatedAt,
		}
		if err := e.dedupe.Store(ctx, key, hash, out, e.dedupeTTL); err != nil {
			e.logger.Warn("record event outcome failed",
				zap.String("instance_id", instanceID),
				zap.String("event_id", ev.ID),
				zap.Error(err),
			)
		}
	}
	return st, nil
}

// replay answers a redelivered event with the step as it stands. The
// actor must pass the same checks a first delivery would.
func (e *Engine) replay(ctx context.Context, instanceID, stepID string, actor model.Actor) (model.InstanceStep, error) {
	var result model.InstanceStep
	err := e.store.RunInTx(ctx, func(tx Tx) error {
		s, err := e.open(ctx, tx, instanceID, actor)
		if err != nil {
			return err
		}
		st, err := s.step(stepID)
		if err != nil {
			return err
		}
		if err := s.authorize(st); err != nil {
			return err
		}
		result = cloneStep(*st)
		return nil
	})
	if err != nil {
		return model.InstanceStep{}, err
	}
	return result, nil
}

// GetStep returns one step of an instance.
func (e *Engine) GetStep(ctx context.Context, instanceID, stepID string) (model.InstanceStep, error) {
	view, err := e.GetInstance(ctx, instanceID)
	if err != nil {
		return model.InstanceStep{}, err
	}
	for _, st := range view.Steps {
		if st.ID == stepID {
			return st, nil
		}
	}
	for _, st := range view.Steps {
		if st.TemplateStepID == stepID {
			return st, nil
		}
	}
	return model.InstanceStep{}, model.NewNotFoundError(fmt.Sprintf("step %q not found in instance %q", stepID, instanceID))
}
