package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/matterflow/internal/statemachine"
	"github.com/pitabwire/matterflow/model"
)

const defaultCancelReason = "workflow instance canceled"

// InstantiateRequest describes a new instance.
type InstantiateRequest struct {
	// TemplateRef is a template id, or a template key for its latest version.
	TemplateRef string         `json:"templateId"`
	Subject     model.Subject  `json:"subject"`
	Context     map[string]any `json:"context,omitempty"`
	// Draft creates the instance without seeding any READY step.
	Draft bool `json:"draft,omitempty"`
}

// InstantiateTemplate materializes a template against a subject. Unless
// the request is a draft, the steps whose dependencies are already met are
// seeded READY in the same transaction.
func (e *Engine) InstantiateTemplate(ctx context.Context, req InstantiateRequest, actor model.Actor) (InstanceView, error) {
	var (
		view   InstanceView
		events []model.StepEvent
	)
	err := e.traced(ctx, "instantiate", "", "", func(ctx context.Context) error {
		// 1. Validate input.
		if actor.ID == "" {
			return model.NewUnauthorizedError("an actor is required")
		}
		if err := req.Subject.Validate(); err != nil {
			return err
		}
		initial := make(map[string]model.ContextValue, len(req.Context))
		for k, v := range req.Context {
			cv, err := model.NewContextValue(v)
			if err != nil {
				return model.NewFieldValidationError("context."+k, "INVALID_CONTEXT_VALUE", err.Error())
			}
			initial[k] = cv
		}

		return e.store.RunInTx(ctx, func(tx Tx) error {
			// 2. Resolve the pinned template version.
			tpl, err := resolveTemplate(ctx, tx, req.TemplateRef)
			if err != nil {
				return err
			}

			// 3. Build the instance and its steps.
			now := e.now()
			status := model.InstanceActive
			if req.Draft {
				status = model.InstanceDraft
			}
			inst := model.WorkflowInstance{
				ID:              uuid.New().String(),
				TemplateID:      tpl.ID,
				TemplateKey:     tpl.Key,
				TemplateVersion: tpl.Version,
				Status:          status,
				Subject:         req.Subject,
				CreatedBy:       actor.ID,
				Context:         model.SharedContext{}.Merge(initial),
				CreatedAt:       now,
				UpdatedAt:       now,
				Version:         1,
			}
			steps, err := materialize(tpl, inst.ID, now)
			if err != nil {
				return err
			}

			// 4. Persist, then seed readiness.
			if err := tx.CreateInstance(ctx, inst, steps); err != nil {
				return err
			}
			s, err := e.open(ctx, tx, inst.ID, actor)
			if err != nil {
				return err
			}
			if err := s.settle(false); err != nil {
				return err
			}
			view = s.view()
			events = s.events
			return nil
		})
	})
	if err != nil {
		return InstanceView{}, err
	}

	e.metrics.RecordInstanceStarted(view.Instance.TemplateKey)
	e.logger.Info("workflow instance created",
		zap.String("instance_id", view.Instance.ID),
		zap.String("template_key", view.Instance.TemplateKey),
		zap.Int("template_version", view.Instance.TemplateVersion),
		zap.String("status", string(view.Instance.Status)),
	)
	e.publish(ctx, view, events)
	return view, nil
}

// materialize creates PENDING instance steps from a template, rewriting
// dependency and branch references to instance step ids.
func materialize(tpl model.WorkflowTemplate, instanceID string, now time.Time) ([]model.InstanceStep, error) {
	ids := make(map[string]string, len(tpl.Steps))
	for _, ts := range tpl.Steps {
		ids[ts.ID] = uuid.New().String()
	}
	ref := func(templateStepID string) (string, error) {
		id, ok := ids[templateStepID]
		if !ok {
			return "", model.NewDependencyIntegrityError([]model.FieldError{{
				Field:   templateStepID,
				Code:    "DANGLING_DEPENDENCY",
				Message: fmt.Sprintf("unknown step %q", templateStepID),
			}})
		}
		return id, nil
	}

	steps := make([]model.InstanceStep, len(tpl.Steps))
	for i, ts := range tpl.Steps {
		st := model.InstanceStep{
			ID:              ids[ts.ID],
			InstanceID:      instanceID,
			TemplateStepID:  ts.ID,
			OrderIndex:      i,
			Title:           ts.Title,
			ActionType:      ts.ActionType,
			RoleScope:       ts.RoleScope,
			Required:        ts.Required,
			ActionState:     model.StatePending,
			ActionData:      model.ActionData{Config: cloneMap(ts.Config), History: []model.HistoryEntry{}},
			Priority:        ts.Priority,
			DependencyLogic: ts.DependencyLogic,
			ConditionType:   ts.ConditionType,
			Condition:       cloneCondition(ts.Condition),
			UpdatedAt:       now,
		}
		for _, dep := range ts.DependsOn {
			id, err := ref(dep)
			if err != nil {
				return nil, err
			}
			st.DependsOn = append(st.DependsOn, id)
		}
		for _, b := range ts.Branches {
			id, err := ref(b.TargetStepID)
			if err != nil {
				return nil, err
			}
			b.TargetStepID = id
			st.Branches = append(st.Branches, b)
		}
		if ts.DueIn != "" {
			d, err := ParseDueIn(ts.DueIn)
			if err != nil {
				return nil, model.NewFieldValidationError("dueIn", "INVALID_FIELD", err.Error())
			}
			due := now.Add(d)
			st.DueAt = &due
		}
		steps[i] = st
	}
	return steps, nil
}

// instanceOp runs fn against an instance and publishes its events after
// commit.
func (e *Engine) instanceOp(ctx context.Context, op, instanceID string, actor model.Actor, fn func(s *session) error) (InstanceView, error) {
	var (
		view   InstanceView
		events []model.StepEvent
	)
	err := e.traced(ctx, op, instanceID, "", func(ctx context.Context) error {
		return e.store.RunInTx(ctx, func(tx Tx) error {
			s, err := e.open(ctx, tx, instanceID, actor)
			if err != nil {
				return err
			}
			if err := fn(s); err != nil {
				return err
			}
			view = s.view()
			events = s.events
			return nil
		})
	})
	if err != nil {
		return InstanceView{}, err
	}
	e.publish(ctx, view, events)
	return view, nil
}

func (s *session) requireCreatorOrAdmin(op string) error {
	if s.isCreatorOrAdmin() {
		return nil
	}
	return model.NewPermissionError(
		fmt.Sprintf("only the creator or an administrator may %s workflow instance %q", op, s.inst.ID),
	)
}

// ActivateInstance moves a DRAFT instance to ACTIVE and seeds readiness.
func (e *Engine) ActivateInstance(ctx context.Context, instanceID string, actor model.Actor) (InstanceView, error) {
	return e.instanceOp(ctx, "activate", instanceID, actor, func(s *session) error {
		if err := s.requireCreatorOrAdmin("activate"); err != nil {
			return err
		}
		if err := s.requireStatus(model.InstanceDraft); err != nil {
			return err
		}
		s.inst.Status = model.InstanceActive
		s.instanceDirty = true
		return s.settle(false)
	})
}

// PauseInstance suspends an ACTIVE instance. Step operations are refused
// until it is resumed.
func (e *Engine) PauseInstance(ctx context.Context, instanceID string, actor model.Actor) (InstanceView, error) {
	return e.instanceOp(ctx, "pause", instanceID, actor, func(s *session) error {
		if err := s.requireCreatorOrAdmin("pause"); err != nil {
			return err
		}
		if err := s.requireStatus(model.InstanceActive); err != nil {
			return err
		}
		s.inst.Status = model.InstancePaused
		s.instanceDirty = true
		return s.persist()
	})
}

// ResumeInstance reactivates a PAUSED instance.
func (e *Engine) ResumeInstance(ctx context.Context, instanceID string, actor model.Actor) (InstanceView, error) {
	return e.instanceOp(ctx, "resume", instanceID, actor, func(s *session) error {
		if err := s.requireCreatorOrAdmin("resume"); err != nil {
			return err
		}
		if err := s.requireStatus(model.InstancePaused); err != nil {
			return err
		}
		s.inst.Status = model.InstanceActive
		s.instanceDirty = true
		return s.settle(true)
	})
}

// CancelInstance skips every non-terminal step with the reason and marks
// the instance CANCELED. Canceling a canceled instance is a no-op.
func (e *Engine) CancelInstance(ctx context.Context, instanceID string, actor model.Actor, reason string) (InstanceView, error) {
	return e.instanceOp(ctx, "cancel", instanceID, actor, func(s *session) error {
		// 1. Idempotent on canceled instances.
		if s.inst.Status == model.InstanceCanceled {
			return nil
		}
		if s.inst.Status == model.InstanceCompleted {
			return model.NewPreconditionError(fmt.Sprintf("workflow instance %q is already completed", s.inst.ID))
		}
		if err := s.requireCreatorOrAdmin("cancel"); err != nil {
			return err
		}
		if reason == "" {
			reason = defaultCancelReason
		}

		// 2. Skip each open step individually so each keeps its history.
		for i := range s.steps {
			st := &s.steps[i]
			if statemachine.IsTerminal(st.ActionState) {
				continue
			}
			if err := s.move(st, model.StateSkipped, moveOpts{
				event:    "cancel",
				note:     reason,
				payload:  map[string]any{"reason": reason},
				override: true,
			}); err != nil {
				return err
			}
		}

		// 3. Close the instance.
		now := s.now
		s.inst.Status = model.InstanceCanceled
		s.inst.CanceledAt = &now
		s.inst.CancelReason = reason
		s.instanceDirty = true
		s.emit(model.TriggerInstanceCanceled, nil)
		s.e.metrics.RecordInstanceFinished(s.inst.TemplateKey, string(model.InstanceCanceled))
		return s.persist()
	})
}

// GetInstance returns an instance with its steps.
func (e *Engine) GetInstance(ctx context.Context, instanceID string) (InstanceView, error) {
	var view InstanceView
	err := e.store.RunInTx(ctx, func(tx Tx) error {
		inst, err := tx.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		steps, err := tx.ListSteps(ctx, instanceID)
		if err != nil {
			return err
		}
		view = InstanceView{Instance: inst, Steps: steps}
		return nil
	})
	return view, err
}

// ListInstances returns instances matching filters, newest first.
func (e *Engine) ListInstances(ctx context.Context, filters model.InstanceFilters) ([]model.WorkflowInstance, error) {
	var out []model.WorkflowInstance
	err := e.store.RunInTx(ctx, func(tx Tx) error {
		var err error
		out, err = tx.ListInstances(ctx, filters)
		return err
	})
	return out, err
}

// ListNotifications returns the notification log of an instance.
func (e *Engine) ListNotifications(ctx context.Context, instanceID string) ([]model.NotificationRecord, error) {
	var out []model.NotificationRecord
	err := e.store.RunInTx(ctx, func(tx Tx) error {
		if _, err := tx.GetInstance(ctx, instanceID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListNotifications(ctx, instanceID)
		return err
	})
	return out, err
}

// NotificationLog records delivery results in the store's notification
// log, one transaction per record.
type NotificationLog struct {
	store Store
}

// NewNotificationLog creates a NotificationLog over store.
func NewNotificationLog(store Store) *NotificationLog {
	return &NotificationLog{store: store}
}

// Record appends rec to the log.
func (l *NotificationLog) Record(ctx context.Context, rec model.NotificationRecord) error {
	return l.store.RunInTx(ctx, func(tx Tx) error {
		return tx.AppendNotification(ctx, rec)
	})
}
