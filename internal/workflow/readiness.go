package workflow

import (
	"go.uber.org/zap"

	"github.com/pitabwire/matterflow/internal/condition"
	"github.com/pitabwire/matterflow/internal/dependency"
	"github.com/pitabwire/matterflow/model"
)

const (
	noteUnsatisfiable = "dependencies can no longer be satisfied"
	noteConditionMiss = "condition not met"
	noteNoBranch      = "branch source finished without selecting this branch"
)

// advance promotes PENDING steps until nothing changes. A step becomes
// READY when its dependencies are satisfied, it was activated if it is a
// branch target, and its condition gate matches. Steps whose gate does not
// match, whose dependencies were skipped, or whose branch sources all
// finished without selecting them are skipped with a note. When
// record is false (seeding a new instance) promotions to READY leave no
// history entry.
func (s *session) advance(record bool) error {
	sources := s.branchSources()
	for {
		changed := false
		nodes := dependency.FromInstanceSteps(s.steps)
		for i := range s.steps {
			st := &s.steps[i]
			if st.ActionState != model.StatePending {
				continue
			}
			node := nodes[i]

			dead, err := dependency.IsUnsatisfiable(node, nodes)
			if err != nil {
				return err
			}
			if dead {
				if err := s.systemSkip(st, "dependency", noteUnsatisfiable); err != nil {
					return err
				}
				changed = true
				continue
			}

			waiting := len(sources[st.ID]) > 0 && st.ActivatedBy == ""
			if waiting && s.branchesSettled(sources[st.ID]) {
				if err := s.systemSkip(st, "branch", noteNoBranch); err != nil {
					return err
				}
				changed = true
				continue
			}

			ok, err := dependency.IsDependencySatisfied(node, nodes)
			if err != nil {
				return err
			}
			if !ok || waiting {
				continue
			}

			verdict, decided := s.gate(st)
			if !decided {
				continue
			}
			if !verdict {
				if err := s.systemSkip(st, "condition", noteConditionMiss); err != nil {
					return err
				}
				changed = true
				continue
			}

			if err := s.promote(st, record); err != nil {
				return err
			}
			changed = true
		}
		if !changed {
			return nil
		}
	}
}

// gate evaluates a step's condition. decided is false when evaluation
// failed; the step then stays PENDING.
func (s *session) gate(st *model.InstanceStep) (verdict, decided bool) {
	if st.Condition == nil || (st.ConditionType != model.ConditionIfTrue && st.ConditionType != model.ConditionIfFalse) {
		return true, true
	}
	res := condition.Evaluate(*st.Condition, s.conditionContext(st))
	if !res.Success {
		s.e.logger.Warn("condition evaluation failed",
			zap.String("instance_id", s.inst.ID),
			zap.String("step_id", st.ID),
			zap.String("error", res.Error),
		)
		return false, false
	}
	if st.ConditionType == model.ConditionIfFalse {
		return !res.Value, true
	}
	return res.Value, true
}

func (s *session) conditionContext(st *model.InstanceStep) condition.Context {
	steps := make(map[string]map[string]any, len(s.steps))
	for _, other := range s.steps {
		steps[other.TemplateStepID] = other.ActionData.Data
	}
	return condition.Context{
		Shared:  s.shared().Raw(),
		Step:    st.ActionData.Data,
		Steps:   steps,
		Subject: s.snapshot.Attributes,
	}
}

// promote moves a PENDING step to READY.
func (s *session) promote(st *model.InstanceStep, record bool) error {
	if record {
		return s.move(st, model.StateReady, moveOpts{by: model.SystemActorID, event: "ready"})
	}
	st.ActionState = model.StateReady
	st.UpdatedAt = s.now
	s.dirty[st.ID] = true
	s.emit(model.TriggerStepReady, st)
	return nil
}

// systemSkip skips a step on behalf of the engine.
func (s *session) systemSkip(st *model.InstanceStep, event, note string) error {
	return s.move(st, model.StateSkipped, moveOpts{
		by:       model.SystemActorID,
		event:    event,
		note:     note,
		override: true,
	})
}

// branchSources maps each branch target to the steps that branch to it.
func (s *session) branchSources() map[string][]string {
	out := make(map[string][]string)
	for _, st := range s.steps {
		for _, b := range st.Branches {
			out[b.TargetStepID] = append(out[b.TargetStepID], st.ID)
		}
	}
	return out
}

// branchesSettled reports whether every source step has reached a state
// from which it can no longer select a branch. FAILED sources can still be
// retried, so they keep their targets waiting.
func (s *session) branchesSettled(sourceIDs []string) bool {
	for _, id := range sourceIDs {
		src := s.stepByID(id)
		if src == nil {
			continue
		}
		if src.ActionState != model.StateCompleted && src.ActionState != model.StateSkipped {
			return false
		}
	}
	return true
}
