package workflow

import (
	"fmt"
	"strings"

	"github.com/pitabwire/matterflow/internal/statemachine"
	"github.com/pitabwire/matterflow/model"
)

var (
	truthyWords = map[string]bool{"true": true, "yes": true, "approved": true, "success": true, "pass": true}
	falsyWords  = map[string]bool{"false": true, "no": true, "rejected": true, "fail": true, "denied": true}
)

// parseDecision maps a branch word or decision value onto a boolean.
func parseDecision(v any) (decision, ok bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		w := strings.ToLower(strings.TrimSpace(x))
		if truthyWords[w] {
			return true, true
		}
		if falsyWords[w] {
			return false, true
		}
	}
	return false, false
}

// inferDecision looks for a decision in payload, then in handler data:
// "approved", then "branchDecision", then "decision.approved".
func inferDecision(payload, data map[string]any) (decision, ok bool) {
	for _, src := range []map[string]any{payload, data} {
		if src == nil {
			continue
		}
		if d, ok := parseDecision(src["approved"]); ok {
			return d, true
		}
		if d, ok := parseDecision(src["branchDecision"]); ok {
			return d, true
		}
		if nested, isMap := src["decision"].(map[string]any); isMap {
			if d, ok := parseDecision(nested["approved"]); ok {
				return d, true
			}
		}
	}
	return false, false
}

// resolveBranches activates the branch of a completed step that matches
// its decision and skips the siblings that were not chosen.
func (s *session) resolveBranches(st *model.InstanceStep, payload map[string]any) error {
	if len(st.Branches) == 0 {
		return nil
	}

	decision, decided := inferDecision(payload, st.ActionData.Data)
	if !decided {
		switch {
		case len(st.Branches) == 1:
			return s.activate(st, st.Branches[0])
		case s.e.lenient:
			// Nothing is selected; readiness advancement skips the targets.
			return nil
		default:
			return missingDecision(st)
		}
	}

	var chosen []model.Branch
	var rest []model.Branch
	for _, b := range st.Branches {
		want, ok := parseDecision(b.Condition)
		if b.Condition == "" || (ok && want == decision) {
			chosen = append(chosen, b)
			continue
		}
		rest = append(rest, b)
	}

	for _, b := range chosen {
		if err := s.activate(st, b); err != nil {
			return err
		}
	}
	for _, b := range rest {
		if err := s.dropBranch(st, b); err != nil {
			return err
		}
	}
	return nil
}

func missingDecision(st *model.InstanceStep) error {
	return model.NewFieldValidationError("approved", "DECISION_REQUIRED",
		fmt.Sprintf("step %q has branches; completing it requires an approved or branchDecision value", st.Title))
}

// activate marks a branch target as selected. A BLOCKED target is moved
// back to READY; a PENDING one is promoted by readiness advancement once
// its dependencies allow. Skipped targets stay skipped.
func (s *session) activate(src *model.InstanceStep, b model.Branch) error {
	target := s.stepByID(b.TargetStepID)
	if target == nil {
		return model.NewNotFoundError(fmt.Sprintf("branch target %q not found", b.TargetStepID))
	}
	if target.ActivatedBy == "" {
		target.ActivatedBy = src.ID
		s.dirty[target.ID] = true
	}
	if target.ActionState == model.StateBlocked {
		return s.move(target, model.StateReady, moveOpts{
			by:    model.SystemActorID,
			event: "branch",
			note:  branchNote("branch taken", src, b),
		})
	}
	return nil
}

// dropBranch skips a target that was not chosen.
func (s *session) dropBranch(src *model.InstanceStep, b model.Branch) error {
	target := s.stepByID(b.TargetStepID)
	if target == nil {
		return model.NewNotFoundError(fmt.Sprintf("branch target %q not found", b.TargetStepID))
	}
	if target.ActivatedBy != "" || statemachine.IsTerminal(target.ActionState) {
		return nil
	}
	return s.move(target, model.StateSkipped, moveOpts{
		by:       model.SystemActorID,
		event:    "branch",
		note:     branchNote("branch not taken", src, b),
		override: true,
	})
}

func branchNote(prefix string, src *model.InstanceStep, b model.Branch) string {
	label := b.Label
	if label == "" {
		label = b.Condition
	}
	if label == "" {
		return fmt.Sprintf("%s after %q", prefix, src.Title)
	}
	return fmt.Sprintf("%s after %q: %s", prefix, src.Title, label)
}
