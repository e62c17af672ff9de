// Package statemachine is the authoritative transition table for step action
// states. Every action-state mutation in the engine is asserted here first.
package statemachine

import (
	"github.com/pitabwire/matterflow/model"
)

// transitions lists the allowed directed edges. Identity moves are handled
// separately and are always allowed.
var transitions = map[model.ActionState][]model.ActionState{
	model.StatePending:    {model.StateReady},
	model.StateReady:      {model.StateInProgress, model.StateSkipped},
	model.StateInProgress: {model.StateCompleted, model.StateFailed, model.StateBlocked, model.StateSkipped},
	model.StateBlocked:    {model.StateReady, model.StateSkipped},
	model.StateFailed:     {model.StateReady},
	model.StateCompleted:  nil,
	model.StateSkipped:    nil,
}

// Options carries the actor facts a transition check depends on.
type Options struct {
	// ActorIsAdmin is true when the acting party holds ADMIN on the subject.
	ActorIsAdmin bool

	// AllowAdminOverride lets engine-initiated work (cancel, branch and
	// condition skips) move a step to SKIPPED without an admin actor.
	AllowAdminOverride bool
}

// IsTerminal reports whether a step in state s has finished. FAILED counts
// as terminal for instance completion even though it may be retried.
func IsTerminal(s model.ActionState) bool {
	switch s {
	case model.StateCompleted, model.StateFailed, model.StateSkipped:
		return true
	}
	return false
}

// Targets returns the states reachable from s in one move.
func Targets(s model.ActionState) []model.ActionState {
	out := make([]model.ActionState, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// IsEdge reports whether from -> to is in the transition table, ignoring
// actor restrictions.
func IsEdge(from, to model.ActionState) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// CanTransition reports whether a step may move from -> to for the given
// actor facts.
func CanTransition(from, to model.ActionState, opts Options) bool {
	if !from.IsValid() || !to.IsValid() {
		return false
	}
	if from == to {
		return true
	}
	if !IsEdge(from, to) {
		return false
	}
	if to == model.StateSkipped && !opts.ActorIsAdmin && !opts.AllowAdminOverride {
		return false
	}
	return true
}

// AssertTransition returns an INVALID_TRANSITION error when CanTransition is
// false.
func AssertTransition(from, to model.ActionState, opts Options) error {
	if CanTransition(from, to, opts) {
		return nil
	}
	err := model.NewTransitionError(from, to)
	if to == model.StateSkipped && IsEdge(from, to) {
		err.Message += ": skipping requires an administrator"
	}
	return err
}

// PathTo returns the guarded hops needed to reach to from from, allowing one
// intermediate READY hop for PENDING and BLOCKED steps. It returns nil if no
// such path exists.
func PathTo(from, to model.ActionState) []model.ActionState {
	if from == to {
		return nil
	}
	if IsEdge(from, to) {
		return []model.ActionState{to}
	}
	if (from == model.StatePending || from == model.StateBlocked) && IsEdge(model.StateReady, to) {
		return []model.ActionState{model.StateReady, to}
	}
	return nil
}
