// Package dependency evaluates dependsOn edges between workflow steps:
// readiness under ALL/ANY logic, cycle detection and authoring-time
// integrity checks.
package dependency

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pitabwire/matterflow/internal/statemachine"
	"github.com/pitabwire/matterflow/model"
)

// Node is the dependency view of a step. Template steps and instance steps
// are both projected onto it.
type Node struct {
	ID        string
	Title     string
	DependsOn []string
	Logic     model.DependencyLogic
	State     model.ActionState
}

func (n Node) label() string {
	if n.Title != "" {
		return n.Title
	}
	return n.ID
}

// FromInstanceSteps projects instance steps onto nodes.
func FromInstanceSteps(steps []model.InstanceStep) []Node {
	nodes := make([]Node, len(steps))
	for i, s := range steps {
		nodes[i] = Node{
			ID:        s.ID,
			Title:     s.Title,
			DependsOn: s.DependsOn,
			Logic:     s.DependencyLogic,
			State:     s.ActionState,
		}
	}
	return nodes
}

// FromTemplateSteps projects template steps onto nodes. State is left
// empty since templates carry none.
func FromTemplateSteps(steps []model.TemplateStep) []Node {
	nodes := make([]Node, len(steps))
	for i, s := range steps {
		nodes[i] = Node{ID: s.ID, Title: s.Title, DependsOn: s.DependsOn, Logic: s.DependencyLogic}
	}
	return nodes
}

func index(nodes []Node) map[string]Node {
	m := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		m[n.ID] = n
	}
	return m
}

func lookupDeps(step Node, byID map[string]Node) ([]Node, error) {
	deps := make([]Node, 0, len(step.DependsOn))
	for _, id := range step.DependsOn {
		d, ok := byID[id]
		if !ok {
			return nil, model.NewDependencyIntegrityError([]model.FieldError{{
				Field:   step.ID,
				Code:    "DANGLING_DEPENDENCY",
				Message: fmt.Sprintf("step %q depends on unknown step %q", step.label(), id),
			}})
		}
		deps = append(deps, d)
	}
	return deps, nil
}

// IsDependencySatisfied reports whether step's dependencies allow it to
// become ready. ALL needs every dependency COMPLETED, ANY needs at least
// one. A step without dependencies is always satisfied. An unknown
// dependency id is a DEPENDENCY_INTEGRITY error.
func IsDependencySatisfied(step Node, all []Node) (bool, error) {
	if len(step.DependsOn) == 0 {
		return true, nil
	}
	deps, err := lookupDeps(step, index(all))
	if err != nil {
		return false, err
	}

	completed := 0
	for _, d := range deps {
		if d.State == model.StateCompleted {
			completed++
		}
	}
	if step.Logic == model.DependencyAny {
		return completed > 0, nil
	}
	return completed == len(deps), nil
}

// IsUnsatisfiable reports whether step's dependencies can never be met
// because the steps they need were skipped: ALL with any skipped
// dependency, or ANY with every dependency skipped.
func IsUnsatisfiable(step Node, all []Node) (bool, error) {
	if len(step.DependsOn) == 0 {
		return false, nil
	}
	deps, err := lookupDeps(step, index(all))
	if err != nil {
		return false, err
	}

	skipped := 0
	for _, d := range deps {
		if d.State == model.StateSkipped {
			skipped++
		}
	}
	if step.Logic == model.DependencyAny {
		return skipped == len(deps), nil
	}
	return skipped > 0, nil
}

// GetReadySteps returns the non-terminal steps whose dependencies are
// satisfied, in input order.
func GetReadySteps(nodes []Node) ([]Node, error) {
	ready, _, err := partition(nodes)
	return ready, err
}

// GetBlockedSteps returns the non-terminal steps still waiting on a
// dependency, in input order.
func GetBlockedSteps(nodes []Node) ([]Node, error) {
	_, blocked, err := partition(nodes)
	return blocked, err
}

func partition(nodes []Node) (ready, blocked []Node, err error) {
	for _, n := range nodes {
		if statemachine.IsTerminal(n.State) {
			continue
		}
		ok, err := IsDependencySatisfied(n, nodes)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			ready = append(ready, n)
		} else {
			blocked = append(blocked, n)
		}
	}
	return ready, blocked, nil
}

// DetectCycles walks the dependsOn graph depth-first and returns one
// description per cycle found, rendered as a chain of titles such as
// "A -> B -> C -> A". Dangling edges are ignored here.
func DetectCycles(nodes []Node) []string {
	byID := index(nodes)

	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(nodes))
	var path []string
	var cycles []string

	var visit func(id string)
	visit = func(id string) {
		state[id] = onStack
		path = append(path, id)

		for _, dep := range byID[id].DependsOn {
			if _, ok := byID[dep]; !ok {
				continue
			}
			switch state[dep] {
			case unvisited:
				visit(dep)
			case onStack:
				start := 0
				for i, p := range path {
					if p == dep {
						start = i
						break
					}
				}
				chain := make([]string, 0, len(path)-start+1)
				for _, p := range path[start:] {
					chain = append(chain, byID[p].label())
				}
				chain = append(chain, byID[dep].label())
				cycles = append(cycles, strings.Join(chain, " -> "))
			}
		}

		path = path[:len(path)-1]
		state[id] = done
	}

	// Sorted roots keep the reported cycles stable between runs.
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if state[id] == unvisited {
			visit(id)
		}
	}
	return cycles
}

// ValidateWorkflowDependencies rejects self-dependencies, dangling
// references, duplicate ids and cycles. All problems are reported together
// in one DEPENDENCY_INTEGRITY error.
func ValidateWorkflowDependencies(nodes []Node) error {
	var details []model.FieldError
	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if seen[n.ID] {
			details = append(details, model.FieldError{
				Field: n.ID, Code: "DUPLICATE_STEP",
				Message: fmt.Sprintf("step id %q is declared more than once", n.ID),
			})
		}
		seen[n.ID] = true
	}

	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			switch {
			case dep == n.ID:
				details = append(details, model.FieldError{
					Field: n.ID, Code: "SELF_DEPENDENCY",
					Message: fmt.Sprintf("step %q depends on itself", n.label()),
				})
			case !seen[dep]:
				details = append(details, model.FieldError{
					Field: n.ID, Code: "DANGLING_DEPENDENCY",
					Message: fmt.Sprintf("step %q depends on unknown step %q", n.label(), dep),
				})
			}
		}
	}

	for _, c := range DetectCycles(nodes) {
		details = append(details, model.FieldError{
			Field: "dependsOn", Code: "CYCLE",
			Message: "dependency cycle: " + c,
		})
	}

	if len(details) > 0 {
		return model.NewDependencyIntegrityError(details)
	}
	return nil
}
