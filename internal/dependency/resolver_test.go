package dependency

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/matterflow/model"
)

func node(id string, state model.ActionState, logic model.DependencyLogic, deps ...string) Node {
	return Node{ID: id, Title: id, State: state, Logic: logic, DependsOn: deps}
}

func TestIsDependencySatisfied_All(t *testing.T) {
	tests := []struct {
		name   string
		a, b   model.ActionState
		expect bool
	}{
		{"both completed", model.StateCompleted, model.StateCompleted, true},
		{"one completed", model.StateCompleted, model.StateInProgress, false},
		{"none completed", model.StatePending, model.StateReady, false},
		{"one skipped", model.StateCompleted, model.StateSkipped, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			all := []Node{
				node("a", tt.a, ""),
				node("b", tt.b, ""),
				node("c", model.StatePending, model.DependencyAll, "a", "b"),
			}
			ok, err := IsDependencySatisfied(all[2], all)
			require.NoError(t, err)
			assert.Equal(t, tt.expect, ok)
		})
	}
}

func TestIsDependencySatisfied_Any(t *testing.T) {
	all := []Node{
		node("a", model.StateFailed, ""),
		node("b", model.StatePending, ""),
		node("c", model.StatePending, model.DependencyAny, "a", "b"),
	}
	ok, err := IsDependencySatisfied(all[2], all)
	require.NoError(t, err)
	assert.False(t, ok)

	all[1].State = model.StateCompleted
	ok, err = IsDependencySatisfied(all[2], all)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIsDependencySatisfied_NoDependencies(t *testing.T) {
	all := []Node{
		node("a", model.StateFailed, ""),
		node("b", model.StatePending, ""),
	}
	ok, err := IsDependencySatisfied(all[1], all)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIsDependencySatisfied_Dangling(t *testing.T) {
	all := []Node{node("a", model.StatePending, "", "ghost")}
	_, err := IsDependencySatisfied(all[0], all)
	require.Error(t, err)
	assert.Equal(t, model.ErrDependencyIntegrity, model.CodeOf(err))
}

func TestIsUnsatisfiable(t *testing.T) {
	all := []Node{
		node("a", model.StateSkipped, ""),
		node("b", model.StateCompleted, ""),
		node("allStep", model.StatePending, model.DependencyAll, "a", "b"),
		node("anyStep", model.StatePending, model.DependencyAny, "a", "b"),
		node("anySkipped", model.StatePending, model.DependencyAny, "a"),
	}

	got, err := IsUnsatisfiable(all[2], all)
	require.NoError(t, err)
	assert.True(t, got, "ALL with a skipped dependency")

	got, err = IsUnsatisfiable(all[3], all)
	require.NoError(t, err)
	assert.False(t, got, "ANY with one live dependency")

	got, err = IsUnsatisfiable(all[4], all)
	require.NoError(t, err)
	assert.True(t, got, "ANY with every dependency skipped")
}

func TestDetectCycles(t *testing.T) {
	cyclic := []Node{
		node("A", "", "", "B"),
		node("B", "", "", "C"),
		node("C", "", "", "A"),
	}
	cycles := DetectCycles(cyclic)
	require.Len(t, cycles, 1)
	assert.Equal(t, "A -> B -> C -> A", cycles[0])

	chain := []Node{
		node("A", "", ""),
		node("B", "", "", "A"),
		node("C", "", "", "B"),
	}
	assert.Empty(t, DetectCycles(chain))
}

func TestDetectCycles_UsesTitles(t *testing.T) {
	nodes := []Node{
		{ID: "s1", Title: "Engagement letter", DependsOn: []string{"s2"}},
		{ID: "s2", Title: "Retainer", DependsOn: []string{"s1"}},
	}
	cycles := DetectCycles(nodes)
	require.Len(t, cycles, 1)
	assert.Equal(t, "Engagement letter -> Retainer -> Engagement letter", cycles[0])
}

func TestGetReadyAndBlockedSteps(t *testing.T) {
	nodes := []Node{
		node("intake", model.StateCompleted, ""),
		node("review", model.StatePending, "", "intake"),
		node("sign", model.StatePending, "", "review"),
		node("pay", model.StateSkipped, ""),
	}

	ready, err := GetReadySteps(nodes)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "review", ready[0].ID)

	blocked, err := GetBlockedSteps(nodes)
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, "sign", blocked[0].ID)
}

func TestValidateWorkflowDependencies(t *testing.T) {
	assert.NoError(t, ValidateWorkflowDependencies([]Node{
		node("a", "", ""),
		node("b", "", "", "a"),
	}))

	tests := []struct {
		name     string
		nodes    []Node
		wantCode string
	}{
		{"self dependency", []Node{node("a", "", "", "a")}, "SELF_DEPENDENCY"},
		{"dangling", []Node{node("a", "", "", "missing")}, "DANGLING_DEPENDENCY"},
		{"cycle", []Node{node("a", "", "", "b"), node("b", "", "", "a")}, "CYCLE"},
		{"duplicate", []Node{node("a", "", ""), node("a", "", "")}, "DUPLICATE_STEP"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateWorkflowDependencies(tt.nodes)
			require.Error(t, err)

			var env *model.ErrorEnvelope
			require.ErrorAs(t, err, &env)
			assert.Equal(t, model.ErrDependencyIntegrity, env.Code)

			codes := make([]string, 0, len(env.Details))
			for _, d := range env.Details {
				codes = append(codes, d.Code)
			}
			assert.Contains(t, codes, tt.wantCode)
		})
	}
}

func TestFromInstanceSteps(t *testing.T) {
	nodes := FromInstanceSteps([]model.InstanceStep{{
		ID: "s1", Title: "Intake", DependsOn: []string{"s0"},
		DependencyLogic: model.DependencyAny, ActionState: model.StateReady,
	}})
	require.Len(t, nodes, 1)
	assert.Equal(t, Node{ID: "s1", Title: "Intake", DependsOn: []string{"s0"}, Logic: model.DependencyAny, State: model.StateReady}, nodes[0])
}
