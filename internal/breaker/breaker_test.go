package breaker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/mohammad-safakhou/fractal/internal/budget"
	"github.com/mohammad-safakhou/fractal/internal/task"
)

func specs(objectives ...string) []task.ChildSpec {
	out := make([]task.ChildSpec, len(objectives))
	for i, o := range objectives {
		out[i] = task.ChildSpec{Objective: o, Role: task.RoleGatherer}
	}
	return out
}

func TestDepthLimit(t *testing.T) {
	l := Limits{MaxDepth: 2, MaxNodes: 100}
	v := Check(l, Counters{NodesCreated: 3}, task.Node{ID: "root.1.1", Depth: 2}, nil, specs("x"))
	assert.False(t, v.Allowed)
	assert.Equal(t, LimitDepth, v.Limit)

	v = Check(l, Counters{NodesCreated: 3}, task.Node{ID: "root.1", Depth: 1}, nil, specs("x"))
	assert.True(t, v.Allowed)
}

func TestIterationBudget(t *testing.T) {
	l := Limits{MaxDepth: 10, MaxNodes: 3}
	v := Check(l, Counters{NodesCreated: 1}, task.Node{ID: "root"}, nil, specs("a", "b"))
	require.True(t, v.Allowed)

	v = Check(l, Counters{NodesCreated: 3}, task.Node{ID: "root.1", Depth: 1}, nil, specs("c", "d"))
	assert.False(t, v.Allowed)
	assert.Equal(t, LimitNodes, v.Limit)

	v = Check(l, Counters{NodesCreated: 2}, task.Node{ID: "root.1", Depth: 1}, nil, specs("c", "d"))
	assert.False(t, v.Allowed, "a partial expansion is never admitted")
}

func TestCycleDetection(t *testing.T) {
	l := Limits{MaxDepth: 10, MaxNodes: 100, DetectCycles: true}
	node := task.Node{ID: "root.1", Depth: 1, Objective: "Compare vendors"}
	ancestors := []task.Node{{ID: "root", Objective: "Research  the Market"}}

	v := Check(l, Counters{NodesCreated: 2}, node, ancestors, specs("pricing", "research the market", "COMPARE vendors"))
	assert.False(t, v.Allowed)
	assert.Equal(t, LimitCycle, v.Limit)
	assert.Equal(t, []int{1, 2}, v.CycleChildren)

	l.DetectCycles = false
	v = Check(l, Counters{NodesCreated: 2}, node, ancestors, specs("research the market"))
	assert.True(t, v.Allowed)
}

func TestBudgetLimit(t *testing.T) {
	maxCost := 1.0
	l := Limits{MaxDepth: 5, MaxNodes: 100, Budget: budget.Config{MaxCost: &maxCost}}
	v := Precheck(l, Counters{NodesCreated: 1, Usage: budget.Usage{Cost: 1.5}}, task.Node{ID: "root"})
	assert.False(t, v.Allowed)
	assert.Equal(t, LimitBudget, v.Limit)
}

func TestObjectiveHashNormalises(t *testing.T) {
	assert.Equal(t, ObjectiveHash("List  three\tfacts"), ObjectiveHash("list three facts"))
	assert.NotEqual(t, ObjectiveHash("a"), ObjectiveHash("b"))
}

func TestAllowedExpansionNeverExceedsLimits(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		l := Limits{
			MaxDepth: rapid.IntRange(0, 6).Draw(rt, "max_depth"),
			MaxNodes: rapid.IntRange(1, 40).Draw(rt, "max_nodes"),
		}
		created := rapid.IntRange(1, 45).Draw(rt, "created")
		depth := rapid.IntRange(0, 8).Draw(rt, "depth")
		n := rapid.IntRange(1, 10).Draw(rt, "children")
		children := make([]task.ChildSpec, n)
		for i := range children {
			children[i] = task.ChildSpec{Objective: "c", Role: task.RoleGatherer}
		}
		v := Check(l, Counters{NodesCreated: created}, task.Node{Depth: depth}, nil, children)
		if v.Allowed {
			if depth+1 > l.MaxDepth {
				rt.Fatalf("child depth %d exceeds max_depth %d", depth+1, l.MaxDepth)
			}
			if created+n > l.MaxNodes {
				rt.Fatalf("node count %d exceeds max_nodes %d", created+n, l.MaxNodes)
			}
		}
	})
}
