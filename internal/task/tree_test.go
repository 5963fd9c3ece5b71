package task

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAssignsDepthAndHierarchicalIDs(t *testing.T) {
	tr := NewTree("root objective")
	require.NoError(t, tr.Transition(RootID, StatusPlanned, ""))

	a, err := tr.Add(RootID, ChildSpec{Objective: "a", Role: RoleGatherer}, "p1", StatusPlanned)
	require.NoError(t, err)
	b, err := tr.Add(RootID, ChildSpec{Objective: "b", Role: RoleVerifier}, "p1", StatusPlanned)
	require.NoError(t, err)
	aa, err := tr.Add(a.ID, ChildSpec{Objective: "aa", Role: RoleGatherer}, "p2", StatusPending)
	require.NoError(t, err)

	assert.Equal(t, "root.1", a.ID)
	assert.Equal(t, "root.2", b.ID)
	assert.Equal(t, "root.1.1", aa.ID)
	assert.Equal(t, 1, a.Depth)
	assert.Equal(t, 2, aa.Depth)
	assert.Equal(t, 4, tr.Len())
	assert.Equal(t, 2, tr.MaxDepth())

	anc := tr.Ancestors(aa.ID)
	require.Len(t, anc, 2)
	assert.Equal(t, "root.1", anc[0].ID)
	assert.Equal(t, RootID, anc[1].ID)
}

func TestAddRejectsTerminalParent(t *testing.T) {
	tr := NewTree("q")
	require.NoError(t, tr.Transition(RootID, StatusFailed, "boom"))
	_, err := tr.Add(RootID, ChildSpec{Objective: "x", Role: RoleGatherer}, "p", StatusPlanned)
	require.Error(t, err)
}

func TestCanAddChecksEveryPendingID(t *testing.T) {
	tr := NewTree("q")
	require.NoError(t, tr.Transition(RootID, StatusPlanned, ""))
	_, err := tr.Add(RootID, ChildSpec{Objective: "a", Role: RoleGatherer}, "p1", StatusPlanned)
	require.NoError(t, err)

	require.NoError(t, tr.CanAdd(RootID, 3))
	tr.Nodes["root.3"] = &Node{ID: "root.3", ParentID: "elsewhere", Status: StatusPlanned}
	require.NoError(t, tr.CanAdd(RootID, 1))
	assert.ErrorContains(t, tr.CanAdd(RootID, 2), `duplicate id "root.3"`)
	assert.ErrorContains(t, tr.CanAdd("root.9", 1), "unknown parent")

	require.NoError(t, tr.Transition("root.1", StatusCompleted, ""))
	assert.Error(t, tr.CanAdd("root.1", 1))
	assert.Equal(t, 2, tr.Len(), "CanAdd never creates nodes")
}

func TestTransitionTable(t *testing.T) {
	tr := NewTree("q")
	require.NoError(t, tr.Transition(RootID, StatusPlanned, ""))
	require.NoError(t, tr.Transition(RootID, StatusRunning, ""))
	require.NoError(t, tr.Transition(RootID, StatusCompleted, ""))

	err := tr.Transition(RootID, StatusPruned, "late")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIllegalTransition))
	assert.Equal(t, StatusCompleted, tr.Root().Status)
}

func TestRunnableRequiresReadyParent(t *testing.T) {
	tr := NewTree("q")
	require.NoError(t, tr.Transition(RootID, StatusAwaitingApproval, ""))
	tr.Root().ActivePlanID = "p1"
	c, err := tr.Add(RootID, ChildSpec{Objective: "c", Role: RoleGatherer}, "p1", StatusPlanned)
	require.NoError(t, err)

	assert.Empty(t, tr.Runnable(), "children must wait while the plan awaits approval")

	require.NoError(t, tr.Transition(RootID, StatusPlanned, ""))
	runnable := tr.Runnable()
	require.Len(t, runnable, 1)
	assert.Equal(t, c.ID, runnable[0].ID)
	assert.Empty(t, tr.Rollups())

	require.NoError(t, tr.Transition(c.ID, StatusRunning, ""))
	require.NoError(t, tr.Transition(c.ID, StatusCompleted, ""))
	rollups := tr.Rollups()
	require.Len(t, rollups, 1)
	assert.Equal(t, RootID, rollups[0].ID)
}

func TestNeedsPlanningAndNonTerminal(t *testing.T) {
	tr := NewTree("q")
	require.Len(t, tr.NeedsPlanning(), 1)

	require.NoError(t, tr.Transition(RootID, StatusPlanned, ""))
	tr.Root().ActivePlanID = "p1"
	_, err := tr.Add(RootID, ChildSpec{Objective: "deep", Role: RoleGatherer, Expand: true}, "p1", StatusPending)
	require.NoError(t, err)
	_, err = tr.Add(RootID, ChildSpec{Objective: "leaf", Role: RoleGatherer}, "p1", StatusPlanned)
	require.NoError(t, err)

	planning := tr.NeedsPlanning()
	require.Len(t, planning, 1)
	assert.Equal(t, "root.1", planning[0].ID)
	assert.Len(t, tr.NonTerminal(), 3)
	assert.Len(t, tr.PlanChildren("p1"), 2)
	assert.Len(t, tr.Descendants(RootID), 2)
}

func TestProposalValidate(t *testing.T) {
	cases := []struct {
		name string
		p    Proposal
		ok   bool
	}{
		{"execute", Proposal{Decision: DecisionExecute, Role: RoleGatherer}, true},
		{"execute without role", Proposal{Decision: DecisionExecute}, false},
		{"complete", Proposal{Decision: DecisionComplete}, true},
		{"decompose", Proposal{Decision: DecisionDecompose, Children: []ChildSpec{{Objective: "a", Role: RoleProcessor}}}, true},
		{"decompose empty", Proposal{Decision: DecisionDecompose}, false},
		{"decompose bad role", Proposal{Decision: DecisionDecompose, Children: []ChildSpec{{Objective: "a", Role: "chef"}}}, false},
		{"unknown", Proposal{Decision: "dance"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.p.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
