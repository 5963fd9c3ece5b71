package hitl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/fractal/internal/failure"
	"github.com/mohammad-safakhou/fractal/internal/report"
	"github.com/mohammad-safakhou/fractal/internal/task"
)

func TestOpenResolveApprove(t *testing.T) {
	c := NewController("run-1")
	plan := &task.Plan{ID: "p1", NodeID: task.RootID, Decision: task.DecisionDecompose}

	req, err := c.Open(KindPlanApproval, task.RootID, Artifact{Plan: plan}, "run-1@3")
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingApproval, c.State)
	assert.True(t, c.Awaiting())
	assert.NotEmpty(t, req.CheckpointID)
	assert.Equal(t, "run-1@3", req.SnapshotRef)

	_, err = c.Open(KindPlanApproval, task.RootID, Artifact{Plan: plan}, "")
	require.Error(t, err, "only one request may be pending")

	res, err := c.Resolve(req.CheckpointID, Decision{Action: ActionApprove})
	require.NoError(t, err)
	assert.Equal(t, req.CheckpointID, res.Request.CheckpointID)
	assert.Equal(t, StateResumed, c.State)
	assert.Nil(t, c.Pending)
	assert.Len(t, c.History, 1)
}

func TestSecondDecisionIsStale(t *testing.T) {
	c := NewController("run-1")
	req, err := c.Open(KindFinalApproval, task.RootID, Artifact{Deliverable: &report.Deliverable{Query: "q"}}, "")
	require.NoError(t, err)

	_, err = c.Resolve(req.CheckpointID, Decision{Action: ActionReject, Feedback: "more depth"})
	require.NoError(t, err)
	assert.Equal(t, StateReplanRequested, c.State)

	_, err = c.Resolve(req.CheckpointID, Decision{Action: ActionApprove})
	var stale failure.StaleApprovalError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, "run-1", stale.RunID)
	assert.Len(t, c.History, 1)
}

func TestResolveWrongCheckpointIsStale(t *testing.T) {
	c := NewController("run-2")
	_, err := c.Open(KindPlanApproval, task.RootID, Artifact{Plan: &task.Plan{ID: "p"}}, "")
	require.NoError(t, err)

	_, err = c.Resolve("not-the-one", Decision{Action: ActionApprove})
	assert.True(t, failure.IsStale(err))
	assert.True(t, c.Awaiting(), "a stale decision leaves the pending request in place")
}

func TestOpenValidatesArtifact(t *testing.T) {
	c := NewController("r")
	_, err := c.Open(KindPlanApproval, task.RootID, Artifact{}, "")
	assert.Error(t, err)
	_, err = c.Open(KindFinalApproval, task.RootID, Artifact{Plan: &task.Plan{}}, "")
	assert.Error(t, err)
	_, err = c.Open(Kind("other"), task.RootID, Artifact{Plan: &task.Plan{}}, "")
	assert.Error(t, err)
	assert.False(t, c.Awaiting())
}

func TestDecisionValidation(t *testing.T) {
	c := NewController("r")
	_, err := c.Resolve("x", Decision{Action: "maybe"})
	require.Error(t, err)
	assert.False(t, failure.IsStale(err))

	a, err := ParseAction(" Approved ")
	require.NoError(t, err)
	assert.Equal(t, ActionApprove, a)
	_, err = ParseAction("perhaps")
	assert.Error(t, err)
}

func TestSettle(t *testing.T) {
	c := NewController("r")
	req, err := c.Open(KindFinalApproval, task.RootID, Artifact{Deliverable: &report.Deliverable{}}, "")
	require.NoError(t, err)
	c.Settle()
	assert.Equal(t, StateAwaitingApproval, c.State, "a pending request is not settled")

	_, err = c.Resolve(req.CheckpointID, Decision{Action: ActionReject, Feedback: "more"})
	require.NoError(t, err)
	assert.Equal(t, StateReplanRequested, c.State)
	c.Settle()
	assert.Equal(t, StateIdle, c.State)
	assert.Len(t, c.History, 1)
}
