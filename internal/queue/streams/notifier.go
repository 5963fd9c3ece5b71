// Package streams carries checkpoint notifications, reviewer decisions and
// run outcomes over Redis Streams.
package streams

import (
	"context"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/fractal/internal/engine"
	"github.com/mohammad-safakhou/fractal/internal/hitl"
	"github.com/mohammad-safakhou/fractal/internal/report"
	"github.com/mohammad-safakhou/fractal/internal/task"
)

// Default stream names.
const (
	DefaultApprovalStream = "fractal.approvals"
	DefaultDecisionStream = "fractal.decisions"
	DefaultRunStream      = "fractal.runs"
)

const payloadVersion = "v1"

// Topology names the streams used by one deployment.
type Topology struct {
	Approvals string
	Decisions string
	Runs      string
}

// DefaultTopology returns the default stream names.
func DefaultTopology() Topology {
	return Topology{Approvals: DefaultApprovalStream, Decisions: DefaultDecisionStream, Runs: DefaultRunStream}
}

func (t Topology) withDefaults() Topology {
	d := DefaultTopology()
	if t.Approvals == "" {
		t.Approvals = d.Approvals
	}
	if t.Decisions == "" {
		t.Decisions = d.Decisions
	}
	if t.Runs == "" {
		t.Runs = d.Runs
	}
	return t
}

// ApprovalRequested is published when a run suspends at a checkpoint.
type ApprovalRequested struct {
	RunID        string              `json:"run_id"`
	CheckpointID string              `json:"checkpoint_id"`
	Kind         string              `json:"kind"`
	NodeID       string              `json:"node_id"`
	SnapshotRef  string              `json:"snapshot_ref"`
	OpenedAt     time.Time           `json:"opened_at"`
	Plan         *task.Plan          `json:"plan,omitempty"`
	Deliverable  *report.Deliverable `json:"deliverable,omitempty"`
}

// ApprovalDecision is a reviewer's answer, consumed by DecisionListener.
type ApprovalDecision struct {
	RunID        string `json:"run_id"`
	CheckpointID string `json:"checkpoint_id"`
	Action       string `json:"action"`
	Feedback     string `json:"feedback,omitempty"`
	DecidedBy    string `json:"decided_by,omitempty"`
}

// RunFinished summarises a run that reached a terminal phase.
type RunFinished struct {
	RunID      string     `json:"run_id"`
	Phase      string     `json:"phase"`
	Reason     string     `json:"reason,omitempty"`
	Version    int        `json:"version"`
	Nodes      int        `json:"nodes"`
	Tokens     int64      `json:"tokens"`
	Cost       float64    `json:"cost"`
	Citations  int        `json:"citations"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Notifier publishes engine notifications. It satisfies engine.Notifier.
type Notifier struct {
	publisher *Publisher
	topo      Topology
}

// NewNotifier publishes through p onto topo's streams.
func NewNotifier(p *Publisher, topo Topology) *Notifier {
	return &Notifier{publisher: p, topo: topo.withDefaults()}
}

func (n *Notifier) ApprovalRequested(ctx context.Context, runID string, req hitl.Request) error {
	payload := ApprovalRequested{
		RunID:        runID,
		CheckpointID: req.CheckpointID,
		Kind:         string(req.Kind),
		NodeID:       req.NodeID,
		SnapshotRef:  req.SnapshotRef,
		OpenedAt:     req.OpenedAt,
		Plan:         req.Plan,
		Deliverable:  req.Deliverable,
	}
	if _, err := n.publisher.Publish(ctx, Event{Stream: n.topo.Approvals, RunID: runID, Type: EventApprovalRequested, Payload: payload}); err != nil {
		return fmt.Errorf("publish %s: %w", EventApprovalRequested, err)
	}
	return nil
}

func (n *Notifier) RunFinished(ctx context.Context, st engine.Status) error {
	payload := RunFinished{
		RunID:      st.RunID,
		Phase:      string(st.Phase),
		Reason:     st.Reason,
		Version:    st.Version,
		Nodes:      len(st.Nodes),
		Tokens:     st.Counters.Usage.Tokens,
		Cost:       st.Counters.Usage.Cost,
		FinishedAt: st.FinishedAt,
	}
	if st.Deliverable != nil {
		payload.Citations = len(st.Deliverable.Citations)
	}
	if _, err := n.publisher.Publish(ctx, Event{Stream: n.topo.Runs, RunID: st.RunID, Type: EventRunFinished, Payload: payload}); err != nil {
		return fmt.Errorf("publish %s: %w", EventRunFinished, err)
	}
	return nil
}

// PublishDecision submits a reviewer decision onto the decision stream.
func (n *Notifier) PublishDecision(ctx context.Context, d ApprovalDecision) (string, error) {
	action, err := hitl.ParseAction(d.Action)
	if err != nil {
		return "", err
	}
	d.Action = string(action)
	return n.publisher.Publish(ctx, Event{Stream: n.topo.Decisions, RunID: d.RunID, Type: EventApprovalDecision, Payload: d})
}

var _ engine.Notifier = (*Notifier)(nil)
