package hitl

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/fractal/internal/failure"
	"github.com/mohammad-safakhou/fractal/internal/report"
	"github.com/mohammad-safakhou/fractal/internal/task"
)

// Kind is the checkpoint a run can pause at.
type Kind string

const (
	KindPlanApproval  Kind = "plan_approval"
	KindFinalApproval Kind = "final_approval"
)

// State of the approval protocol.
type State string

const (
	StateIdle             State = "idle"
	StateAwaitingApproval State = "awaiting_approval"
	StateResumed          State = "resumed"
	StateReplanRequested  State = "replan_requested"
)

// Action is a human's verdict on a checkpoint.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

// ParseAction accepts the common spellings of approve and reject.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "approved", "yes":
		return ActionApprove, nil
	case "reject", "rejected", "no":
		return ActionReject, nil
	default:
		return "", fmt.Errorf("unknown action %q", s)
	}
}

// Request is the pending checkpoint shown to a reviewer. Exactly one of Plan
// and Deliverable is set, depending on Kind.
type Request struct {
	CheckpointID string              `json:"checkpoint_id"`
	Kind         Kind                `json:"kind"`
	NodeID       string              `json:"node_id"`
	SnapshotRef  string              `json:"snapshot_ref"`
	Plan         *task.Plan          `json:"plan,omitempty"`
	Deliverable  *report.Deliverable `json:"deliverable,omitempty"`
	OpenedAt     time.Time           `json:"opened_at"`
}

// Decision is a reviewer's answer to a Request.
type Decision struct {
	Action   Action `json:"action"`
	Feedback string `json:"feedback,omitempty"`
}

// Validate reports whether the decision can be applied.
func (d Decision) Validate() error {
	switch d.Action {
	case ActionApprove, ActionReject:
		return nil
	default:
		return fmt.Errorf("decision action %q is invalid", d.Action)
	}
}

// Resolution records a consumed decision.
type Resolution struct {
	Request    Request   `json:"request"`
	Decision   Decision  `json:"decision"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Controller is the serializable approval state of one run.
type Controller struct {
	RunID   string       `json:"run_id"`
	State   State        `json:"state"`
	Pending *Request     `json:"pending,omitempty"`
	History []Resolution `json:"history,omitempty"`
}

// NewController returns an idle controller for runID.
func NewController(runID string) *Controller {
	return &Controller{RunID: runID, State: StateIdle}
}

// Artifact is what a checkpoint asks a reviewer to judge.
type Artifact struct {
	Plan        *task.Plan
	Deliverable *report.Deliverable
}

// Open creates a pending request. Only one request may be pending at a time.
func (c *Controller) Open(kind Kind, nodeID string, artifact Artifact, snapshotRef string) (Request, error) {
	if c.Pending != nil {
		return Request{}, fmt.Errorf("checkpoint %s is already pending", c.Pending.CheckpointID)
	}
	switch kind {
	case KindPlanApproval:
		if artifact.Plan == nil {
			return Request{}, fmt.Errorf("plan approval requires a plan")
		}
	case KindFinalApproval:
		if artifact.Deliverable == nil {
			return Request{}, fmt.Errorf("final approval requires a deliverable")
		}
	default:
		return Request{}, fmt.Errorf("unknown checkpoint kind %q", kind)
	}
	req := Request{
		CheckpointID: uuid.NewString(),
		Kind:         kind,
		NodeID:       nodeID,
		SnapshotRef:  snapshotRef,
		Plan:         artifact.Plan,
		Deliverable:  artifact.Deliverable,
		OpenedAt:     time.Now().UTC(),
	}
	c.Pending = &req
	c.State = StateAwaitingApproval
	return req, nil
}

// Resolve consumes the pending request. A decision for any other checkpoint,
// or when nothing is pending, is stale.
func (c *Controller) Resolve(checkpointID string, d Decision) (Resolution, error) {
	if err := d.Validate(); err != nil {
		return Resolution{}, err
	}
	if c.Pending == nil {
		return Resolution{}, failure.StaleApprovalError{RunID: c.RunID, CheckpointID: checkpointID, Reason: "no checkpoint is pending"}
	}
	if c.Pending.CheckpointID != checkpointID {
		return Resolution{}, failure.StaleApprovalError{RunID: c.RunID, CheckpointID: checkpointID, Reason: fmt.Sprintf("pending checkpoint is %s", c.Pending.CheckpointID)}
	}
	res := Resolution{Request: *c.Pending, Decision: d, ResolvedAt: time.Now().UTC()}
	c.Pending = nil
	c.History = append(c.History, res)
	if d.Action == ActionApprove {
		c.State = StateResumed
	} else {
		c.State = StateReplanRequested
	}
	return res, nil
}

// Clear drops any pending request without recording a decision.
func (c *Controller) Clear() {
	c.Pending = nil
	c.State = StateIdle
}

// Settle returns a resumed or replan-requested controller to idle once the
// decision has been acted on.
func (c *Controller) Settle() {
	if c.Pending == nil {
		c.State = StateIdle
	}
}

// Awaiting reports whether a request is pending.
func (c *Controller) Awaiting() bool { return c != nil && c.Pending != nil }
