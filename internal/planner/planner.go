// Package planner turns a node and its distilled context into a proposal:
// decompose into children, execute directly with a role, or complete.
package planner

import (
	"context"

	"github.com/mohammad-safakhou/fractal/internal/capability"
	"github.com/mohammad-safakhou/fractal/internal/task"
)

// DefaultMaxChildren bounds a decomposition when the request leaves it unset.
const DefaultMaxChildren = 10

// Request asks for the first plan of a node.
type Request struct {
	RunID string
	Node  task.Node
	Query string
	// Context is the rendered, bounded knowledge view for the node's objective.
	Context        string
	AllowDecompose bool
	MaxChildren    int
	Persona        string
}

// ChildEvidence is what one settled child of the prior plan produced.
type ChildEvidence struct {
	NodeID    string              `json:"node_id"`
	Objective string              `json:"objective"`
	Role      task.Role           `json:"role,omitempty"`
	Status    task.Status         `json:"status"`
	Summary   string              `json:"summary,omitempty"`
	Reason    string              `json:"reason,omitempty"`
	Verdict   *capability.Verdict `json:"verdict,omitempty"`
}

// Evidence feeds a replan with human feedback and child outcomes.
type Evidence struct {
	Feedback string          `json:"feedback,omitempty"`
	Children []ChildEvidence `json:"children,omitempty"`
}

// Failed lists children that failed or whose verification did not pass.
func (e Evidence) Failed() []ChildEvidence {
	var out []ChildEvidence
	for _, c := range e.Children {
		if c.Status == task.StatusFailed || (c.Verdict != nil && !c.Verdict.Passed) {
			out = append(out, c)
		}
	}
	return out
}

// ReplanRequest asks for a plan superseding Prior.
type ReplanRequest struct {
	Request
	Prior    *task.Plan
	Evidence Evidence
	// Final is set when the replan follows rejection of the deliverable.
	Final bool
}

// Result is a proposal plus what it cost to obtain.
type Result struct {
	Proposal task.Proposal
	Attempts int
	Tokens   int64
	Cost     float64
}

// Planner is the orchestrator.
type Planner interface {
	Plan(ctx context.Context, req Request) (Result, error)
	Replan(ctx context.Context, req ReplanRequest) (Result, error)
}

// Clamp trims a proposal to MaxChildren and drops children from anything
// that is not a decomposition. A decomposition the request does not allow is
// passed through unchanged: the circuit breaker vetoes it when the plan is
// applied, so the veto is recorded in the run trace.
func Clamp(p task.Proposal, req Request) task.Proposal {
	max := req.MaxChildren
	if max <= 0 {
		max = DefaultMaxChildren
	}
	if p.Decision != task.DecisionDecompose {
		p.Children = nil
		return p
	}
	if len(p.Children) > max {
		p.Children = append([]task.ChildSpec(nil), p.Children[:max]...)
	}
	return p
}

// Funcs adapts a pair of functions to the Planner interface. A nil
// ReplanFn completes the node.
type Funcs struct {
	PlanFn   func(ctx context.Context, req Request) (Result, error)
	ReplanFn func(ctx context.Context, req ReplanRequest) (Result, error)
}

func (f Funcs) Plan(ctx context.Context, req Request) (Result, error) { return f.PlanFn(ctx, req) }

func (f Funcs) Replan(ctx context.Context, req ReplanRequest) (Result, error) {
	if f.ReplanFn == nil {
		return Result{Proposal: task.Proposal{Decision: task.DecisionComplete}}, nil
	}
	return f.ReplanFn(ctx, req)
}
