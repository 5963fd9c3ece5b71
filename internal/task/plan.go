package task

import (
	"fmt"
	"time"
)

// Decision is the orchestrator's verdict for a node.
type Decision string

const (
	// DecisionDecompose emits one or more children.
	DecisionDecompose Decision = "decompose"
	// DecisionExecute marks the node directly executable by a role.
	DecisionExecute Decision = "execute"
	// DecisionComplete completes the node from knowledge already gathered.
	DecisionComplete Decision = "complete"
)

// ChildSpec describes one child a plan wants to create.
type ChildSpec struct {
	Objective string `json:"objective"`
	Role      Role   `json:"role"`
	Expand    bool   `json:"expand,omitempty"`
}

// Proposal is what a planner returns before the breaker and the tree accept it.
type Proposal struct {
	Decision  Decision    `json:"decision"`
	Role      Role        `json:"role,omitempty"`
	Children  []ChildSpec `json:"children,omitempty"`
	Rationale string      `json:"rationale,omitempty"`
}

// Validate checks the proposal is internally consistent.
func (p Proposal) Validate() error {
	switch p.Decision {
	case DecisionDecompose:
		if len(p.Children) == 0 {
			return fmt.Errorf("decompose proposal has no children")
		}
		for i, c := range p.Children {
			if c.Objective == "" {
				return fmt.Errorf("child %d: objective is required", i)
			}
			if !c.Role.Valid() {
				return fmt.Errorf("child %d: unknown role %q", i, c.Role)
			}
		}
	case DecisionExecute:
		if !p.Role.Valid() {
			return fmt.Errorf("execute proposal has unknown role %q", p.Role)
		}
	case DecisionComplete:
	default:
		return fmt.Errorf("unknown decision %q", p.Decision)
	}
	return nil
}

// Plan is an accepted proposal bound to a node. Plans are never mutated; a
// replan produces a new Plan that names the one it supersedes.
type Plan struct {
	ID         string      `json:"id"`
	NodeID     string      `json:"node_id"`
	Version    int         `json:"version"`
	Decision   Decision    `json:"decision"`
	Role       Role        `json:"role,omitempty"`
	Children   []ChildSpec `json:"children,omitempty"`
	Rationale  string      `json:"rationale,omitempty"`
	Supersedes string      `json:"supersedes,omitempty"`
	Forced     bool        `json:"forced,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}
