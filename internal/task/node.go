package task

import "fmt"

// Role is the kind of worker a node is dispatched to.
type Role string

const (
	RoleGatherer  Role = "gatherer"
	RoleProcessor Role = "processor"
	RoleVerifier  Role = "verifier"
)

// Valid reports whether r is one of the known worker roles.
func (r Role) Valid() bool {
	switch r {
	case RoleGatherer, RoleProcessor, RoleVerifier:
		return true
	}
	return false
}

// ParseRole normalises a role name, returning an error for unknown roles.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Status is the lifecycle position of a node.
type Status string

const (
	StatusPending          Status = "pending"
	StatusPlanned          Status = "planned"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusPruned           Status = "pruned"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusPruned
}

var transitions = map[Status][]Status{
	StatusPending:          {StatusPlanned, StatusAwaitingApproval, StatusCompleted, StatusFailed, StatusPruned},
	StatusPlanned:          {StatusPlanned, StatusRunning, StatusAwaitingApproval, StatusCompleted, StatusFailed, StatusPruned},
	StatusRunning:          {StatusCompleted, StatusAwaitingApproval, StatusFailed, StatusPruned},
	StatusAwaitingApproval: {StatusPlanned, StatusCompleted, StatusFailed, StatusPruned},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrIllegalTransition is returned when a status change violates the lifecycle table.
var ErrIllegalTransition = fmt.Errorf("illegal status transition")

// Node is a unit of work in the recursive tree.
type Node struct {
	ID           string `json:"id"`
	ParentID     string `json:"parent_id,omitempty"`
	Depth        int    `json:"depth"`
	Seq          int    `json:"seq"`
	Objective    string `json:"objective"`
	Role         Role   `json:"role,omitempty"`
	Status       Status `json:"status"`
	Expand       bool   `json:"expand,omitempty"`
	PlanID       string `json:"plan_id,omitempty"`
	ActivePlanID string `json:"active_plan_id,omitempty"`
	ResultRef    string `json:"result_ref,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Replans      int    `json:"replans,omitempty"`
}

// IsRoot reports whether the node has no parent.
func (n Node) IsRoot() bool { return n.ParentID == "" }

// Interior reports whether the node is currently waiting on the children of a plan.
func (n Node) Interior() bool { return n.ActivePlanID != "" }
