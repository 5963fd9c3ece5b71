package task

import (
	"fmt"
	"strconv"
)

// RootID is the identifier of every tree's root node.
const RootID = "root"

// Tree is an arena of nodes indexed by id. Edges are stored only as parent
// pointers; children are derived from creation order.
type Tree struct {
	Nodes map[string]*Node `json:"nodes"`
	Order []string         `json:"order"`
}

// NewTree creates a tree holding a single pending root node.
func NewTree(objective string) *Tree {
	root := &Node{ID: RootID, Objective: objective, Status: StatusPending, Expand: true}
	return &Tree{
		Nodes: map[string]*Node{RootID: root},
		Order: []string{RootID},
	}
}

// Len returns the number of nodes ever created, pruned ones included.
func (t *Tree) Len() int { return len(t.Order) }

// Root returns the root node.
func (t *Tree) Root() *Node { return t.Nodes[RootID] }

// Get looks up a node by id.
func (t *Tree) Get(id string) (*Node, bool) {
	n, ok := t.Nodes[id]
	return n, ok
}

// CanAdd reports whether n children can be added under parentID, so callers
// can reject a plan before changing anything.
func (t *Tree) CanAdd(parentID string, n int) error {
	parent, ok := t.Nodes[parentID]
	if !ok {
		return fmt.Errorf("add child: unknown parent %q", parentID)
	}
	if parent.Status.Terminal() {
		return fmt.Errorf("add child: parent %s is %s", parentID, parent.Status)
	}
	next := len(t.Children(parentID))
	for i := 1; i <= n; i++ {
		if id := childID(parentID, next+i); t.Nodes[id] != nil {
			return fmt.Errorf("add child: duplicate id %q", id)
		}
	}
	return nil
}

func childID(parentID string, n int) string { return parentID + "." + strconv.Itoa(n) }

// Add creates a child of parentID from spec. The caller is responsible for
// consulting the breaker first.
func (t *Tree) Add(parentID string, spec ChildSpec, planID string, status Status) (*Node, error) {
	if err := t.CanAdd(parentID, 1); err != nil {
		return nil, err
	}
	parent := t.Nodes[parentID]
	id := childID(parentID, len(t.Children(parentID))+1)
	n := &Node{
		ID:        id,
		ParentID:  parentID,
		Depth:     parent.Depth + 1,
		Seq:       len(t.Order),
		Objective: spec.Objective,
		Role:      spec.Role,
		Status:    status,
		Expand:    spec.Expand,
		PlanID:    planID,
	}
	t.Nodes[id] = n
	t.Order = append(t.Order, id)
	return n, nil
}

// Transition moves a node to a new status, recording reason when non-empty.
func (t *Tree) Transition(id string, to Status, reason string) error {
	n, ok := t.Nodes[id]
	if !ok {
		return fmt.Errorf("transition: unknown node %q", id)
	}
	if !CanTransition(n.Status, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, id, n.Status, to)
	}
	n.Status = to
	if reason != "" {
		n.Reason = reason
	}
	return nil
}

// Children returns the direct children of id in creation order.
func (t *Tree) Children(id string) []*Node {
	var out []*Node
	for _, cid := range t.Order {
		if n := t.Nodes[cid]; n.ParentID == id {
			out = append(out, n)
		}
	}
	return out
}

// PlanChildren returns the nodes created by the given plan.
func (t *Tree) PlanChildren(planID string) []*Node {
	if planID == "" {
		return nil
	}
	var out []*Node
	for _, id := range t.Order {
		if n := t.Nodes[id]; n.PlanID == planID {
			out = append(out, n)
		}
	}
	return out
}

// Descendants returns every node below id, depth-first in creation order.
func (t *Tree) Descendants(id string) []*Node {
	var out []*Node
	for _, c := range t.Children(id) {
		out = append(out, c)
		out = append(out, t.Descendants(c.ID)...)
	}
	return out
}

// Ancestors returns the chain from the parent of id up to the root.
func (t *Tree) Ancestors(id string) []*Node {
	var out []*Node
	n, ok := t.Nodes[id]
	for ok && n.ParentID != "" {
		n, ok = t.Nodes[n.ParentID]
		if ok {
			out = append(out, n)
		}
	}
	return out
}

// ParentReady reports whether the node's parent allows it to progress.
func (t *Tree) ParentReady(n *Node) bool {
	if n.IsRoot() {
		return true
	}
	p, ok := t.Nodes[n.ParentID]
	if !ok {
		return false
	}
	return p.Status == StatusPlanned || p.Status == StatusCompleted
}

// NeedsPlanning lists pending nodes whose parent is ready.
func (t *Tree) NeedsPlanning() []*Node {
	return t.filter(func(n *Node) bool {
		return n.Status == StatusPending && t.ParentReady(n)
	})
}

// Runnable lists planned leaves whose parent is ready.
func (t *Tree) Runnable() []*Node {
	return t.filter(func(n *Node) bool {
		return n.Status == StatusPlanned && !n.Interior() && t.ParentReady(n)
	})
}

// Rollups lists interior nodes whose active plan has fully settled.
func (t *Tree) Rollups() []*Node {
	return t.filter(func(n *Node) bool {
		if n.Status != StatusPlanned || !n.Interior() || !t.ParentReady(n) {
			return false
		}
		for _, c := range t.PlanChildren(n.ActivePlanID) {
			if !c.Status.Terminal() {
				return false
			}
		}
		return true
	})
}

// NonTerminal lists every node that can still change status.
func (t *Tree) NonTerminal() []*Node {
	return t.filter(func(n *Node) bool { return !n.Status.Terminal() })
}

// MaxDepth returns the deepest depth present in the tree.
func (t *Tree) MaxDepth() int {
	max := 0
	for _, n := range t.Nodes {
		if n.Depth > max {
			max = n.Depth
		}
	}
	return max
}

func (t *Tree) filter(keep func(*Node) bool) []*Node {
	var out []*Node
	for _, id := range t.Order {
		if n := t.Nodes[id]; keep(n) {
			out = append(out, n)
		}
	}
	return out
}
