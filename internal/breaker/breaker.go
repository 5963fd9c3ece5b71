package breaker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/fractal/internal/budget"
	"github.com/mohammad-safakhou/fractal/internal/task"
)

// Limit names reported in verdicts and BreakerTripped errors.
const (
	LimitDepth  = "depth"
	LimitNodes  = "nodes"
	LimitCycle  = "cycle"
	LimitBudget = "budget"
)

// Limits are the thresholds a run is held to.
type Limits struct {
	MaxDepth     int           `json:"max_depth"`
	MaxNodes     int           `json:"max_nodes"`
	DetectCycles bool          `json:"detect_cycles"`
	Budget       budget.Config `json:"budget"`
}

// Counters are the run-wide figures the breaker reads.
type Counters struct {
	MaxDepthReached int          `json:"max_depth_reached"`
	NodesCreated    int          `json:"nodes_created"`
	Dispatches      int          `json:"dispatches"`
	Usage           budget.Usage `json:"usage"`
}

// Verdict is the breaker's answer for one proposed expansion.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Limit   string `json:"limit,omitempty"`
	Reason  string `json:"reason,omitempty"`
	// CycleChildren holds the indexes of proposed children whose objective
	// repeats an ancestor's.
	CycleChildren []int `json:"cycle_children,omitempty"`
}

func allow() Verdict { return Verdict{Allowed: true} }

func veto(limit, format string, args ...interface{}) Verdict {
	return Verdict{Limit: limit, Reason: fmt.Sprintf(format, args...)}
}

// Precheck reports whether node may be decomposed at all, before any
// children are proposed.
func Precheck(l Limits, c Counters, node task.Node) Verdict {
	if node.Depth >= l.MaxDepth {
		return veto(LimitDepth, "node at depth %d reached max_depth %d", node.Depth, l.MaxDepth)
	}
	if c.NodesCreated >= l.MaxNodes {
		return veto(LimitNodes, "%d of %d nodes already created", c.NodesCreated, l.MaxNodes)
	}
	if err := budget.Check(l.Budget, c.Usage); err != nil {
		return veto(LimitBudget, "%v", err)
	}
	return allow()
}

// Check evaluates a concrete expansion of node into children. It never
// mutates anything; callers apply the verdict.
func Check(l Limits, c Counters, node task.Node, ancestors []task.Node, children []task.ChildSpec) Verdict {
	if v := Precheck(l, c, node); !v.Allowed {
		return v
	}
	if c.NodesCreated+len(children) > l.MaxNodes {
		return veto(LimitNodes, "expansion of %d children would exceed max_nodes %d (created %d)", len(children), l.MaxNodes, c.NodesCreated)
	}
	if !l.DetectCycles {
		return allow()
	}
	seen := make(map[string]bool, len(ancestors)+1)
	seen[ObjectiveHash(node.Objective)] = true
	for _, a := range ancestors {
		seen[ObjectiveHash(a.Objective)] = true
	}
	var cycles []int
	for i, child := range children {
		if seen[ObjectiveHash(child.Objective)] {
			cycles = append(cycles, i)
		}
	}
	if len(cycles) > 0 {
		v := veto(LimitCycle, "%d proposed child objective(s) repeat an ancestor", len(cycles))
		v.CycleChildren = cycles
		return v
	}
	return allow()
}

// ObjectiveHash hashes an objective after case folding and whitespace collapsing.
func ObjectiveHash(objective string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(objective)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
