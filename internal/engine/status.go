package engine

import (
	"time"

	"github.com/mohammad-safakhou/fractal/internal/breaker"
	"github.com/mohammad-safakhou/fractal/internal/hitl"
	"github.com/mohammad-safakhou/fractal/internal/report"
	"github.com/mohammad-safakhou/fractal/internal/runstate"
	"github.com/mohammad-safakhou/fractal/internal/task"
)

// Status is a read-only view of a run.
type Status struct {
	RunID       string                     `json:"run_id"`
	Query       string                     `json:"query"`
	Version     int                        `json:"version"`
	Phase       runstate.Phase             `json:"phase"`
	Reason      string                     `json:"reason,omitempty"`
	Active      bool                       `json:"active"`
	Nodes       []task.Node                `json:"nodes"`
	Counts      map[task.Status]int        `json:"counts"`
	Counters    breaker.Counters           `json:"counters"`
	Pending     *hitl.Request              `json:"pending,omitempty"`
	Deliverable *report.Deliverable        `json:"deliverable,omitempty"`
	Trace       []runstate.Event           `json:"trace,omitempty"`
	Results     map[string]runstate.Result `json:"results,omitempty"`
	CreatedAt   time.Time                  `json:"created_at"`
	UpdatedAt   time.Time                  `json:"updated_at"`
	FinishedAt  *time.Time                 `json:"finished_at,omitempty"`
}

// Node returns the node with id.
func (s Status) Node(id string) (task.Node, bool) {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return task.Node{}, false
}

// Events returns the trace entries of kind.
func (s Status) Events(kind runstate.EventKind) []runstate.Event {
	var out []runstate.Event
	for _, ev := range s.Trace {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// statusOf copies the parts of st a caller may see. The caller holds the run lock.
func statusOf(st *runstate.State, active bool) Status {
	s := Status{
		RunID:      st.RunID,
		Query:      st.Query,
		Version:    st.Version,
		Phase:      st.Phase,
		Reason:     st.Reason,
		Active:     active,
		Counts:     map[task.Status]int{},
		Counters:   st.Counters,
		Trace:      append([]runstate.Event(nil), st.Trace...),
		Results:    make(map[string]runstate.Result, len(st.Results)),
		CreatedAt:  st.CreatedAt,
		UpdatedAt:  st.UpdatedAt,
		FinishedAt: st.FinishedAt,
	}
	for _, id := range st.Tree.Order {
		n := *st.Tree.Nodes[id]
		s.Nodes = append(s.Nodes, n)
		s.Counts[n.Status]++
	}
	for k, v := range st.Results {
		s.Results[k] = v
	}
	if st.HITL != nil && st.HITL.Pending != nil {
		p := *st.HITL.Pending
		s.Pending = &p
	}
	if st.Deliverable != nil {
		d := *st.Deliverable
		s.Deliverable = &d
	}
	return s
}
