package runstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/fractal/internal/breaker"
	"github.com/mohammad-safakhou/fractal/internal/capability"
	"github.com/mohammad-safakhou/fractal/internal/hitl"
	"github.com/mohammad-safakhou/fractal/internal/knowledge"
	"github.com/mohammad-safakhou/fractal/internal/report"
	"github.com/mohammad-safakhou/fractal/internal/task"
)

// Phase is the run-level lifecycle position.
type Phase string

const (
	PhaseRunning          Phase = "running"
	PhaseAwaitingApproval Phase = "awaiting_approval"
	PhaseCompleted        Phase = "completed"
	PhaseFailed           Phase = "failed"
	PhaseCancelled        Phase = "cancelled"
)

// Terminal reports whether the run can make no further progress.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// EventKind classifies trace entries.
type EventKind string

const (
	EventPlanAccepted     EventKind = "plan_accepted"
	EventPlanSuperseded   EventKind = "plan_superseded"
	EventBreakerTripped   EventKind = "breaker_tripped"
	EventNodeFailed       EventKind = "node_failed"
	EventReplanLimit      EventKind = "replan_limit"
	EventApprovalOpened   EventKind = "approval_opened"
	EventApprovalResolved EventKind = "approval_resolved"
	EventCancelled        EventKind = "cancelled"
	EventStalled          EventKind = "stalled"
)

// Event is one audit entry in the run trace.
type Event struct {
	Seq    int       `json:"seq"`
	Kind   EventKind `json:"kind"`
	NodeID string    `json:"node_id,omitempty"`
	Limit  string    `json:"limit,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Result is the stored outcome of a settled node. ResultRef on the node points here.
type Result struct {
	NodeID    string              `json:"node_id"`
	Role      task.Role           `json:"role,omitempty"`
	Summary   string              `json:"summary,omitempty"`
	NuggetIDs []string            `json:"nugget_ids,omitempty"`
	Verdict   *capability.Verdict `json:"verdict,omitempty"`
	Error     string              `json:"error,omitempty"`
	SettledAt time.Time           `json:"settled_at"`
}

// Outcome is a dispatch result handed to ApplyResult. Err set means the node failed.
type Outcome struct {
	NodeID  string
	Role    task.Role
	Text    string
	Nuggets []knowledge.Nugget
	Verdict *capability.Verdict
	Err     error
}

// PlanResult reports what ApplyPlan did to the tree.
type PlanResult struct {
	Plan    task.Plan
	Verdict breaker.Verdict
	Created []string
	Pruned  []string
}

const summaryRunes = 500

// ErrNodeSettled is returned when a result arrives for a node that already
// reached a terminal status, e.g. after cancellation.
var ErrNodeSettled = errors.New("node already settled")

// State is the serializable snapshot of one run. A single goroutine owns it;
// the tree and knowledge change only through the Apply* methods, Dispatch,
// Release and Prune.
type State struct {
	RunID       string              `json:"run_id"`
	Version     int                 `json:"version"`
	Query       string              `json:"query"`
	Config      Config              `json:"config"`
	Phase       Phase               `json:"phase"`
	Reason      string              `json:"reason,omitempty"`
	Tree        *task.Tree          `json:"tree"`
	Plans       []task.Plan         `json:"plans,omitempty"`
	Results     map[string]Result   `json:"results,omitempty"`
	Knowledge   *knowledge.Store    `json:"knowledge"`
	Counters    breaker.Counters    `json:"counters"`
	HITL        *hitl.Controller    `json:"hitl"`
	Deliverable *report.Deliverable `json:"deliverable,omitempty"`
	Trace       []Event             `json:"trace,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
	FinishedAt  *time.Time          `json:"finished_at,omitempty"`
}

// New creates the snapshot of a fresh run with a pending root.
func New(runID, query string, cfg Config, maxNuggetRunes int) (*State, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	now := time.Now().UTC()
	return &State{
		RunID:     runID,
		Query:     query,
		Config:    cfg,
		Phase:     PhaseRunning,
		Tree:      task.NewTree(query),
		Results:   map[string]Result{},
		Knowledge: knowledge.NewStore(maxNuggetRunes),
		Counters:  breaker.Counters{NodesCreated: 1},
		HITL:      hitl.NewController(runID),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// SnapshotRef names the snapshot at the current version.
func (s *State) SnapshotRef() string { return fmt.Sprintf("%s@%d", s.RunID, s.Version) }

// Plan looks up an accepted plan by id.
func (s *State) Plan(id string) (task.Plan, bool) {
	for _, p := range s.Plans {
		if p.ID == id {
			return p, true
		}
	}
	return task.Plan{}, false
}

// LatestPlan returns the newest plan accepted for nodeID.
func (s *State) LatestPlan(nodeID string) (task.Plan, bool) {
	for i := len(s.Plans) - 1; i >= 0; i-- {
		if s.Plans[i].NodeID == nodeID {
			return s.Plans[i], true
		}
	}
	return task.Plan{}, false
}

func (s *State) planCount(nodeID string) int {
	n := 0
	for _, p := range s.Plans {
		if p.NodeID == nodeID {
			n++
		}
	}
	return n
}

func (s *State) record(kind EventKind, nodeID, limit, detail string) {
	now := time.Now().UTC()
	s.Trace = append(s.Trace, Event{Seq: len(s.Trace) + 1, Kind: kind, NodeID: nodeID, Limit: limit, Detail: detail, At: now})
	s.UpdatedAt = now
}

// Record appends an audit event.
func (s *State) Record(kind EventKind, nodeID, detail string) { s.record(kind, nodeID, "", detail) }

// move transitions a node, treating a move to the current non-terminal status as a no-op.
func (s *State) move(id string, to task.Status, reason string) error {
	n, ok := s.Tree.Get(id)
	if ok && n.Status == to && !to.Terminal() {
		if reason != "" {
			n.Reason = reason
		}
		return nil
	}
	return s.Tree.Transition(id, to, reason)
}

func (s *State) touchElapsed() {
	s.Counters.Usage.Elapsed = time.Since(s.CreatedAt)
}

func (s *State) ancestors(id string) []task.Node {
	var out []task.Node
	for _, a := range s.Tree.Ancestors(id) {
		out = append(out, *a)
	}
	return out
}

// ApplyPlan accepts a proposal for nodeID. Decompositions are checked by the
// circuit breaker first; a veto turns the plan into a forced direct execution.
// Any plan already active on the node is superseded and its unsettled
// children pruned. With hold the node waits in awaiting_approval instead of
// moving on.
func (s *State) ApplyPlan(nodeID string, prop task.Proposal, hold bool) (PlanResult, error) {
	node, ok := s.Tree.Get(nodeID)
	if !ok {
		return PlanResult{}, fmt.Errorf("apply plan: unknown node %q", nodeID)
	}
	switch node.Status {
	case task.StatusPending, task.StatusPlanned, task.StatusAwaitingApproval:
	default:
		return PlanResult{}, fmt.Errorf("apply plan: node %s is %s", nodeID, node.Status)
	}
	if err := prop.Validate(); err != nil {
		return PlanResult{}, fmt.Errorf("apply plan %s: %w", nodeID, err)
	}

	plan := task.Plan{
		ID:        uuid.NewString(),
		NodeID:    nodeID,
		Version:   s.planCount(nodeID) + 1,
		Decision:  prop.Decision,
		Role:      prop.Role,
		Children:  append([]task.ChildSpec(nil), prop.Children...),
		Rationale: prop.Rationale,
		CreatedAt: time.Now().UTC(),
	}
	if len(plan.Children) > s.Config.MaxChildren {
		plan.Children = plan.Children[:s.Config.MaxChildren]
	}
	res := PlanResult{Verdict: breaker.Verdict{Allowed: true}}

	// Everything that can reject the plan runs before the tree is touched.
	var vetoed []task.ChildSpec
	if plan.Decision == task.DecisionDecompose {
		s.touchElapsed()
		v := breaker.Check(s.Config.Limits(), s.Counters, *node, s.ancestors(nodeID), plan.Children)
		res.Verdict = v
		if !v.Allowed {
			for _, i := range v.CycleChildren {
				vetoed = append(vetoed, plan.Children[i])
			}
			plan.Decision = task.DecisionExecute
			plan.Role = forcedRole(prop.Role, node.Role)
			plan.Children = nil
			plan.Forced = true
			plan.Rationale = "circuit breaker (" + v.Limit + "): " + v.Reason
		}
	}
	settled := task.StatusPlanned
	if plan.Decision == task.DecisionComplete {
		settled = task.StatusCompleted
	}
	if hold {
		settled = task.StatusAwaitingApproval
	}
	if node.Status != settled && !task.CanTransition(node.Status, settled) {
		return PlanResult{}, fmt.Errorf("apply plan %s: %w: %s -> %s", nodeID, task.ErrIllegalTransition, node.Status, settled)
	}
	if err := s.Tree.CanAdd(nodeID, len(vetoed)+len(plan.Children)); err != nil {
		return PlanResult{}, fmt.Errorf("apply plan %s: %w", nodeID, err)
	}

	if !res.Verdict.Allowed {
		s.record(EventBreakerTripped, nodeID, res.Verdict.Limit, res.Verdict.Reason)
	}
	if prior, ok := s.LatestPlan(nodeID); ok {
		plan.Supersedes = prior.ID
		if plan.Decision != task.DecisionComplete {
			node.Replans++
		}
	}
	if node.ActivePlanID != "" {
		res.Pruned = s.pruneNodes(s.Tree.PlanChildren(node.ActivePlanID), "superseded by plan "+plan.ID)
		if len(res.Pruned) > 0 {
			s.record(EventPlanSuperseded, nodeID, "", fmt.Sprintf("plan %s superseded by %s, %d node(s) pruned", node.ActivePlanID, plan.ID, len(res.Pruned)))
		}
		node.ActivePlanID = ""
	}

	// Cycle-vetoed children stay visible in the tree as pruned nodes.
	for _, spec := range vetoed {
		if s.Counters.NodesCreated >= s.Config.MaxNodes {
			break
		}
		child, err := s.Tree.Add(nodeID, spec, plan.ID, task.StatusPruned)
		if err != nil {
			return PlanResult{}, err
		}
		child.Reason = "circuit breaker: objective repeats an ancestor"
		s.countNode(child)
		res.Pruned = append(res.Pruned, child.ID)
	}

	switch plan.Decision {
	case task.DecisionDecompose:
		for _, spec := range plan.Children {
			status := task.StatusPlanned
			if spec.Expand {
				status = task.StatusPending
			}
			child, err := s.Tree.Add(nodeID, spec, plan.ID, status)
			if err != nil {
				return PlanResult{}, err
			}
			s.countNode(child)
			res.Created = append(res.Created, child.ID)
		}
		node.ActivePlanID = plan.ID
	case task.DecisionExecute:
		node.Role = plan.Role
	case task.DecisionComplete:
		node.ResultRef = node.ID
		if _, ok := s.Results[node.ID]; !ok {
			s.Results[node.ID] = Result{NodeID: node.ID, Summary: plan.Rationale, SettledAt: plan.CreatedAt}
		}
	}
	if err := s.move(nodeID, settled, ""); err != nil {
		return PlanResult{}, err
	}
	s.Plans = append(s.Plans, plan)
	s.record(EventPlanAccepted, nodeID, "", fmt.Sprintf("plan %s v%d: %s", plan.ID, plan.Version, plan.Decision))
	res.Plan = plan
	return res, nil
}

func forcedRole(proposed, current task.Role) task.Role {
	if proposed.Valid() {
		return proposed
	}
	if current.Valid() {
		return current
	}
	return task.RoleGatherer
}

func (s *State) countNode(n *task.Node) {
	s.Counters.NodesCreated++
	if n.Depth > s.Counters.MaxDepthReached {
		s.Counters.MaxDepthReached = n.Depth
	}
}

// Dispatch marks planned leaves as running.
func (s *State) Dispatch(ids ...string) error {
	for _, id := range ids {
		if err := s.Tree.Transition(id, task.StatusRunning, ""); err != nil {
			return err
		}
		s.Counters.Dispatches++
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// ApplyResult settles a node from a dispatch outcome. Failures may settle any
// unsettled node; successes only running ones. The nuggets are appended to the
// knowledge store all-or-nothing; a rejected batch fails the node.
func (s *State) ApplyResult(out Outcome, hold bool) error {
	node, ok := s.Tree.Get(out.NodeID)
	if !ok {
		return fmt.Errorf("apply result: unknown node %q", out.NodeID)
	}
	if node.Status.Terminal() {
		return fmt.Errorf("apply result %s: %w", out.NodeID, ErrNodeSettled)
	}
	now := time.Now().UTC()
	res := Result{NodeID: node.ID, Role: out.Role, Summary: truncate(out.Text, summaryRunes), Verdict: out.Verdict, SettledAt: now}
	if res.Role == "" {
		res.Role = node.Role
	}
	if out.Err != nil {
		return s.fail(node, res, out.Err.Error())
	}
	if node.Status != task.StatusRunning {
		return fmt.Errorf("apply result %s: node is %s, not running", node.ID, node.Status)
	}
	appended, err := s.Knowledge.Append(out.Nuggets...)
	if err != nil {
		return s.fail(node, res, "knowledge rejected: "+err.Error())
	}
	for _, n := range appended {
		res.NuggetIDs = append(res.NuggetIDs, n.ID)
	}
	s.Results[node.ID] = res
	node.ResultRef = node.ID
	to := task.StatusCompleted
	if hold {
		to = task.StatusAwaitingApproval
	}
	if err := s.move(node.ID, to, ""); err != nil {
		return err
	}
	s.UpdatedAt = now
	return nil
}

func (s *State) fail(node *task.Node, res Result, reason string) error {
	res.Error = reason
	s.Results[node.ID] = res
	if err := s.Tree.Transition(node.ID, task.StatusFailed, reason); err != nil {
		return err
	}
	s.pruneNodes(s.Tree.Descendants(node.ID), "ancestor "+node.ID+" failed")
	s.record(EventNodeFailed, node.ID, "", reason)
	return nil
}

// Fail settles an unsettled node as failed, e.g. after a planning error.
func (s *State) Fail(nodeID, reason string) error {
	node, ok := s.Tree.Get(nodeID)
	if !ok {
		return fmt.Errorf("fail: unknown node %q", nodeID)
	}
	if node.Status.Terminal() {
		return fmt.Errorf("fail %s: %w", nodeID, ErrNodeSettled)
	}
	return s.fail(node, Result{NodeID: nodeID, Role: node.Role, SettledAt: time.Now().UTC()}, reason)
}

// Release moves a held node out of awaiting_approval, to planned or completed.
func (s *State) Release(nodeID string, to task.Status) error {
	node, ok := s.Tree.Get(nodeID)
	if !ok {
		return fmt.Errorf("release: unknown node %q", nodeID)
	}
	if node.Status != task.StatusAwaitingApproval {
		return fmt.Errorf("release %s: node is %s", nodeID, node.Status)
	}
	if to != task.StatusPlanned && to != task.StatusCompleted {
		return fmt.Errorf("release %s: invalid target %s", nodeID, to)
	}
	if to == task.StatusCompleted {
		node.ResultRef = node.ID
	}
	return s.Tree.Transition(nodeID, to, "")
}

// Prune settles the given nodes and all their unsettled descendants as pruned.
// It returns the ids actually pruned.
func (s *State) Prune(reason string, ids ...string) []string {
	var nodes []*task.Node
	for _, id := range ids {
		if n, ok := s.Tree.Get(id); ok {
			nodes = append(nodes, n)
		}
	}
	return s.pruneNodes(nodes, reason)
}

func (s *State) pruneNodes(nodes []*task.Node, reason string) []string {
	var out []string
	for _, n := range nodes {
		batch := append([]*task.Node{n}, s.Tree.Descendants(n.ID)...)
		for _, m := range batch {
			if m.Status.Terminal() {
				continue
			}
			if err := s.Tree.Transition(m.ID, task.StatusPruned, reason); err == nil {
				out = append(out, m.ID)
			}
		}
	}
	if len(out) > 0 {
		s.UpdatedAt = time.Now().UTC()
	}
	return out
}

// ApplyUsage adds model consumption to the run counters.
func (s *State) ApplyUsage(tokens int64, cost float64) {
	s.Counters.Usage = s.Counters.Usage.Add(cost, tokens)
	s.touchElapsed()
}

// Finish moves the run into a terminal phase.
func (s *State) Finish(phase Phase, reason string) {
	now := time.Now().UTC()
	s.Phase = phase
	s.Reason = reason
	s.FinishedAt = &now
	s.UpdatedAt = now
}

// Insights gathers the distilled findings of completed nodes in creation order.
// Anything under a failed or pruned node is left out, even if it completed
// before its branch was given up.
func (s *State) Insights() []report.Insight {
	byID := make(map[string]knowledge.Nugget, s.Knowledge.Len())
	for _, n := range s.Knowledge.Nuggets {
		byID[n.ID] = n
	}
	var out []report.Insight
	dropped := make(map[string]bool)
	for _, id := range s.Tree.Order {
		node := s.Tree.Nodes[id]
		if dropped[node.ParentID] || node.Status == task.StatusFailed || node.Status == task.StatusPruned {
			dropped[id] = true
			continue
		}
		if node.Status != task.StatusCompleted && !(node.Status == task.StatusAwaitingApproval && node.ResultRef != "") {
			continue
		}
		res, ok := s.Results[id]
		if !ok || len(res.NuggetIDs) == 0 {
			continue
		}
		ins := report.Insight{NodeID: id, Objective: node.Objective}
		var texts []string
		seen := map[string]bool{}
		for _, nid := range res.NuggetIDs {
			n, ok := byID[nid]
			if !ok {
				continue
			}
			texts = append(texts, n.Text)
			for _, c := range n.Citations {
				if !seen[c.SourceID] {
					seen[c.SourceID] = true
					ins.Sources = append(ins.Sources, c.SourceID)
				}
			}
		}
		ins.Text = strings.Join(texts, "\n\n")
		out = append(out, ins)
	}
	return out
}

// Marshal encodes the snapshot.
func (s *State) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// Unmarshal decodes a snapshot produced by Marshal.
func Unmarshal(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode run state: %w", err)
	}
	if s.Tree == nil || s.Tree.Root() == nil {
		return nil, fmt.Errorf("decode run state: missing task tree")
	}
	if s.Knowledge == nil {
		s.Knowledge = knowledge.NewStore(0)
	}
	if s.Results == nil {
		s.Results = map[string]Result{}
	}
	if s.HITL == nil {
		s.HITL = hitl.NewController(s.RunID)
	}
	return &s, nil
}

// Clone returns a deep copy.
func (s *State) Clone() (*State, error) {
	data, err := s.Marshal()
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
