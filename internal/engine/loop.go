package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mohammad-safakhou/fractal/internal/breaker"
	"github.com/mohammad-safakhou/fractal/internal/executor"
	"github.com/mohammad-safakhou/fractal/internal/hitl"
	"github.com/mohammad-safakhou/fractal/internal/middleware"
	"github.com/mohammad-safakhou/fractal/internal/planner"
	"github.com/mohammad-safakhou/fractal/internal/report"
	"github.com/mohammad-safakhou/fractal/internal/runstate"
	"github.com/mohammad-safakhou/fractal/internal/task"
)

type stepResult int

const (
	stepIdle stepResult = iota
	stepProgress
	stepSuspended
	stepDone
)

// suspension is a checkpoint opened under the run lock, announced after it
// is released.
type suspension struct {
	snap *runstate.State
	req  hitl.Request
}

func (e *Engine) drive(r *run) {
	defer e.wg.Done()
	for {
		e.loop(r)
		r.mu.Lock()
		if r.rerun && !r.state.Phase.Terminal() && r.ctx.Err() == nil {
			r.rerun = false
			r.mu.Unlock()
			continue
		}
		r.rerun = false
		r.active = false
		close(r.done)
		r.mu.Unlock()
		return
	}
}

func (e *Engine) loop(r *run) {
	for r.ctx.Err() == nil {
		switch e.step(r) {
		case stepSuspended, stepDone:
			return
		case stepIdle:
			if !e.stall(r) {
				return
			}
		}
	}
}

// step runs one pass: act on a rejected checkpoint, plan pending nodes,
// roll up settled plans, dispatch runnable leaves and finish the run when
// the root settles.
func (e *Engine) step(r *run) stepResult {
	ctx := r.ctx
	progressed := false
	phases := []func(context.Context, *run) stepResult{
		e.feedback,
		e.planPending,
		e.rollup,
		e.dispatch,
		e.finalize,
	}
	for _, phase := range phases {
		switch res := phase(ctx, r); res {
		case stepSuspended, stepDone:
			return res
		case stepProgress:
			progressed = true
		}
	}
	if !progressed {
		return stepIdle
	}
	r.mu.Lock()
	if e.halted(r) {
		r.mu.Unlock()
		return stepDone
	}
	e.drainUsage(r)
	snap := e.checkpoint(r)
	r.mu.Unlock()
	if err := e.save(ctx, r, snap); err != nil {
		e.logger.Warn("checkpoint save failed", zap.String("run_id", r.state.RunID), zap.Error(err))
	}
	return stepProgress
}

// halted reports whether the drive goroutine must stop. The caller holds r.mu.
func (e *Engine) halted(r *run) bool {
	return r.state.Phase.Terminal() || r.ctx.Err() != nil
}

func (e *Engine) drainUsage(r *run) {
	r.usageMu.Lock()
	pending := r.usage
	r.usage = nil
	r.usageMu.Unlock()
	for _, u := range pending {
		r.state.ApplyUsage(u.tokens, u.cost)
	}
}

// holdFor decides whether a plan for nodeID waits for a human. Only root
// plans are held: completions for final approval, anything else for plan
// approval.
func (e *Engine) holdFor(r *run, nodeID string, d task.Decision) bool {
	if nodeID != task.RootID {
		return false
	}
	if d == task.DecisionComplete {
		return r.state.Config.RequireFinalApproval
	}
	return r.state.Config.RequirePlanApproval
}

func (e *Engine) planRequest(r *run, n task.Node) planner.Request {
	st := r.state
	v := breaker.Precheck(st.Config.Limits(), st.Counters, n)
	return planner.Request{
		RunID:          st.RunID,
		Node:           n,
		Query:          st.Query,
		AllowDecompose: v.Allowed,
		MaxChildren:    st.Config.MaxChildren,
		Persona:        st.Config.Persona,
	}
}

func (e *Engine) replanRequest(r *run, n task.Node, feedback string, final bool) planner.ReplanRequest {
	st := r.state
	req := planner.ReplanRequest{
		Request:  e.planRequest(r, n),
		Evidence: planner.Evidence{Feedback: feedback},
		Final:    final,
	}
	prior, ok := st.Plan(n.ActivePlanID)
	if !ok {
		prior, ok = st.LatestPlan(n.ID)
	}
	if ok {
		req.Prior = &prior
		req.Evidence.Children = evidence(st, prior.ID)
	}
	return req
}

func evidence(st *runstate.State, planID string) []planner.ChildEvidence {
	var out []planner.ChildEvidence
	for _, c := range st.Tree.PlanChildren(planID) {
		if !c.Status.Terminal() {
			continue
		}
		res := st.Results[c.ID]
		reason := c.Reason
		if reason == "" {
			reason = res.Error
		}
		out = append(out, planner.ChildEvidence{
			NodeID:    c.ID,
			Objective: c.Objective,
			Role:      c.Role,
			Status:    c.Status,
			Summary:   res.Summary,
			Reason:    reason,
			Verdict:   res.Verdict,
		})
	}
	return out
}

// consult runs a planner call through the middleware chain with the
// knowledge view for the node's objective.
func (e *Engine) consult(ctx context.Context, r *run, op middleware.Op, req *planner.Request, fn func(context.Context) (planner.Result, error)) (planner.Result, error) {
	req.Context = e.distiller.View(ctx, r.state.Knowledge, req.Node.Objective, r.state.Config.TopKContext).Text
	call := middleware.Call{
		RunID:     req.RunID,
		NodeID:    req.Node.ID,
		Op:        op,
		Depth:     req.Node.Depth,
		Role:      req.Node.Role,
		Persona:   req.Persona,
		Objective: req.Node.Objective,
		Attempt:   1,
	}
	var res planner.Result
	_, err := e.chain.Run(ctx, call, func(ctx context.Context) (middleware.Outcome, error) {
		out, err := fn(ctx)
		if err != nil {
			return middleware.Outcome{}, err
		}
		res = out
		return middleware.Outcome{Tokens: out.Tokens, Cost: out.Cost}, nil
	})
	return res, err
}

// accept applies a planner result to nodeID. The caller holds r.mu.
func (e *Engine) accept(r *run, nodeID string, res planner.Result, err error) (stepResult, *suspension) {
	st := r.state
	log := e.logger.With(zap.String("run_id", st.RunID), zap.String("node_id", nodeID))
	if err != nil {
		log.Warn("planning failed", zap.Error(err))
		e.fail(r, nodeID, "planning failed: "+err.Error())
		return stepProgress, nil
	}
	hold := e.holdFor(r, nodeID, res.Proposal.Decision)
	pr, err := st.ApplyPlan(nodeID, res.Proposal, hold)
	if err != nil {
		log.Warn("plan not applicable", zap.Error(err))
		e.fail(r, nodeID, "plan rejected: "+err.Error())
		return stepProgress, nil
	}
	if pr.Plan.Forced {
		log.Info("circuit breaker forced direct execution",
			zap.String("limit", pr.Verdict.Limit),
			zap.String("reason", pr.Verdict.Reason))
	}
	log.Debug("plan accepted",
		zap.String("plan_id", pr.Plan.ID),
		zap.Int("version", pr.Plan.Version),
		zap.String("decision", string(pr.Plan.Decision)),
		zap.Int("created", len(pr.Created)),
		zap.Int("pruned", len(pr.Pruned)))
	if hold && pr.Plan.Decision != task.DecisionComplete {
		plan := pr.Plan
		if s := e.suspend(r, hitl.KindPlanApproval, nodeID, hitl.Artifact{Plan: &plan}); s != nil {
			return stepSuspended, s
		}
	}
	return stepProgress, nil
}

func (e *Engine) fail(r *run, nodeID, reason string) {
	if err := r.state.Fail(nodeID, reason); err != nil && !errors.Is(err, runstate.ErrNodeSettled) {
		e.logger.Error("fail node", zap.String("run_id", r.state.RunID), zap.String("node_id", nodeID), zap.Error(err))
	}
}

// suspend opens a checkpoint and snapshots the run at the version the
// request names. The caller holds r.mu.
func (e *Engine) suspend(r *run, kind hitl.Kind, nodeID string, art hitl.Artifact) *suspension {
	st := r.state
	st.Version++
	req, err := st.HITL.Open(kind, nodeID, art, st.SnapshotRef())
	if err != nil {
		e.logger.Error("open checkpoint", zap.String("run_id", st.RunID), zap.Error(err))
		return nil
	}
	st.Phase = runstate.PhaseAwaitingApproval
	st.Record(runstate.EventApprovalOpened, nodeID, fmt.Sprintf("%s %s", kind, req.CheckpointID))
	e.drainUsage(r)
	return &suspension{snap: e.freeze(r), req: req}
}

func (e *Engine) announce(r *run, s *suspension) {
	if s == nil {
		return
	}
	runID := r.state.RunID
	if err := e.save(r.ctx, r, s.snap); err != nil {
		e.logger.Warn("checkpoint save failed", zap.String("run_id", runID), zap.Error(err))
	}
	e.logger.Info("awaiting approval",
		zap.String("run_id", runID),
		zap.String("checkpoint_id", s.req.CheckpointID),
		zap.String("kind", string(s.req.Kind)),
		zap.String("snapshot", s.req.SnapshotRef))
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := e.notifier.ApprovalRequested(ctx, runID, s.req); err != nil {
		e.logger.Warn("approval notification failed", zap.String("run_id", runID), zap.Error(err))
	}
}

// feedback replans the node of a rejected checkpoint with the reviewer's
// feedback. A rejected plan's children are pruned by the new plan.
func (e *Engine) feedback(ctx context.Context, r *run) stepResult {
	r.mu.Lock()
	st := r.state
	if st.HITL.State != hitl.StateReplanRequested || len(st.HITL.History) == 0 {
		r.mu.Unlock()
		return stepIdle
	}
	last := st.HITL.History[len(st.HITL.History)-1]
	node, ok := st.Tree.Get(last.Request.NodeID)
	if !ok || node.Status != task.StatusAwaitingApproval {
		st.HITL.Settle()
		r.mu.Unlock()
		return stepProgress
	}
	final := last.Request.Kind == hitl.KindFinalApproval
	if final {
		st.Deliverable = nil
	}
	req := e.replanRequest(r, *node, last.Decision.Feedback, final)
	r.mu.Unlock()

	res, err := e.consult(ctx, r, middleware.OpReplan, &req.Request, func(ctx context.Context) (planner.Result, error) {
		return e.planner.Replan(ctx, req)
	})

	r.mu.Lock()
	if e.halted(r) {
		r.mu.Unlock()
		return stepDone
	}
	st.HITL.Settle()
	out, s := e.accept(r, req.Node.ID, res, err)
	r.mu.Unlock()
	e.announce(r, s)
	return out
}

func (e *Engine) planPending(ctx context.Context, r *run) stepResult {
	r.mu.Lock()
	e.drainUsage(r)
	var reqs []planner.Request
	for _, n := range r.state.Tree.NeedsPlanning() {
		reqs = append(reqs, e.planRequest(r, *n))
	}
	r.mu.Unlock()

	out := stepIdle
	for _, req := range reqs {
		req := req
		res, err := e.consult(ctx, r, middleware.OpPlan, &req, func(ctx context.Context) (planner.Result, error) {
			return e.planner.Plan(ctx, req)
		})
		r.mu.Lock()
		if e.halted(r) {
			r.mu.Unlock()
			return stepDone
		}
		res2, s := e.accept(r, req.Node.ID, res, err)
		r.mu.Unlock()
		if s != nil {
			e.announce(r, s)
			return stepSuspended
		}
		if res2 == stepProgress {
			out = stepProgress
		}
	}
	return out
}

// rollup settles interior nodes whose children are all terminal: the
// planner completes them or replans with the children's evidence. A node at
// its replan limit completes with whatever it has.
func (e *Engine) rollup(ctx context.Context, r *run) stepResult {
	r.mu.Lock()
	st := r.state
	out := stepIdle
	var reqs []planner.ReplanRequest
	for _, n := range st.Tree.Rollups() {
		if n.Replans >= st.Config.MaxReplans {
			detail := fmt.Sprintf("replan limit %d reached; completing with partial results", st.Config.MaxReplans)
			st.Record(runstate.EventReplanLimit, n.ID, detail)
			prop := task.Proposal{Decision: task.DecisionComplete, Rationale: detail}
			if _, err := st.ApplyPlan(n.ID, prop, e.holdFor(r, n.ID, task.DecisionComplete)); err != nil {
				e.fail(r, n.ID, err.Error())
			}
			out = stepProgress
			continue
		}
		reqs = append(reqs, e.replanRequest(r, *n, "", false))
	}
	r.mu.Unlock()

	for _, req := range reqs {
		req := req
		res, err := e.consult(ctx, r, middleware.OpReplan, &req.Request, func(ctx context.Context) (planner.Result, error) {
			return e.planner.Replan(ctx, req)
		})
		r.mu.Lock()
		if e.halted(r) {
			r.mu.Unlock()
			return stepDone
		}
		res2, s := e.accept(r, req.Node.ID, res, err)
		r.mu.Unlock()
		if s != nil {
			e.announce(r, s)
			return stepSuspended
		}
		if res2 == stepProgress {
			out = stepProgress
		}
	}
	return out
}

// dispatch runs every runnable leaf concurrently and applies the outcomes
// in batch order once all have returned.
func (e *Engine) dispatch(ctx context.Context, r *run) stepResult {
	r.mu.Lock()
	st := r.state
	runnable := st.Tree.Runnable()
	if len(runnable) == 0 {
		r.mu.Unlock()
		return stepIdle
	}
	batch := executor.Batch{
		RunID:     st.RunID,
		Persona:   st.Config.Persona,
		Table:     r.table,
		Knowledge: st.Knowledge,
		TopK:      st.Config.TopKContext,
	}
	ids := make([]string, 0, len(runnable))
	for _, n := range runnable {
		ids = append(ids, n.ID)
		batch.Jobs = append(batch.Jobs, executor.Job{NodeID: n.ID, Depth: n.Depth, Role: n.Role, Objective: n.Objective})
	}
	if err := st.Dispatch(ids...); err != nil {
		r.mu.Unlock()
		e.logger.Error("dispatch transition", zap.String("run_id", st.RunID), zap.Error(err))
		return stepIdle
	}
	r.mu.Unlock()

	outs := e.executor.Dispatch(ctx, batch)

	r.mu.Lock()
	defer r.mu.Unlock()
	if e.halted(r) {
		return stepDone
	}
	for _, out := range outs {
		hold := out.NodeID == task.RootID && out.Err == nil && st.Config.RequireFinalApproval
		if err := st.ApplyResult(out, hold); err != nil {
			if !errors.Is(err, runstate.ErrNodeSettled) {
				e.logger.Error("apply result", zap.String("run_id", st.RunID), zap.String("node_id", out.NodeID), zap.Error(err))
			}
			continue
		}
		if out.Err != nil {
			e.logger.Warn("node failed", zap.String("run_id", st.RunID), zap.String("node_id", out.NodeID), zap.Error(out.Err))
		}
	}
	e.drainUsage(r)
	return stepProgress
}

// reportInput gathers synthesis input. The latest rejection's feedback is
// passed on. The caller holds r.mu.
func reportInput(st *runstate.State) report.Input {
	in := report.Input{Query: st.Query, Insights: st.Insights()}
	h := st.HITL.History
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].Decision.Action == hitl.ActionReject {
			in.Feedback = h[i].Decision.Feedback
			break
		}
	}
	return in
}

func (e *Engine) synthesize(ctx context.Context, runID, persona string, in report.Input) report.Deliverable {
	var s report.Synthesizer
	if e.synth != nil {
		s = chainedSynthesizer{chain: e.chain, inner: e.synth, runID: runID, persona: persona}
	}
	return report.Synthesize(ctx, s, in)
}

// finalize turns a settled root into the run's outcome. A root awaiting
// final approval gets its deliverable and a checkpoint.
func (e *Engine) finalize(ctx context.Context, r *run) stepResult {
	r.mu.Lock()
	st := r.state
	root := *st.Tree.Root()
	switch {
	case root.Status == task.StatusAwaitingApproval && root.ResultRef != "" && !st.HITL.Awaiting():
		in := reportInput(st)
		r.mu.Unlock()
		d := e.synthesize(ctx, st.RunID, st.Config.Persona, in)
		r.mu.Lock()
		if e.halted(r) {
			r.mu.Unlock()
			return stepDone
		}
		st.Deliverable = &d
		s := e.suspend(r, hitl.KindFinalApproval, root.ID, hitl.Artifact{Deliverable: &d})
		r.mu.Unlock()
		if s == nil {
			return stepIdle
		}
		e.announce(r, s)
		return stepSuspended

	case root.Status == task.StatusCompleted:
		if st.Deliverable == nil {
			in := reportInput(st)
			r.mu.Unlock()
			d := e.synthesize(ctx, st.RunID, st.Config.Persona, in)
			r.mu.Lock()
			if e.halted(r) {
				r.mu.Unlock()
				return stepDone
			}
			st.Deliverable = &d
		}
		return e.finish(r, runstate.PhaseCompleted, "")

	case root.Status == task.StatusFailed || root.Status == task.StatusPruned:
		return e.finish(r, runstate.PhaseFailed, root.Reason)
	}
	r.mu.Unlock()
	return stepIdle
}

// finish is entered with r.mu held and releases it.
func (e *Engine) finish(r *run, phase runstate.Phase, reason string) stepResult {
	st := r.state
	e.drainUsage(r)
	st.Finish(phase, reason)
	snap := e.checkpoint(r)
	status := statusOf(st, false)
	r.mu.Unlock()

	e.logger.Info("run finished",
		zap.String("run_id", st.RunID),
		zap.String("phase", string(phase)),
		zap.String("reason", reason),
		zap.Int("nodes", len(status.Nodes)),
		zap.Int64("tokens", status.Counters.Usage.Tokens),
		zap.Float64("cost", status.Counters.Usage.Cost))
	if err := e.save(r.ctx, r, snap); err != nil {
		e.logger.Warn("checkpoint save failed", zap.String("run_id", st.RunID), zap.Error(err))
	}
	e.notifyFinished(status)
	return stepDone
}

// stall fails a root that can no longer make progress. It reports whether
// the run changed.
func (e *Engine) stall(r *run) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.state
	if e.halted(r) || st.HITL.Awaiting() || st.Tree.Root().Status.Terminal() {
		return false
	}
	detail := "no node can be planned, dispatched or rolled up"
	st.Record(runstate.EventStalled, task.RootID, detail)
	e.logger.Warn("run stalled", zap.String("run_id", st.RunID))
	e.fail(r, task.RootID, "stalled: "+detail)
	return true
}

// chainedSynthesizer routes synthesis through the middleware chain.
type chainedSynthesizer struct {
	chain   *middleware.Chain
	inner   report.Synthesizer
	runID   string
	persona string
}

func (c chainedSynthesizer) Synthesize(ctx context.Context, in report.Input, draft report.Deliverable) (string, error) {
	call := middleware.Call{
		RunID:     c.runID,
		NodeID:    task.RootID,
		Op:        middleware.OpSynthesize,
		Persona:   c.persona,
		Objective: in.Query,
		Attempt:   1,
	}
	var body string
	_, err := c.chain.Run(ctx, call, func(ctx context.Context) (middleware.Outcome, error) {
		b, err := c.inner.Synthesize(ctx, in, draft)
		body = b
		return middleware.Outcome{}, err
	})
	return body, err
}
