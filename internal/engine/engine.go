// Package engine owns run lifecycles: it drives the plan, dispatch and
// roll-up loop for each run, suspends at human checkpoints and persists a
// snapshot after every step.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mohammad-safakhou/fractal/internal/capability"
	"github.com/mohammad-safakhou/fractal/internal/checkpoint"
	"github.com/mohammad-safakhou/fractal/internal/distill"
	"github.com/mohammad-safakhou/fractal/internal/executor"
	"github.com/mohammad-safakhou/fractal/internal/failure"
	"github.com/mohammad-safakhou/fractal/internal/hitl"
	"github.com/mohammad-safakhou/fractal/internal/middleware"
	"github.com/mohammad-safakhou/fractal/internal/planner"
	"github.com/mohammad-safakhou/fractal/internal/report"
	"github.com/mohammad-safakhou/fractal/internal/runstate"
	"github.com/mohammad-safakhou/fractal/internal/task"
)

// ErrRunNotFound is returned for ids that are neither live nor checkpointed.
var ErrRunNotFound = errors.New("run not found")

// ErrRunExists is returned by Start when the requested run id is taken.
var ErrRunExists = errors.New("run already exists")

const saveTimeout = 10 * time.Second

// Deps wires an Engine. Planner, Registry and Distiller are required.
type Deps struct {
	Planner     planner.Planner
	Registry    *capability.Registry
	Distiller   *distill.Engine
	Synthesizer report.Synthesizer
	Store       checkpoint.Store
	Notifier    Notifier
	// Interceptors run outside the engine's own accounting and
	// classification interceptors, outermost first.
	Interceptors    []middleware.Interceptor
	ExecutorOptions []executor.Option
	// Defaults is the configuration of runs started without one.
	Defaults *runstate.Config
	Logger   *zap.Logger
}

// Options tune a single run.
type Options struct {
	// RunID is generated when empty.
	RunID  string
	Config *runstate.Config
}

// Engine runs many independent runs. Each run has one drive goroutine at a
// time; its state is shared with callers only under the run's lock.
type Engine struct {
	planner   planner.Planner
	registry  *capability.Registry
	distiller *distill.Engine
	synth     report.Synthesizer
	store     checkpoint.Store
	notifier  Notifier
	chain     *middleware.Chain
	executor  *executor.Executor
	defaults  runstate.Config
	logger    *zap.Logger

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu   sync.Mutex
	runs map[string]*run
}

type usageDelta struct {
	tokens int64
	cost   float64
}

type run struct {
	mu     sync.Mutex
	state  *runstate.State
	table  capability.Table
	ctx    context.Context
	cancel context.CancelFunc
	active bool
	rerun  bool
	done   chan struct{}

	usageMu sync.Mutex
	usage   []usageDelta

	saveMu sync.Mutex
	saved  int
}

// New builds an engine. The middleware chain is the given interceptors
// followed by usage accounting and failure classification.
func New(d Deps) (*Engine, error) {
	if d.Planner == nil {
		return nil, fmt.Errorf("engine: planner is required")
	}
	if d.Registry == nil {
		return nil, fmt.Errorf("engine: capability registry is required")
	}
	if d.Distiller == nil {
		return nil, fmt.Errorf("engine: distiller is required")
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		planner:   d.Planner,
		registry:  d.Registry,
		distiller: d.Distiller,
		synth:     d.Synthesizer,
		store:     d.Store,
		notifier:  d.Notifier,
		defaults:  runstate.DefaultConfig(),
		logger:    logger.Named("engine"),
		runs:      map[string]*run{},
	}
	if d.Defaults != nil {
		e.defaults = d.Defaults.Normalize()
		if err := e.defaults.Validate(); err != nil {
			return nil, fmt.Errorf("engine defaults: %w", err)
		}
	}
	if e.store == nil {
		e.store = checkpoint.NewMemoryStore()
	}
	if e.notifier == nil {
		e.notifier = NopNotifier{}
	}
	interceptors := append([]middleware.Interceptor(nil), d.Interceptors...)
	interceptors = append(interceptors, middleware.Accounting(e), middleware.Classifier())
	e.chain = middleware.New(logger, interceptors...)

	opts := []executor.Option{
		executor.WithChain(e.chain),
		executor.WithDistiller(d.Distiller),
		executor.WithLogger(logger),
	}
	e.executor = executor.New(append(opts, d.ExecutorOptions...)...)
	e.base, e.stop = context.WithCancel(context.Background())
	return e, nil
}

// RecordUsage queues model consumption reported by the accounting
// interceptor. The owning drive goroutine applies it between steps.
func (e *Engine) RecordUsage(runID string, tokens int64, cost float64) {
	e.mu.Lock()
	r := e.runs[runID]
	e.mu.Unlock()
	if r == nil {
		return
	}
	r.usageMu.Lock()
	r.usage = append(r.usage, usageDelta{tokens: tokens, cost: cost})
	r.usageMu.Unlock()
}

// Start creates a run, persists its first snapshot and begins driving it.
func (e *Engine) Start(ctx context.Context, query string, opts Options) (string, error) {
	cfg := e.defaults
	if opts.Config != nil {
		cfg = *opts.Config
	}
	st, err := runstate.New(opts.RunID, query, cfg, e.distiller.MaxNuggetRunes())
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	_, live := e.runs[st.RunID]
	e.mu.Unlock()
	if live {
		return "", fmt.Errorf("%w: %s", ErrRunExists, st.RunID)
	}
	if _, ok, err := e.store.Latest(ctx, st.RunID); err != nil {
		return "", err
	} else if ok {
		return "", fmt.Errorf("%w: %s", ErrRunExists, st.RunID)
	}
	table, err := e.registry.Table(st.Config.Persona)
	if err != nil {
		return "", err
	}

	r := e.newRun(st, table)
	r.mu.Lock()
	snap := e.checkpoint(r)
	r.mu.Unlock()
	if err := e.save(ctx, r, snap); err != nil {
		r.cancel()
		return "", err
	}
	r = e.register(r)
	r.mu.Lock()
	e.launch(r)
	r.mu.Unlock()
	e.logger.Info("run started",
		zap.String("run_id", st.RunID),
		zap.String("persona", st.Config.Persona),
		zap.Int("max_depth", st.Config.MaxDepth),
		zap.Int("max_nodes", st.Config.MaxNodes))
	return st.RunID, nil
}

// Status returns a consistent view of the run.
func (e *Engine) Status(ctx context.Context, runID string) (Status, error) {
	r, err := e.lookup(ctx, runID)
	if err != nil {
		return Status{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return statusOf(r.state, r.active), nil
}

// Decide resolves the pending checkpoint. A decision for a checkpoint that
// is not the pending one returns a failure.StaleApprovalError.
func (e *Engine) Decide(ctx context.Context, runID, checkpointID string, d hitl.Decision) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r, err := e.lookup(ctx, runID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	st := r.state
	if st.Phase.Terminal() {
		r.mu.Unlock()
		return failure.StaleApprovalError{RunID: runID, CheckpointID: checkpointID, Reason: "run is " + string(st.Phase)}
	}
	res, err := st.HITL.Resolve(checkpointID, d)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	st.Record(runstate.EventApprovalResolved, res.Request.NodeID, fmt.Sprintf("%s %s", res.Request.Kind, d.Action))
	st.Phase = runstate.PhaseRunning
	if d.Action == hitl.ActionApprove {
		to := task.StatusPlanned
		if res.Request.Kind == hitl.KindFinalApproval {
			to = task.StatusCompleted
		}
		if err := st.Release(res.Request.NodeID, to); err != nil {
			e.logger.Warn("release after approval failed", zap.String("run_id", runID), zap.Error(err))
		}
		st.HITL.Settle()
	}
	snap := e.checkpoint(r)
	e.launch(r)
	r.mu.Unlock()

	e.logger.Info("checkpoint resolved",
		zap.String("run_id", runID),
		zap.String("checkpoint_id", checkpointID),
		zap.String("kind", string(res.Request.Kind)),
		zap.String("action", string(d.Action)))
	if err := e.save(ctx, r, snap); err != nil {
		e.logger.Warn("checkpoint save failed", zap.String("run_id", runID), zap.Error(err))
	}
	return nil
}

// Cancel prunes every unsettled node and finishes the run. Cancelling a
// finished run is a no-op.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	r, err := e.lookup(ctx, runID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	st := r.state
	if st.Phase.Terminal() {
		r.mu.Unlock()
		return nil
	}
	var ids []string
	for _, n := range st.Tree.NonTerminal() {
		ids = append(ids, n.ID)
	}
	pruned := st.Prune("run cancelled", ids...)
	st.HITL.Clear()
	st.Record(runstate.EventCancelled, "", fmt.Sprintf("%d node(s) pruned", len(pruned)))
	st.Finish(runstate.PhaseCancelled, "cancelled")
	snap := e.checkpoint(r)
	status := statusOf(st, r.active)
	r.mu.Unlock()

	r.cancel()
	e.logger.Info("run cancelled", zap.String("run_id", runID), zap.Int("pruned", len(pruned)))
	if err := e.save(ctx, r, snap); err != nil {
		return err
	}
	e.notifyFinished(status)
	return nil
}

// Wait blocks until the run finishes or suspends at a checkpoint.
func (e *Engine) Wait(ctx context.Context, runID string) (Status, error) {
	r, err := e.lookup(ctx, runID)
	if err != nil {
		return Status{}, err
	}
	for {
		r.mu.Lock()
		if !r.active {
			s := statusOf(r.state, false)
			r.mu.Unlock()
			return s, nil
		}
		done := r.done
		r.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return Status{}, ctx.Err()
		}
	}
}

// Resume continues a run from its latest snapshot, e.g. after a restart.
// Runs waiting on a checkpoint stay suspended until decided.
func (e *Engine) Resume(ctx context.Context, runID string) error {
	r, err := e.lookup(ctx, runID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Phase.Terminal() || r.state.HITL.Awaiting() {
		return nil
	}
	r.state.Phase = runstate.PhaseRunning
	e.launch(r)
	e.logger.Info("run resumed", zap.String("run_id", runID), zap.Int("version", r.state.Version))
	return nil
}

// ResumeAll resumes every unfinished run the store knows about. Stores that
// cannot list runs resume nothing.
func (e *Engine) ResumeAll(ctx context.Context) (int, error) {
	lister, ok := e.store.(checkpoint.Lister)
	if !ok {
		return 0, nil
	}
	ids, err := lister.Suspended(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if err := e.Resume(ctx, id); err != nil {
			e.logger.Warn("resume failed", zap.String("run_id", id), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

// Shutdown stops every drive goroutine without finishing the runs. They
// can be resumed from their last snapshot.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stop()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) newRun(st *runstate.State, table capability.Table) *run {
	ctx, cancel := context.WithCancel(e.base)
	return &run{state: st, table: table, ctx: ctx, cancel: cancel, saved: st.Version}
}

// register adds r unless a run with the same id is already live, in which
// case the live one wins.
func (e *Engine) register(r *run) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.runs[r.state.RunID]; ok {
		r.cancel()
		return existing
	}
	e.runs[r.state.RunID] = r
	return r
}

func (e *Engine) lookup(ctx context.Context, runID string) (*run, error) {
	e.mu.Lock()
	r, ok := e.runs[runID]
	e.mu.Unlock()
	if ok {
		return r, nil
	}
	st, ok, err := e.store.Latest(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	table, err := e.registry.Table(st.Config.Persona)
	if err != nil {
		return nil, err
	}
	return e.register(e.newRun(st, table)), nil
}

// launch starts the drive goroutine, or asks the exiting one to go round
// again. The caller holds r.mu.
func (e *Engine) launch(r *run) {
	if r.state.Phase.Terminal() || r.ctx.Err() != nil {
		return
	}
	if r.active {
		r.rerun = true
		return
	}
	r.active = true
	r.done = make(chan struct{})
	e.wg.Add(1)
	go e.drive(r)
}

// checkpoint bumps the snapshot version and copies the state. The caller
// holds r.mu.
func (e *Engine) checkpoint(r *run) *runstate.State {
	r.state.Version++
	return e.freeze(r)
}

func (e *Engine) freeze(r *run) *runstate.State {
	snap, err := r.state.Clone()
	if err != nil {
		e.logger.Error("snapshot failed", zap.String("run_id", r.state.RunID), zap.Error(err))
		return nil
	}
	return snap
}

// save persists snap unless a newer version has already been written.
func (e *Engine) save(ctx context.Context, r *run, snap *runstate.State) error {
	if snap == nil {
		return nil
	}
	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	if snap.Version <= r.saved {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	if _, err := e.store.Save(ctx, snap); err != nil {
		return fmt.Errorf("save %s: %w", snap.SnapshotRef(), err)
	}
	r.saved = snap.Version
	return nil
}

func (e *Engine) notifyFinished(s Status) {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := e.notifier.RunFinished(ctx, s); err != nil {
		e.logger.Warn("run finished notification failed", zap.String("run_id", s.RunID), zap.Error(err))
	}
}
