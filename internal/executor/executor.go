// Package executor dispatches runnable leaves concurrently through the
// middleware chain and distills their results.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mohammad-safakhou/fractal/internal/capability"
	"github.com/mohammad-safakhou/fractal/internal/distill"
	"github.com/mohammad-safakhou/fractal/internal/failure"
	"github.com/mohammad-safakhou/fractal/internal/knowledge"
	"github.com/mohammad-safakhou/fractal/internal/middleware"
	"github.com/mohammad-safakhou/fractal/internal/runstate"
	"github.com/mohammad-safakhou/fractal/internal/task"
)

// Defaults applied by New.
const (
	DefaultMaxParallel    = 4
	DefaultMaxRetries     = 2
	DefaultInitialBackoff = 200 * time.Millisecond
	DefaultMaxBackoff     = 2 * time.Second
)

// Job is one runnable leaf.
type Job struct {
	NodeID    string
	Depth     int
	Role      task.Role
	Objective string
}

// Batch is everything one dispatch round needs. Knowledge is only read.
type Batch struct {
	RunID     string
	Persona   string
	Table     capability.Table
	Knowledge *knowledge.Store
	TopK      int
	Jobs      []Job
}

// RetryPolicy bounds transient-failure retries.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Metrics aggregates optional telemetry callbacks.
type Metrics struct {
	RetryCounter func(context.Context, Job, int)
	Duration     func(context.Context, Job, time.Duration)
}

// Executor runs batches of jobs.
type Executor struct {
	chain       *middleware.Chain
	distiller   *distill.Engine
	limiter     *rate.Limiter
	maxParallel int
	retry       RetryPolicy
	hooks       Hooks
	metrics     Metrics
	logger      *zap.Logger
}

// Option configures executor behaviour.
type Option func(*Executor)

// WithChain wraps every capability call in chain.
func WithChain(chain *middleware.Chain) Option {
	return func(ex *Executor) { ex.chain = chain }
}

// WithDistiller sets the engine used for context views and distillation.
func WithDistiller(d *distill.Engine) Option {
	return func(ex *Executor) { ex.distiller = d }
}

// WithMaxParallel bounds concurrent dispatches per batch.
func WithMaxParallel(n int) Option {
	return func(ex *Executor) {
		if n > 0 {
			ex.maxParallel = n
		}
	}
}

// WithRateLimit caps capability calls per second across all batches. A
// non-positive rps leaves calls unlimited.
func WithRateLimit(rps float64, burst int) Option {
	return func(ex *Executor) {
		if rps <= 0 {
			ex.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		ex.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRetry sets the retry policy for transient failures.
func WithRetry(p RetryPolicy) Option {
	return func(ex *Executor) {
		if p.MaxRetries >= 0 {
			ex.retry.MaxRetries = p.MaxRetries
		}
		if p.InitialBackoff > 0 {
			ex.retry.InitialBackoff = p.InitialBackoff
		}
		if p.MaxBackoff > 0 {
			ex.retry.MaxBackoff = p.MaxBackoff
		}
	}
}

// WithHooks sets the attempt observer.
func WithHooks(h Hooks) Option {
	return func(ex *Executor) {
		if h != nil {
			ex.hooks = h
		}
	}
}

// WithMetrics sets executor metrics callbacks.
func WithMetrics(m Metrics) Option {
	return func(ex *Executor) { ex.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(ex *Executor) {
		if l != nil {
			ex.logger = l
		}
	}
}

// New creates a new Executor instance.
func New(opts ...Option) *Executor {
	ex := &Executor{
		maxParallel: DefaultMaxParallel,
		retry: RetryPolicy{
			MaxRetries:     DefaultMaxRetries,
			InitialBackoff: DefaultInitialBackoff,
			MaxBackoff:     DefaultMaxBackoff,
		},
		hooks:  NoopHooks{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(ex)
	}
	ex.logger = ex.logger.Named("executor")
	return ex
}

// Dispatch runs every job of the batch concurrently and returns one outcome
// per job, in batch order. A job that fails carries its error in the outcome;
// Dispatch itself never fails. Cancelling ctx abandons outstanding work.
func (e *Executor) Dispatch(ctx context.Context, b Batch) []runstate.Outcome {
	outs := make([]runstate.Outcome, len(b.Jobs))
	var g errgroup.Group
	g.SetLimit(e.maxParallel)
	for i, job := range b.Jobs {
		i, job := i, job
		g.Go(func() error {
			outs[i] = e.run(ctx, b, job)
			return nil
		})
	}
	_ = g.Wait()
	return outs
}

func (e *Executor) run(ctx context.Context, b Batch, job Job) runstate.Outcome {
	out := runstate.Outcome{NodeID: job.NodeID, Role: job.Role}
	if err := ctx.Err(); err != nil {
		out.Err = err
		return out
	}
	impl, ok := b.Table[job.Role]
	if !ok || impl == nil {
		out.Err = failure.Permanent(fmt.Errorf("%w: %s/%s", capability.ErrCapabilityMissing, job.Role, b.Persona))
		return out
	}

	var view distill.ContextView
	if e.distiller != nil && b.Knowledge != nil {
		view = e.distiller.View(ctx, b.Knowledge, job.Objective, b.TopK)
	}
	req := capability.Request{
		RunID:     b.RunID,
		NodeID:    job.NodeID,
		Role:      job.Role,
		Persona:   b.Persona,
		Objective: job.Objective,
		Context:   view.Text,
	}

	raw, err := e.execute(ctx, b, job, impl, req)
	if err != nil {
		out.Err = err
		return out
	}
	out.Text = raw.Text
	out.Verdict = raw.Verdict
	if e.distiller != nil {
		nuggets, err := e.distiller.Distill(ctx, job.NodeID, job.Objective, raw)
		if err != nil {
			out.Err = fmt.Errorf("distill %s: %w", job.NodeID, err)
			return out
		}
		out.Nuggets = nuggets
	}
	return out
}

// execute calls the capability through the chain, retrying transient failures.
func (e *Executor) execute(ctx context.Context, b Batch, job Job, impl capability.Capability, req capability.Request) (capability.RawResult, error) {
	var (
		raw     capability.RawResult
		attempt int
	)
	op := func() error {
		attempt++
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		call := middleware.Call{
			RunID:     b.RunID,
			NodeID:    job.NodeID,
			Op:        middleware.OpExecute,
			Depth:     job.Depth,
			Role:      job.Role,
			Persona:   b.Persona,
			Objective: job.Objective,
			Attempt:   attempt,
		}
		e.hooks.JobStart(ctx, b.RunID, job, attempt)
		start := time.Now()
		_, err := e.chain.Run(ctx, call, func(ctx context.Context) (middleware.Outcome, error) {
			r, err := impl.Execute(ctx, req)
			if err != nil {
				return middleware.Outcome{}, err
			}
			raw = r
			return middleware.Outcome{Tokens: r.Tokens, Cost: r.Cost}, nil
		})
		if e.metrics.Duration != nil {
			e.metrics.Duration(ctx, job, time.Since(start))
		}
		if err == nil {
			e.hooks.JobSuccess(ctx, b.RunID, job, attempt)
			return nil
		}
		err = middleware.Classify(&call, err)
		e.hooks.JobFailure(ctx, b.RunID, job, attempt, err)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if !failure.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		if e.metrics.RetryCounter != nil {
			e.metrics.RetryCounter(ctx, job, attempt)
		}
		e.logger.Info("retrying transient failure",
			zap.String("run_id", b.RunID),
			zap.String("node_id", job.NodeID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	if err := backoff.RetryNotify(op, e.backOff(ctx), notify); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return capability.RawResult{}, cerr
		}
		return capability.RawResult{}, err
	}
	return raw, nil
}

func (e *Executor) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = e.retry.InitialBackoff
	eb.MaxInterval = e.retry.MaxBackoff
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(e.retry.MaxRetries)), ctx)
}
