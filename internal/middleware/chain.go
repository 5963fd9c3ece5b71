package middleware

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mohammad-safakhou/fractal/internal/task"
)

// Op names the kind of model-facing call being wrapped.
type Op string

const (
	OpPlan       Op = "plan"
	OpReplan     Op = "replan"
	OpExecute    Op = "execute"
	OpSynthesize Op = "synthesize"
)

// Call describes one planning or execution call. Interceptors may read it but
// must not retain it.
type Call struct {
	RunID     string
	NodeID    string
	Op        Op
	Depth     int
	Role      task.Role
	Persona   string
	Objective string
	Attempt   int
}

// Outcome is the accounting view of a successful call.
type Outcome struct {
	Tokens int64
	Cost   float64
}

// Interceptor observes calls. Before may veto a call by returning an error;
// AfterFailure may replace the error seen by outer interceptors and the caller.
type Interceptor interface {
	Name() string
	Before(ctx context.Context, call *Call) (context.Context, error)
	AfterSuccess(ctx context.Context, call *Call, out Outcome)
	AfterFailure(ctx context.Context, call *Call, err error) error
}

// Hooks adapts optional functions to the Interceptor interface.
type Hooks struct {
	Label     string
	OnBefore  func(ctx context.Context, call *Call) (context.Context, error)
	OnSuccess func(ctx context.Context, call *Call, out Outcome)
	OnFailure func(ctx context.Context, call *Call, err error) error
}

func (h Hooks) Name() string { return h.Label }

func (h Hooks) Before(ctx context.Context, call *Call) (context.Context, error) {
	if h.OnBefore == nil {
		return ctx, nil
	}
	return h.OnBefore(ctx, call)
}

func (h Hooks) AfterSuccess(ctx context.Context, call *Call, out Outcome) {
	if h.OnSuccess != nil {
		h.OnSuccess(ctx, call, out)
	}
}

func (h Hooks) AfterFailure(ctx context.Context, call *Call, err error) error {
	if h.OnFailure == nil {
		return err
	}
	return h.OnFailure(ctx, call, err)
}

// Chain runs interceptors around a call. Registration order is outermost first.
type Chain struct {
	interceptors []Interceptor
	logger       *zap.Logger
}

// New builds a chain. Nil interceptors are skipped.
func New(logger *zap.Logger, interceptors ...Interceptor) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Chain{logger: logger.Named("middleware")}
	for _, ic := range interceptors {
		if ic != nil {
			c.interceptors = append(c.interceptors, ic)
		}
	}
	return c
}

// Len returns the number of registered interceptors.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.interceptors)
}

// Run invokes fn wrapped by the chain. Before hooks run in order and the first
// error short-circuits; after hooks run in reverse for every interceptor
// whose Before succeeded, each with the context its own Before returned.
func (c *Chain) Run(ctx context.Context, call Call, fn func(ctx context.Context) (Outcome, error)) (Outcome, error) {
	if c == nil || len(c.interceptors) == 0 {
		return fn(ctx)
	}
	ctxs := make([]context.Context, 0, len(c.interceptors))
	cur := ctx
	var err error
	for _, ic := range c.interceptors {
		next, berr := c.before(ic, cur, &call)
		if berr != nil {
			err = berr
			break
		}
		if next == nil {
			next = cur
		}
		ctxs = append(ctxs, next)
		cur = next
	}

	var out Outcome
	if err == nil {
		out, err = fn(cur)
	}

	for i := len(ctxs) - 1; i >= 0; i-- {
		ic := c.interceptors[i]
		if err == nil {
			c.afterSuccess(ic, ctxs[i], &call, out)
		} else {
			err = c.afterFailure(ic, ctxs[i], &call, err)
		}
	}
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

func (c *Chain) before(ic Interceptor, ctx context.Context, call *Call) (next context.Context, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("interceptor before hook panicked", zap.String("interceptor", ic.Name()), zap.Any("panic", r))
			next, err = nil, fmt.Errorf("interceptor %s panicked: %v", ic.Name(), r)
		}
	}()
	return ic.Before(ctx, call)
}

func (c *Chain) afterSuccess(ic Interceptor, ctx context.Context, call *Call, out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("interceptor success hook panicked", zap.String("interceptor", ic.Name()), zap.Any("panic", r))
		}
	}()
	ic.AfterSuccess(ctx, call, out)
}

func (c *Chain) afterFailure(ic Interceptor, ctx context.Context, call *Call, err error) (out error) {
	out = err
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("interceptor failure hook panicked", zap.String("interceptor", ic.Name()), zap.Any("panic", r))
			out = err
		}
	}()
	if mapped := ic.AfterFailure(ctx, call, err); mapped != nil {
		out = mapped
	}
	return out
}
