package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/fractal/config"
	"github.com/mohammad-safakhou/fractal/internal/budget"
	"github.com/mohammad-safakhou/fractal/internal/capability"
	"github.com/mohammad-safakhou/fractal/internal/checkpoint"
	"github.com/mohammad-safakhou/fractal/internal/distill"
	"github.com/mohammad-safakhou/fractal/internal/engine"
	"github.com/mohammad-safakhou/fractal/internal/executor"
	"github.com/mohammad-safakhou/fractal/internal/llm"
	"github.com/mohammad-safakhou/fractal/internal/middleware"
	"github.com/mohammad-safakhou/fractal/internal/planner"
	"github.com/mohammad-safakhou/fractal/internal/policy"
	"github.com/mohammad-safakhou/fractal/internal/queue/streams"
	"github.com/mohammad-safakhou/fractal/internal/runstate"
	"github.com/mohammad-safakhou/fractal/internal/task"
)

// Stack is the orchestration core assembled from configuration.
type Stack struct {
	Engine   *engine.Engine
	Store    checkpoint.Store
	Redis    *redis.Client
	Schemas  *streams.SchemaRegistry
	Notifier *streams.Notifier
	Defaults runstate.Config

	cfg     *config.Config
	logger  *zap.Logger
	closers []func() error
}

type buildOptions struct {
	model     llm.Model
	embedder  distill.Embedder
	redis     *redis.Client
	telemetry *Telemetry
}

// BuildOption overrides a part of the assembled stack.
type BuildOption func(*buildOptions)

// WithModel replaces the OpenAI chat model.
func WithModel(m llm.Model) BuildOption { return func(o *buildOptions) { o.model = m } }

// WithEmbedder replaces the OpenAI embedder.
func WithEmbedder(e distill.Embedder) BuildOption { return func(o *buildOptions) { o.embedder = e } }

// WithRedis reuses an existing client instead of dialing storage.redis.
func WithRedis(c *redis.Client) BuildOption { return func(o *buildOptions) { o.redis = c } }

// WithTelemetry instruments the stack with t's tracer and meter.
func WithTelemetry(t *Telemetry) BuildOption { return func(o *buildOptions) { o.telemetry = t } }

// RunDefaults projects the orchestrator and budget sections onto a run config.
func RunDefaults(cfg *config.Config) runstate.Config {
	o := cfg.Orchestrator
	rc := runstate.Config{
		MaxDepth:             o.MaxDepth,
		MaxNodes:             o.MaxNodes,
		TopKContext:          o.TopKContext,
		RequirePlanApproval:  o.RequirePlanApproval,
		RequireFinalApproval: o.RequireFinalApproval,
		Persona:              o.Persona,
		MaxReplans:           o.MaxReplans,
		MaxChildren:          o.MaxChildren,
		DetectCycles:         o.DetectCycles,
	}
	b := cfg.Budget
	var bc budget.Config
	if b.MaxCost > 0 {
		v := b.MaxCost
		bc.MaxCost = &v
	}
	if b.MaxTokens > 0 {
		v := b.MaxTokens
		bc.MaxTokens = &v
	}
	if b.MaxTimeSeconds > 0 {
		v := b.MaxTimeSeconds
		bc.MaxTimeSeconds = &v
	}
	rc.Budget = bc
	return rc.Normalize()
}

// RequiredKeys parses capability.required entries.
func RequiredKeys(entries []string) ([]capability.Key, error) {
	var keys []capability.Key
	for _, e := range entries {
		role, persona, ok := strings.Cut(e, "/")
		if !ok {
			return nil, fmt.Errorf("capability key %q must be role/persona", e)
		}
		keys = append(keys, capability.Key{Role: task.Role(strings.TrimSpace(role)), Persona: strings.TrimSpace(persona)})
	}
	return keys, nil
}

// Build wires planner, registry, distiller, chain, executor, store and
// notifier into an engine.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...BuildOption) (*Stack, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}
	s := &Stack{cfg: cfg, logger: logger, Defaults: RunDefaults(cfg)}
	fail := func(err error) (*Stack, error) {
		_ = s.closeAll()
		return nil, err
	}

	model, embedder := o.model, o.embedder
	if model == nil || embedder == nil {
		p, err := llm.NewProvider(llm.ProviderConfig{
			APIKey:          cfg.LLM.APIKey,
			BaseURL:         cfg.LLM.BaseURL,
			ChatModel:       cfg.LLM.ChatModel,
			EmbeddingModel:  cfg.LLM.EmbeddingModel,
			Temperature:     float32(cfg.LLM.Temperature),
			MaxTokens:       cfg.LLM.MaxTokens,
			CostPer1KInput:  cfg.LLM.CostPer1K,
			CostPer1KOutput: cfg.LLM.CostPer1KOutput,
			Timeout:         cfg.LLM.Timeout,
		}, logger)
		if err != nil {
			return fail(err)
		}
		if model == nil {
			model = p
		}
		if embedder == nil {
			embedder = p
		}
	}

	bindings, err := llm.Bindings(model, cfg.Capability.Personas, cfg.Capability.SigningSecret)
	if err != nil {
		return fail(err)
	}
	required, err := RequiredKeys(cfg.Capability.Required)
	if err != nil {
		return fail(err)
	}
	registry, err := capability.NewRegistry(bindings, cfg.Capability.SigningSecret, required)
	if err != nil {
		return fail(err)
	}

	dopts := distill.Options{
		MaxNuggetRunes:  cfg.Distill.MaxNuggetRunes,
		MaxNuggets:      cfg.Distill.MaxNuggets,
		SimilarityFloor: &cfg.Distill.SimilarityFloor,
		TokenBudget:     cfg.Distill.TokenBudget,
		Counter:         distill.NewTiktokenCounter(cfg.Distill.Encoding),
		Retry:           distill.RetryPolicy{Attempts: cfg.Distill.EmbedAttempts, Initial: cfg.Distill.EmbedBackoff},
		Logger:          logger,
	}
	if cfg.Distill.Summarize {
		dopts.Summarizer = llm.NewSummarizer(model)
	}
	distiller, err := distill.New(embedder, dopts)
	if err != nil {
		return fail(err)
	}

	pol, err := policy.Load(cfg.Policy.File)
	if err != nil {
		return fail(err)
	}

	tele := o.telemetry
	if tele == nil {
		tele = &Telemetry{}
	}
	var interceptors []middleware.Interceptor
	if tele.Tracer != nil {
		interceptors = append(interceptors, middleware.Tracing(tele.Tracer))
	}
	interceptors = append(interceptors, middleware.Logging(logger), middleware.Policy(pol))
	exOpts := []executor.Option{
		executor.WithMaxParallel(cfg.Execution.MaxParallel),
		executor.WithRateLimit(cfg.Execution.RateLimit, cfg.Execution.Burst),
		executor.WithRetry(executor.RetryPolicy{
			MaxRetries:     cfg.Execution.MaxRetries,
			InitialBackoff: cfg.Execution.InitialBackoff,
			MaxBackoff:     cfg.Execution.MaxBackoff,
		}),
		executor.WithHooks(executor.NewLogHooks(logger)),
	}
	if tele.Meter != nil {
		mi, err := middleware.Metrics(tele.Meter)
		if err != nil {
			return fail(err)
		}
		interceptors = append(interceptors, mi)
		em, err := executor.OtelMetrics(tele.Meter)
		if err != nil {
			return fail(err)
		}
		exOpts = append(exOpts, executor.WithMetrics(em))
	}

	s.Redis = o.redis
	if s.Redis == nil && (cfg.Storage.Backend == config.BackendRedis || cfg.Queue.Enabled) {
		c, err := OpenRedis(ctx, cfg.Storage.Redis)
		if err != nil {
			return fail(err)
		}
		s.Redis = c
		s.closers = append(s.closers, c.Close)
	}
	store, closeStore, err := OpenStore(ctx, cfg.Storage, s.Redis)
	if err != nil {
		return fail(err)
	}
	s.Store = store
	s.closers = append(s.closers, closeStore)

	deps := engine.Deps{
		Planner:         planner.NewLLMPlanner(model, planner.WithRepairAttempts(cfg.LLM.RepairAttempts), planner.WithLogger(logger)),
		Registry:        registry,
		Distiller:       distiller,
		Store:           store,
		Interceptors:    interceptors,
		ExecutorOptions: exOpts,
		Defaults:        &s.Defaults,
		Logger:          logger,
	}
	if cfg.LLM.Synthesize {
		deps.Synthesizer = llm.NewSynthesizer(model)
	}
	if cfg.Queue.Enabled {
		s.Schemas = streams.NewSchemaRegistry()
		if err := streams.RegisterBaseSchemas(s.Schemas); err != nil {
			return fail(err)
		}
		s.Notifier = streams.NewNotifier(streams.NewPublisher(s.Redis, s.Schemas, streams.WithMaxLen(cfg.Queue.MaxLen)), s.Topology())
		deps.Notifier = s.Notifier
	}
	eng, err := engine.New(deps)
	if err != nil {
		return fail(err)
	}
	s.Engine = eng
	logger.Info("stack assembled",
		zap.String("checkpoint_backend", cfg.Storage.Backend),
		zap.Bool("queue", cfg.Queue.Enabled),
		zap.Strings("personas", registry.Personas()))
	return s, nil
}

// Topology returns the configured stream names.
func (s *Stack) Topology() streams.Topology {
	q := s.cfg.Queue
	return streams.Topology{Approvals: q.Approvals, Decisions: q.Decisions, Runs: q.Runs}
}

// DecisionListener feeds the decision stream into the engine. It returns nil
// when the queue is disabled.
func (s *Stack) DecisionListener(name string) *streams.DecisionListener {
	if s.Schemas == nil || s.Redis == nil {
		return nil
	}
	if name == "" {
		name = s.cfg.Queue.Consumer
	}
	if name == "" {
		name = "engine"
	}
	return streams.NewDecisionListener(s.Redis, s.Schemas, s.Topology(), s.cfg.Queue.Group, name, s.Engine, s.logger).
		WithBlock(s.cfg.Queue.Block)
}

// Close stops the engine and releases connections.
func (s *Stack) Close(ctx context.Context) error {
	var errs []error
	if s.Engine != nil {
		if err := s.Engine.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("engine shutdown: %w", err))
		}
	}
	if err := s.closeAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Stack) closeAll() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
