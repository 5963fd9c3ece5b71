package streams

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/fractal/internal/engine"
	"github.com/mohammad-safakhou/fractal/internal/failure"
	"github.com/mohammad-safakhou/fractal/internal/hitl"
)

// Decider resolves checkpoints. *engine.Engine satisfies it.
type Decider interface {
	Decide(ctx context.Context, runID, checkpointID string, d hitl.Decision) error
}

// Listener defaults.
const (
	DefaultDecisionGroup = "fractal-engine"
	DefaultBlock         = 2 * time.Second
	DefaultClaimIdle     = time.Minute
)

// DecisionListener feeds decisions from the decision stream into a Decider.
// Decisions that can never apply (stale, malformed, unknown run) are
// acknowledged and dropped; other failures stay pending and are reclaimed
// after DefaultClaimIdle.
type DecisionListener struct {
	group     *Group
	decider   Decider
	logger    *zap.Logger
	block     time.Duration
	claimIdle time.Duration
}

// NewDecisionListener reads topo's decision stream as consumer name of group.
func NewDecisionListener(client *redis.Client, registry *SchemaRegistry, topo Topology, group, name string, decider Decider, logger *zap.Logger) *DecisionListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	if group == "" {
		group = DefaultDecisionGroup
	}
	logger = logger.Named("decisions")
	return &DecisionListener{
		group:     NewGroup(client, registry, topo.withDefaults().Decisions, group, name, logger),
		decider:   decider,
		logger:    logger,
		block:     DefaultBlock,
		claimIdle: DefaultClaimIdle,
	}
}

// WithBlock overrides how long one read waits for new decisions.
func (l *DecisionListener) WithBlock(d time.Duration) *DecisionListener {
	if d > 0 {
		l.block = d
	}
	return l
}

// Run polls until ctx is done.
func (l *DecisionListener) Run(ctx context.Context) error {
	if err := l.group.Ensure(ctx); err != nil {
		return err
	}
	l.logger.Info("listening for decisions", zap.String("stream", l.group.stream), zap.String("group", l.group.name))
	for {
		if _, err := l.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("decision poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Backlog reports the decision group's delivery state.
func (l *DecisionListener) Backlog(ctx context.Context) (Backlog, error) {
	return l.group.Backlog(ctx)
}

// Poll reclaims stale pending decisions, reads new ones and applies them.
// It returns how many were acknowledged.
func (l *DecisionListener) Poll(ctx context.Context) (int, error) {
	claimed, err := l.group.Reclaim(ctx, l.claimIdle)
	if err != nil {
		return 0, err
	}
	fresh, err := l.group.Fetch(ctx, l.block)
	if err != nil {
		return 0, err
	}
	acked := 0
	for _, msg := range append(claimed, fresh...) {
		if err := l.handle(ctx, msg); err != nil {
			l.logger.Warn("decision left pending", zap.String("id", msg.ID), zap.Error(err))
			continue
		}
		if err := l.group.Ack(ctx, msg.ID); err != nil {
			return acked, err
		}
		acked++
	}
	return acked, nil
}

// handle returns an error only when the decision should be retried.
func (l *DecisionListener) handle(ctx context.Context, msg Message) error {
	var d ApprovalDecision
	if err := msg.Envelope.Decode(&d); err != nil {
		l.logger.Warn("malformed decision dropped", zap.String("id", msg.ID), zap.Error(err))
		return nil
	}
	log := l.logger.With(zap.String("run_id", d.RunID), zap.String("checkpoint_id", d.CheckpointID))
	action, err := hitl.ParseAction(d.Action)
	if err != nil {
		log.Warn("decision dropped", zap.Error(err))
		return nil
	}
	err = l.decider.Decide(ctx, d.RunID, d.CheckpointID, hitl.Decision{Action: action, Feedback: d.Feedback})
	switch {
	case err == nil:
		log.Info("decision applied", zap.String("action", string(action)), zap.String("decided_by", d.DecidedBy))
		return nil
	case failure.IsStale(err), errors.Is(err, engine.ErrRunNotFound):
		log.Warn("decision dropped", zap.Error(err))
		return nil
	default:
		return fmt.Errorf("decide %s: %w", d.RunID, err)
	}
}
