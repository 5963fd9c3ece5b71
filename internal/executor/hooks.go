package executor

import (
	"context"

	"go.uber.org/zap"
)

// Hooks observes dispatch attempts. Implementations must be safe for
// concurrent use and must not touch run state.
type Hooks interface {
	JobStart(ctx context.Context, runID string, job Job, attempt int)
	JobSuccess(ctx context.Context, runID string, job Job, attempt int)
	JobFailure(ctx context.Context, runID string, job Job, attempt int, err error)
}

// NoopHooks records nothing.
type NoopHooks struct{}

func (NoopHooks) JobStart(context.Context, string, Job, int)          {}
func (NoopHooks) JobSuccess(context.Context, string, Job, int)        {}
func (NoopHooks) JobFailure(context.Context, string, Job, int, error) {}

// LogHooks writes every attempt to a zap logger.
type LogHooks struct {
	logger *zap.Logger
}

// NewLogHooks builds hooks over logger.
func NewLogHooks(logger *zap.Logger) *LogHooks {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogHooks{logger: logger.Named("dispatch")}
}

func (h *LogHooks) fields(runID string, job Job, attempt int) []zap.Field {
	return []zap.Field{
		zap.String("run_id", runID),
		zap.String("node_id", job.NodeID),
		zap.String("role", string(job.Role)),
		zap.Int("attempt", attempt),
	}
}

func (h *LogHooks) JobStart(_ context.Context, runID string, job Job, attempt int) {
	h.logger.Debug("dispatch start", h.fields(runID, job, attempt)...)
}

func (h *LogHooks) JobSuccess(_ context.Context, runID string, job Job, attempt int) {
	h.logger.Debug("dispatch success", h.fields(runID, job, attempt)...)
}

func (h *LogHooks) JobFailure(_ context.Context, runID string, job Job, attempt int, err error) {
	h.logger.Warn("dispatch failure", append(h.fields(runID, job, attempt), zap.Error(err))...)
}

var (
	_ Hooks = NoopHooks{}
	_ Hooks = (*LogHooks)(nil)
)
