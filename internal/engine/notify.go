package engine

import (
	"context"

	"github.com/mohammad-safakhou/fractal/internal/hitl"
)

// Notifier is told when a run suspends at a checkpoint or finishes.
// Failures are logged and never affect the run.
type Notifier interface {
	ApprovalRequested(ctx context.Context, runID string, req hitl.Request) error
	RunFinished(ctx context.Context, st Status) error
}

// NopNotifier drops every notification.
type NopNotifier struct{}

func (NopNotifier) ApprovalRequested(context.Context, string, hitl.Request) error { return nil }
func (NopNotifier) RunFinished(context.Context, Status) error                   { return nil }
