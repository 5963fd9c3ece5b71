package runtime

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// SignalContext derives a context that ends on SIGINT or SIGTERM. Calling
// stop releases the signal handler early.
func SignalContext(parent context.Context, service string, logger *zap.Logger) (ctx context.Context, stop context.CancelFunc) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, stop = signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		if parent.Err() == nil && context.Cause(ctx) != nil {
			logger.Info("shutting down", zap.String("service", service), zap.Error(context.Cause(ctx)))
		}
	}()
	return ctx, stop
}
