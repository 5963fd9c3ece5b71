package distill

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Embedder turns text into fixed-length vectors. Identical text must yield
// comparable vectors across calls within a run.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbedderFunc adapts a function to the Embedder interface.
type EmbedderFunc func(ctx context.Context, texts []string) ([][]float32, error)

// Embed calls f.
func (f EmbedderFunc) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return f(ctx, texts)
}

// RetryPolicy bounds embedding retries.
type RetryPolicy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		eb.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		eb.MaxInterval = p.Max
	}
	eb.MaxElapsedTime = 0
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

func (e *Engine) embed(ctx context.Context, texts []string) ([][]float32, error) {
	var vectors [][]float32
	attempt := 0
	op := func() error {
		attempt++
		out, err := e.embedder.Embed(ctx, texts)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			e.logger.Sugar().Debugw("embedding attempt failed", "attempt", attempt, "error", err)
			return err
		}
		if len(out) != len(texts) {
			return backoff.Permanent(fmt.Errorf("embedder returned %d vectors for %d texts", len(out), len(texts)))
		}
		vectors = out
		return nil
	}
	if err := backoff.Retry(op, e.retry.backOff(ctx)); err != nil {
		return nil, fmt.Errorf("embed %d text(s) after %d attempt(s): %w", len(texts), attempt, err)
	}
	return vectors, nil
}
