package executor

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// OtelMetrics registers dispatch instruments on meter.
func OtelMetrics(meter otelmetric.Meter) (Metrics, error) {
	retries, err := meter.Int64Counter("fractal_dispatch_retries_total",
		otelmetric.WithDescription("Transient dispatch failures that were retried"))
	if err != nil {
		return Metrics{}, err
	}
	duration, err := meter.Float64Histogram("fractal_dispatch_attempt_seconds",
		otelmetric.WithDescription("Duration of a single dispatch attempt"),
		otelmetric.WithUnit("s"))
	if err != nil {
		return Metrics{}, err
	}
	return Metrics{
		RetryCounter: func(ctx context.Context, job Job, _ int) {
			retries.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("role", string(job.Role))))
		},
		Duration: func(ctx context.Context, job Job, d time.Duration) {
			duration.Record(ctx, d.Seconds(), otelmetric.WithAttributes(attribute.String("role", string(job.Role))))
		},
	}, nil
}
