package middleware

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/mohammad-safakhou/fractal/internal/failure"
)

type metricsInterceptor struct {
	calls    otelmetric.Int64Counter
	duration otelmetric.Float64Histogram
	tokens   otelmetric.Int64Counter
	cost     otelmetric.Float64Counter
}

// Metrics records call counts, latency, token and cost totals. A nil meter
// uses the global provider.
func Metrics(meter otelmetric.Meter) (Interceptor, error) {
	if meter == nil {
		meter = otel.Meter("fractal/middleware")
	}
	m := &metricsInterceptor{}
	var err error
	if m.calls, err = meter.Int64Counter("fractal_calls_total",
		otelmetric.WithDescription("Planning and execution calls by outcome")); err != nil {
		return nil, fmt.Errorf("fractal_calls_total: %w", err)
	}
	if m.duration, err = meter.Float64Histogram("fractal_call_duration_seconds",
		otelmetric.WithDescription("Latency of planning and execution calls"),
		otelmetric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("fractal_call_duration_seconds: %w", err)
	}
	if m.tokens, err = meter.Int64Counter("fractal_tokens_total",
		otelmetric.WithDescription("Model tokens consumed by calls")); err != nil {
		return nil, fmt.Errorf("fractal_tokens_total: %w", err)
	}
	if m.cost, err = meter.Float64Counter("fractal_cost_total",
		otelmetric.WithDescription("Estimated model cost consumed by calls")); err != nil {
		return nil, fmt.Errorf("fractal_cost_total: %w", err)
	}
	return m, nil
}

func (m *metricsInterceptor) Name() string { return "metrics" }

func (m *metricsInterceptor) Before(ctx context.Context, _ *Call) (context.Context, error) {
	return withStart(ctx, "metrics"), nil
}

func (m *metricsInterceptor) record(ctx context.Context, call *Call, outcome string) {
	attrs := otelmetric.WithAttributes(
		attribute.String("op", string(call.Op)),
		attribute.String("role", string(call.Role)),
		attribute.String("outcome", outcome),
	)
	m.calls.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed(ctx, "metrics").Seconds(), attrs)
}

func (m *metricsInterceptor) AfterSuccess(ctx context.Context, call *Call, out Outcome) {
	m.record(ctx, call, "success")
	attrs := otelmetric.WithAttributes(attribute.String("op", string(call.Op)))
	if out.Tokens > 0 {
		m.tokens.Add(ctx, out.Tokens, attrs)
	}
	if out.Cost > 0 {
		m.cost.Add(ctx, out.Cost, attrs)
	}
}

func (m *metricsInterceptor) AfterFailure(ctx context.Context, call *Call, err error) error {
	outcome := "permanent"
	switch {
	case failure.IsPolicyViolation(err):
		outcome = "policy"
	case failure.IsTransient(err):
		outcome = "transient"
	}
	m.record(ctx, call, outcome)
	return err
}
