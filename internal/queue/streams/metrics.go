package streams

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

type streamInstruments struct {
	approvals otelmetric.Int64Counter
	decisions otelmetric.Int64Counter
	finished  otelmetric.Int64Counter
	tokens    otelmetric.Int64Histogram
}

// instruments is built on first publish so the global meter provider set up
// by telemetry is the one used.
var instruments = sync.OnceValue(func() *streamInstruments {
	meter := otel.Meter("fractal/queue/streams")
	var m streamInstruments
	var errs [4]error
	m.approvals, errs[0] = meter.Int64Counter("fractal_approvals_requested_total",
		otelmetric.WithDescription("Human checkpoints opened, by kind"))
	m.decisions, errs[1] = meter.Int64Counter("fractal_approval_decisions_total",
		otelmetric.WithDescription("Checkpoint decisions published, by action"))
	m.finished, errs[2] = meter.Int64Counter("fractal_runs_finished_total",
		otelmetric.WithDescription("Runs that reached a terminal phase, by phase"))
	m.tokens, errs[3] = meter.Int64Histogram("fractal_run_tokens",
		otelmetric.WithDescription("Model tokens consumed by finished runs"))
	if err := errors.Join(errs[:]...); err != nil {
		zap.L().Named("streams").Warn("stream metrics init", zap.Error(err))
	}
	return &m
})

func recordPublished(ctx context.Context, env Envelope) {
	m := instruments()
	switch env.Type {
	case EventApprovalRequested:
		var p struct {
			Kind string `json:"kind"`
		}
		if env.Decode(&p) == nil && m.approvals != nil {
			m.approvals.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("kind", p.Kind)))
		}
	case EventApprovalDecision:
		var p struct {
			Action string `json:"action"`
		}
		if env.Decode(&p) == nil && m.decisions != nil {
			m.decisions.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("action", p.Action)))
		}
	case EventRunFinished:
		var p struct {
			Phase  string `json:"phase"`
			Tokens int64  `json:"tokens"`
		}
		if env.Decode(&p) != nil {
			return
		}
		attrs := otelmetric.WithAttributes(attribute.String("phase", p.Phase))
		if m.finished != nil {
			m.finished.Add(ctx, 1, attrs)
		}
		if m.tokens != nil {
			m.tokens.Record(ctx, p.Tokens, attrs)
		}
	}
}
