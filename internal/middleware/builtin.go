package middleware

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/fractal/internal/failure"
	"github.com/mohammad-safakhou/fractal/internal/policy"
)

type startKey struct{ name string }

func withStart(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, startKey{name}, time.Now())
}

func elapsed(ctx context.Context, name string) time.Duration {
	if t, ok := ctx.Value(startKey{name}).(time.Time); ok {
		return time.Since(t)
	}
	return 0
}

func callAttributes(call *Call) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("run.id", call.RunID),
		attribute.String("node.id", call.NodeID),
		attribute.String("op", string(call.Op)),
		attribute.Int("depth", call.Depth),
		attribute.String("role", string(call.Role)),
	}
}

// Tracing opens one span per call. A nil tracer uses the global provider.
func Tracing(tracer trace.Tracer) Interceptor {
	if tracer == nil {
		tracer = otel.Tracer("fractal/middleware")
	}
	return Hooks{
		Label: "tracing",
		OnBefore: func(ctx context.Context, call *Call) (context.Context, error) {
			ctx, _ = tracer.Start(ctx, "fractal."+string(call.Op), trace.WithAttributes(callAttributes(call)...))
			return ctx, nil
		},
		OnSuccess: func(ctx context.Context, call *Call, out Outcome) {
			span := trace.SpanFromContext(ctx)
			span.SetAttributes(attribute.Int64("tokens", out.Tokens), attribute.Float64("cost", out.Cost))
			span.SetStatus(codes.Ok, "")
			span.End()
		},
		OnFailure: func(ctx context.Context, call *Call, err error) error {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			return err
		},
	}
}

// Logging writes one structured line per call outcome.
func Logging(logger *zap.Logger) Interceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("calls")
	fields := func(ctx context.Context, call *Call) []zap.Field {
		return []zap.Field{
			zap.String("run_id", call.RunID),
			zap.String("node_id", call.NodeID),
			zap.String("op", string(call.Op)),
			zap.String("role", string(call.Role)),
			zap.Int("depth", call.Depth),
			zap.Int("attempt", call.Attempt),
			zap.Duration("elapsed", elapsed(ctx, "logging")),
		}
	}
	return Hooks{
		Label: "logging",
		OnBefore: func(ctx context.Context, call *Call) (context.Context, error) {
			logger.Debug("call started", zap.String("node_id", call.NodeID), zap.String("op", string(call.Op)))
			return withStart(ctx, "logging"), nil
		},
		OnSuccess: func(ctx context.Context, call *Call, out Outcome) {
			logger.Info("call succeeded", append(fields(ctx, call), zap.Int64("tokens", out.Tokens), zap.Float64("cost", out.Cost))...)
		},
		OnFailure: func(ctx context.Context, call *Call, err error) error {
			logger.Warn("call failed", append(fields(ctx, call), zap.Error(err))...)
			return err
		},
	}
}

// Policy vetoes calls that break the compliance rules before they run.
func Policy(p *policy.Policy) Interceptor {
	return Hooks{
		Label: "policy",
		OnBefore: func(ctx context.Context, call *Call) (context.Context, error) {
			err := p.Evaluate(policy.Subject{Op: string(call.Op), Role: string(call.Role), Objective: call.Objective})
			return ctx, err
		},
	}
}

// UsageSink receives token and cost increments for a run.
type UsageSink interface {
	RecordUsage(runID string, tokens int64, cost float64)
}

// UsageSinkFunc adapts a function to UsageSink.
type UsageSinkFunc func(runID string, tokens int64, cost float64)

func (f UsageSinkFunc) RecordUsage(runID string, tokens int64, cost float64) { f(runID, tokens, cost) }

// Accounting forwards the usage of successful calls to sink.
func Accounting(sink UsageSink) Interceptor {
	return Hooks{
		Label: "accounting",
		OnSuccess: func(_ context.Context, call *Call, out Outcome) {
			if sink == nil || (out.Tokens == 0 && out.Cost == 0) {
				return
			}
			sink.RecordUsage(call.RunID, out.Tokens, out.Cost)
		},
	}
}

// transientPhrases catch failures that reach us only as text.
var transientPhrases = []string{
	"timeout", "timed out", "deadline exceeded", "temporarily", "temporary failure",
	"rate limit", "too many requests", "service unavailable", "connection reset", "connection refused",
}

// statusInText finds an HTTP status written next to its label, e.g.
// "status 503", "status code: 429" or "HTTP 502".
var statusInText = regexp.MustCompile(`(?i)\b(?:status(?:\s+code)?|http)\s*[:=]?\s*([1-5]\d\d)\b`)

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

// Classifier maps raw errors into the failure taxonomy. It should be the
// innermost interceptor so outer ones see classified errors.
func Classifier() Interceptor {
	return Hooks{
		Label: "classifier",
		OnFailure: func(_ context.Context, call *Call, err error) error {
			return Classify(call, err)
		},
	}
}

// Classify wraps err as a transient or permanent failure.CapabilityFailure
// unless it already belongs to the taxonomy.
func Classify(call *Call, err error) error {
	if err == nil {
		return nil
	}
	var (
		cf failure.CapabilityFailure
		pv failure.PolicyViolation
		pe failure.PlanningError
	)
	if errors.As(err, &pv) || errors.As(err, &pe) {
		return err
	}
	if errors.As(err, &cf) {
		if cf.NodeID == "" && call != nil {
			cf.NodeID, cf.Role = call.NodeID, string(call.Role)
		}
		return cf
	}
	out := failure.CapabilityFailure{Err: err, Transient: transient(err)}
	if call != nil {
		out.NodeID, out.Role = call.NodeID, string(call.Role)
	}
	return out
}

func transient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	msg := err.Error()
	if m := statusInText.FindStringSubmatch(msg); m != nil {
		code, _ := strconv.Atoi(m[1])
		return retryableStatus(code)
	}
	msg = strings.ToLower(msg)
	for _, p := range transientPhrases {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
