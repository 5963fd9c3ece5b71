package middleware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mohammad-safakhou/fractal/internal/failure"
	"github.com/mohammad-safakhou/fractal/internal/policy"
	"github.com/mohammad-safakhou/fractal/internal/task"
)

func recorder(name string, log *[]string) Interceptor {
	return Hooks{
		Label: name,
		OnBefore: func(ctx context.Context, call *Call) (context.Context, error) {
			*log = append(*log, "before:"+name)
			return ctx, nil
		},
		OnSuccess: func(ctx context.Context, call *Call, out Outcome) {
			*log = append(*log, "success:"+name)
		},
		OnFailure: func(ctx context.Context, call *Call, err error) error {
			*log = append(*log, "failure:"+name)
			return err
		},
	}
}

func okCall(context.Context) (Outcome, error) { return Outcome{Tokens: 10, Cost: 0.5}, nil }

func TestChainOrdering(t *testing.T) {
	var log []string
	c := New(nil, recorder("a", &log), recorder("b", &log), recorder("c", &log))

	out, err := c.Run(context.Background(), Call{Op: OpExecute}, func(context.Context) (Outcome, error) {
		log = append(log, "call")
		return Outcome{Tokens: 1}, nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, out.Tokens)
	assert.Equal(t, []string{
		"before:a", "before:b", "before:c", "call",
		"success:c", "success:b", "success:a",
	}, log)
}

func TestChainBeforeVetoShortCircuits(t *testing.T) {
	var log []string
	veto := Hooks{
		Label: "veto",
		OnBefore: func(ctx context.Context, call *Call) (context.Context, error) {
			return ctx, failure.PolicyViolation{Rule: "r", Reason: "no"}
		},
	}
	c := New(nil, recorder("outer", &log), veto, recorder("inner", &log))

	called := false
	_, err := c.Run(context.Background(), Call{}, func(context.Context) (Outcome, error) {
		called = true
		return Outcome{}, nil
	})
	require.Error(t, err)
	assert.True(t, failure.IsPolicyViolation(err))
	assert.False(t, called)
	assert.Equal(t, []string{"before:outer", "failure:outer"}, log)
}

func TestChainAfterHooksSeeOwnContext(t *testing.T) {
	type key struct{}
	var seen []any
	mk := func(v string) Interceptor {
		return Hooks{
			Label: v,
			OnBefore: func(ctx context.Context, call *Call) (context.Context, error) {
				return context.WithValue(ctx, key{}, v), nil
			},
			OnSuccess: func(ctx context.Context, call *Call, out Outcome) {
				seen = append(seen, ctx.Value(key{}))
			},
		}
	}
	c := New(nil, mk("outer"), mk("inner"))
	_, err := c.Run(context.Background(), Call{}, okCall)
	require.NoError(t, err)
	assert.Equal(t, []any{"inner", "outer"}, seen)
}

func TestChainRecoversAfterHookPanics(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	var log []string
	boom := Hooks{
		Label:     "boom",
		OnSuccess: func(context.Context, *Call, Outcome) { panic("kaboom") },
		OnFailure: func(context.Context, *Call, error) error { panic("kaboom") },
	}
	c := New(zap.New(core), recorder("outer", &log), boom)

	out, err := c.Run(context.Background(), Call{}, okCall)
	require.NoError(t, err)
	assert.EqualValues(t, 10, out.Tokens)

	cause := errors.New("worker exploded")
	_, err = c.Run(context.Background(), Call{}, func(context.Context) (Outcome, error) { return Outcome{}, cause })
	require.ErrorIs(t, err, cause)

	assert.Equal(t, []string{"before:outer", "success:outer", "before:outer", "failure:outer"}, log)
	assert.Equal(t, 2, logs.Len())
}

func TestEmptyChainCallsThrough(t *testing.T) {
	var c *Chain
	out, err := c.Run(context.Background(), Call{}, okCall)
	require.NoError(t, err)
	assert.EqualValues(t, 10, out.Tokens)
	assert.Zero(t, c.Len())
}

func TestTracingRecordsSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	c := New(nil, Tracing(tp.Tracer("test")))

	call := Call{RunID: "run-1", NodeID: "root.2", Op: OpExecute, Depth: 1, Role: task.RoleProcessor}
	_, err := c.Run(context.Background(), call, okCall)
	require.NoError(t, err)
	_, err = c.Run(context.Background(), call, func(context.Context) (Outcome, error) {
		return Outcome{}, errors.New("bad")
	})
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "fractal.execute", spans[0].Name())
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "run-1", attrs["run.id"])
	assert.Equal(t, "root.2", attrs["node.id"])
	assert.Equal(t, "1", attrs["depth"])
	assert.Equal(t, "processor", attrs["role"])
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestPolicyInterceptor(t *testing.T) {
	p, err := policy.Parse([]byte("deny:\n  - name: secrets\n    pattern: secret\n"))
	require.NoError(t, err)
	c := New(nil, Policy(p), Classifier())

	_, err = c.Run(context.Background(), Call{Op: OpPlan, Objective: "find the secret"}, okCall)
	var pv failure.PolicyViolation
	require.ErrorAs(t, err, &pv)
	assert.Equal(t, "secrets", pv.Rule)

	_, err = c.Run(context.Background(), Call{Op: OpPlan, Objective: "find the weather"}, okCall)
	require.NoError(t, err)
}

func TestAccountingSubmitsUsage(t *testing.T) {
	var got []Outcome
	sink := UsageSinkFunc(func(runID string, tokens int64, cost float64) {
		assert.Equal(t, "run-9", runID)
		got = append(got, Outcome{Tokens: tokens, Cost: cost})
	})
	c := New(nil, Accounting(sink))
	_, err := c.Run(context.Background(), Call{RunID: "run-9"}, okCall)
	require.NoError(t, err)
	_, err = c.Run(context.Background(), Call{RunID: "run-9"}, func(context.Context) (Outcome, error) {
		return Outcome{}, errors.New("x")
	})
	require.Error(t, err)
	assert.Equal(t, []Outcome{{Tokens: 10, Cost: 0.5}}, got)
}

func TestClassify(t *testing.T) {
	call := &Call{NodeID: "root.1", Role: task.RoleGatherer}
	cases := []struct {
		err       error
		transient bool
	}{
		{errors.New("status 429: too many requests"), true},
		{errors.New("upstream returned status 503"), true},
		{errors.New("HTTP 502 from gateway"), true},
		{context.DeadlineExceeded, true},
		{context.Canceled, false},
		{errors.New("invalid objective"), false},
		{errors.New("parsed 500 rows before the schema check failed"), false},
		{errors.New("unknown field geofence"), false},
		{errors.New("status 404: no such dataset"), false},
		{io.EOF, false},
		{fmt.Errorf("reading body: %w", io.ErrUnexpectedEOF), true},
		{&openai.APIError{HTTPStatusCode: 502, Message: "bad gateway"}, true},
		{&openai.APIError{HTTPStatusCode: 400, Message: "bad request"}, false},
	}
	for _, tc := range cases {
		err := Classify(call, tc.err)
		var cf failure.CapabilityFailure
		require.ErrorAs(t, err, &cf, tc.err.Error())
		assert.Equal(t, tc.transient, cf.Transient, tc.err.Error())
		assert.Equal(t, "root.1", cf.NodeID)
		assert.ErrorIs(t, err, tc.err)
	}

	pv := failure.PolicyViolation{Rule: "x"}
	assert.Equal(t, error(pv), Classify(call, pv))
	assert.False(t, failure.IsTransient(Classify(call, failure.Permanent(errors.New("503")))))
	assert.NoError(t, Classify(call, nil))
}

func TestMetricsInterceptor(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := Metrics(mp.Meter("test"))
	require.NoError(t, err)
	c := New(nil, m, Classifier())

	_, err = c.Run(context.Background(), Call{Op: OpExecute}, okCall)
	require.NoError(t, err)
	_, err = c.Run(context.Background(), Call{Op: OpExecute}, func(context.Context) (Outcome, error) {
		return Outcome{}, errors.New("503")
	})
	require.Error(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			names[metric.Name] = true
			if metric.Name == "fractal_calls_total" {
				sum, ok := metric.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				assert.Len(t, sum.DataPoints, 2)
			}
		}
	}
	assert.True(t, names["fractal_calls_total"])
	assert.True(t, names["fractal_tokens_total"])
	assert.True(t, names["fractal_call_duration_seconds"])
}
