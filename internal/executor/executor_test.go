package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mohammad-safakhou/fractal/internal/capability"
	"github.com/mohammad-safakhou/fractal/internal/distill"
	"github.com/mohammad-safakhou/fractal/internal/failure"
	"github.com/mohammad-safakhou/fractal/internal/knowledge"
	"github.com/mohammad-safakhou/fractal/internal/middleware"
	"github.com/mohammad-safakhou/fractal/internal/policy"
	"github.com/mohammad-safakhou/fractal/internal/task"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func unitEmbedder() distill.Embedder {
	return distill.EmbedderFunc(func(ctx context.Context, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = []float32{1, 0}
		}
		return out, nil
	})
}

func newDistiller(t *testing.T) *distill.Engine {
	t.Helper()
	d, err := distill.New(unitEmbedder(), distill.Options{})
	require.NoError(t, err)
	return d
}

func fastRetry() Option {
	return WithRetry(RetryPolicy{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
}

func table(c capability.Capability) capability.Table {
	return capability.Table{task.RoleGatherer: c, task.RoleProcessor: c, task.RoleVerifier: c}
}

type recordingHooks struct {
	mu       sync.Mutex
	starts   map[string]int
	failures map[string]int
}

func newRecordingHooks() *recordingHooks {
	return &recordingHooks{starts: map[string]int{}, failures: map[string]int{}}
}

func (h *recordingHooks) JobStart(_ context.Context, _ string, job Job, _ int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.starts[job.NodeID]++
}

func (h *recordingHooks) JobSuccess(context.Context, string, Job, int) {}

func (h *recordingHooks) JobFailure(_ context.Context, _ string, job Job, _ int, _ error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[job.NodeID]++
}

func TestDispatchDistillsInBatchOrder(t *testing.T) {
	var seenContext atomic.Value
	c := capability.Func(func(ctx context.Context, req capability.Request) (capability.RawResult, error) {
		if req.NodeID == "root.1" {
			time.Sleep(10 * time.Millisecond)
		}
		seenContext.Store(req.Context)
		return capability.RawResult{
			Text:      "finding for " + req.Objective,
			Citations: []knowledge.Citation{{SourceID: "src-" + req.NodeID}},
		}, nil
	})
	store := knowledge.NewStore(0)
	_, err := store.Append(knowledge.Nugget{SourceTaskID: "root.0", Text: "prior fact", Embedding: []float32{1, 0}})
	require.NoError(t, err)

	ex := New(WithDistiller(newDistiller(t)))
	outs := ex.Dispatch(context.Background(), Batch{
		RunID:     "run",
		Table:     table(c),
		Knowledge: store,
		TopK:      3,
		Jobs: []Job{
			{NodeID: "root.1", Role: task.RoleGatherer, Objective: "a"},
			{NodeID: "root.2", Role: task.RoleProcessor, Objective: "b"},
		},
	})
	require.Len(t, outs, 2)
	assert.Equal(t, "root.1", outs[0].NodeID)
	assert.Equal(t, "root.2", outs[1].NodeID)
	for _, o := range outs {
		require.NoError(t, o.Err)
		require.Len(t, o.Nuggets, 1)
		assert.Equal(t, o.NodeID, o.Nuggets[0].SourceTaskID)
		assert.Equal(t, "src-"+o.NodeID, o.Nuggets[0].Citations[0].SourceID)
	}
	assert.Contains(t, seenContext.Load().(string), "prior fact")
}

func TestDispatchRespectsMaxParallel(t *testing.T) {
	var running, peak int32
	c := capability.Func(func(ctx context.Context, req capability.Request) (capability.RawResult, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return capability.RawResult{Text: "ok"}, nil
	})
	var jobs []Job
	for i := 0; i < 8; i++ {
		jobs = append(jobs, Job{NodeID: "n" + string(rune('a'+i)), Role: task.RoleGatherer, Objective: "x"})
	}
	outs := New(WithMaxParallel(2)).Dispatch(context.Background(), Batch{Table: table(c), Jobs: jobs})
	assert.Len(t, outs, 8)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestDispatchRetriesTransientOnly(t *testing.T) {
	var calls sync.Map
	c := capability.Func(func(ctx context.Context, req capability.Request) (capability.RawResult, error) {
		v, _ := calls.LoadOrStore(req.NodeID, new(int32))
		n := atomic.AddInt32(v.(*int32), 1)
		switch req.NodeID {
		case "flaky":
			if n < 3 {
				return capability.RawResult{}, errors.New("upstream returned 503")
			}
			return capability.RawResult{Text: "recovered"}, nil
		case "broken":
			return capability.RawResult{}, errors.New("invalid request: unsupported query")
		default:
			return capability.RawResult{}, failure.Transient(errors.New("rate limited"))
		}
	})
	hooks := newRecordingHooks()
	var retries int32
	ex := New(fastRetry(), WithHooks(hooks), WithMetrics(Metrics{RetryCounter: func(context.Context, Job, int) { atomic.AddInt32(&retries, 1) }}))
	outs := ex.Dispatch(context.Background(), Batch{Table: table(c), Jobs: []Job{
		{NodeID: "flaky", Role: task.RoleGatherer},
		{NodeID: "broken", Role: task.RoleGatherer},
		{NodeID: "exhausted", Role: task.RoleGatherer},
	}})

	require.NoError(t, outs[0].Err)
	assert.Equal(t, "recovered", outs[0].Text)
	assert.Equal(t, 3, hooks.starts["flaky"])

	require.Error(t, outs[1].Err)
	assert.False(t, failure.IsTransient(outs[1].Err))
	assert.Equal(t, 1, hooks.starts["broken"])

	require.Error(t, outs[2].Err)
	assert.True(t, failure.IsTransient(outs[2].Err))
	assert.Equal(t, 3, hooks.starts["exhausted"])
	assert.Equal(t, int32(4), atomic.LoadInt32(&retries))
}

func TestDispatchPolicyVetoIsNotRetried(t *testing.T) {
	p, err := policy.Parse([]byte("deny:\n  - name: no-secrets\n    pattern: password\n    ops: [execute]\n"))
	require.NoError(t, err)
	var calls int32
	c := capability.Func(func(ctx context.Context, req capability.Request) (capability.RawResult, error) {
		atomic.AddInt32(&calls, 1)
		return capability.RawResult{Text: "never"}, nil
	})
	chain := middleware.New(nil, middleware.Policy(p), middleware.Classifier())
	outs := New(WithChain(chain), fastRetry()).Dispatch(context.Background(), Batch{Table: table(c), Jobs: []Job{
		{NodeID: "root.1", Role: task.RoleGatherer, Objective: "find the admin password"},
	}})
	var pv failure.PolicyViolation
	require.ErrorAs(t, outs[0].Err, &pv)
	assert.Equal(t, "no-secrets", pv.Rule)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestDispatchMissingCapability(t *testing.T) {
	outs := New().Dispatch(context.Background(), Batch{Persona: "researcher", Table: capability.Table{}, Jobs: []Job{{NodeID: "root", Role: task.RoleVerifier}}})
	require.Error(t, outs[0].Err)
	assert.ErrorIs(t, outs[0].Err, capability.ErrCapabilityMissing)
}

func TestDispatchCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{}, 3)
	c := capability.Func(func(ctx context.Context, req capability.Request) (capability.RawResult, error) {
		started <- struct{}{}
		<-ctx.Done()
		return capability.RawResult{}, ctx.Err()
	})
	done := make(chan struct{})
	var outs []Job
	go func() {
		defer close(done)
		res := New(fastRetry()).Dispatch(ctx, Batch{Table: table(c), Jobs: []Job{
			{NodeID: "a", Role: task.RoleGatherer},
			{NodeID: "b", Role: task.RoleGatherer},
		}})
		for _, o := range res {
			if errors.Is(o.Err, context.Canceled) {
				outs = append(outs, Job{NodeID: o.NodeID})
			}
		}
	}()
	<-started
	<-started
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not return after cancellation")
	}
	assert.Len(t, outs, 2)
}

func TestDispatchRateLimit(t *testing.T) {
	c := capability.Func(func(ctx context.Context, req capability.Request) (capability.RawResult, error) {
		return capability.RawResult{Text: "ok"}, nil
	})
	ex := New(WithRateLimit(50, 1))
	start := time.Now()
	outs := ex.Dispatch(context.Background(), Batch{Table: table(c), Jobs: []Job{
		{NodeID: "a", Role: task.RoleGatherer}, {NodeID: "b", Role: task.RoleGatherer}, {NodeID: "c", Role: task.RoleGatherer},
	}})
	for _, o := range outs {
		require.NoError(t, o.Err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}
