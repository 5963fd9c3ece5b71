package distill

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mohammad-safakhou/fractal/internal/capability"
	"github.com/mohammad-safakhou/fractal/internal/knowledge"
)

// axisEmbedder maps text onto axes by keyword so similarity is predictable.
func axisEmbedder(calls *int32) EmbedderFunc {
	keywords := []string{"solar", "wind", "coal"}
	return func(_ context.Context, texts []string) ([][]float32, error) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		out := make([][]float32, len(texts))
		for i, t := range texts {
			v := make([]float32, len(keywords)+1)
			v[len(keywords)] = 0.01
			for j, k := range keywords {
				if strings.Contains(strings.ToLower(t), k) {
					v[j] = 1
				}
			}
			out[i] = v
		}
		return out, nil
	}
}

type stubSummarizer struct {
	drafts []Draft
	err    error
}

func (s stubSummarizer) Summarize(context.Context, string, capability.RawResult) ([]Draft, error) {
	return s.drafts, s.err
}

func fastRetry() RetryPolicy {
	return RetryPolicy{Attempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond}
}

func TestDistillWithSummarizerMergesCitations(t *testing.T) {
	sum := stubSummarizer{drafts: []Draft{
		{Text: "Solar output rose 20%.", SourceIDs: []string{"s2", "bogus"}},
		{Text: "Wind stayed flat.", SourceIDs: []string{"bogus"}},
		{Text: "   "},
	}}
	e, err := New(axisEmbedder(nil), Options{Summarizer: sum, Retry: fastRetry()})
	require.NoError(t, err)

	raw := capability.RawResult{
		Text:      "irrelevant",
		Citations: []knowledge.Citation{{SourceID: "s1"}, {SourceID: "s2"}},
	}
	nuggets, err := e.Distill(context.Background(), "root.1", "energy", raw)
	require.NoError(t, err)
	require.Len(t, nuggets, 2)

	assert.Equal(t, "root.1", nuggets[0].SourceTaskID)
	assert.Equal(t, []knowledge.Citation{{SourceID: "s2"}}, nuggets[0].Citations)
	assert.Equal(t, raw.Citations, nuggets[1].Citations, "a draft with no valid source inherits all")
	assert.Len(t, nuggets[0].Embedding, 4)
}

func TestDistillFallsBackToSplitter(t *testing.T) {
	e, err := New(axisEmbedder(nil), Options{
		Summarizer:     stubSummarizer{err: errors.New("model offline")},
		MaxNuggetRunes: 20,
		Retry:          fastRetry(),
	})
	require.NoError(t, err)

	raw := capability.RawResult{
		Text:      "first paragraph\n\nsecond paragraph\n\n" + strings.Repeat("x", 45),
		Citations: []knowledge.Citation{{SourceID: "a"}},
	}
	nuggets, err := e.Distill(context.Background(), "root", "q", raw)
	require.NoError(t, err)
	require.NotEmpty(t, nuggets)
	for _, n := range nuggets {
		assert.LessOrEqual(t, len([]rune(n.Text)), 20)
		assert.Equal(t, raw.Citations, n.Citations)
	}

	store := knowledge.NewStore(20)
	_, err = store.Append(nuggets...)
	require.NoError(t, err)
}

func TestDistillEmptyResultYieldsNoNuggets(t *testing.T) {
	var calls int32
	e, err := New(axisEmbedder(&calls), Options{})
	require.NoError(t, err)
	nuggets, err := e.Distill(context.Background(), "root", "q", capability.RawResult{Text: "  \n\n "})
	require.NoError(t, err)
	assert.Empty(t, nuggets)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestEmbedRetriesThenSucceeds(t *testing.T) {
	var calls int32
	flaky := EmbedderFunc(func(ctx context.Context, texts []string) ([][]float32, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, errors.New("503 unavailable")
		}
		return axisEmbedder(nil)(ctx, texts)
	})
	e, err := New(flaky, Options{Retry: fastRetry()})
	require.NoError(t, err)

	nuggets, err := e.Distill(context.Background(), "root", "q", capability.RawResult{Text: "solar"})
	require.NoError(t, err)
	require.Len(t, nuggets, 1)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestEmbedGivesUpAfterAttempts(t *testing.T) {
	var calls int32
	broken := EmbedderFunc(func(context.Context, []string) ([][]float32, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("down")
	})
	e, err := New(broken, Options{Retry: fastRetry()})
	require.NoError(t, err)

	_, err = e.Distill(context.Background(), "root", "q", capability.RawResult{Text: "solar"})
	require.Error(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func seededStore(t *testing.T, e *Engine, texts ...string) *knowledge.Store {
	t.Helper()
	store := knowledge.NewStore(0)
	for i, text := range texts {
		nuggets, err := e.Distill(context.Background(), "root."+string(rune('1'+i)), "q", capability.RawResult{
			Text:      text,
			Citations: []knowledge.Citation{{SourceID: "src-" + string(rune('a'+i))}},
		})
		require.NoError(t, err)
		_, err = store.Append(nuggets...)
		require.NoError(t, err)
	}
	return store
}

func TestRetrieveEmptyStoreSkipsEmbedder(t *testing.T) {
	var calls int32
	e, err := New(axisEmbedder(&calls), Options{})
	require.NoError(t, err)

	got, err := e.Retrieve(context.Background(), knowledge.NewStore(0), "solar", 3)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestRetrieveRanksAndFloors(t *testing.T) {
	e, err := New(axisEmbedder(nil), Options{Retry: fastRetry()})
	require.NoError(t, err)
	store := seededStore(t, e, "solar farms", "wind turbines", "solar and wind", "coal plants")

	got, err := e.Retrieve(context.Background(), store, "solar", 5)
	require.NoError(t, err)
	require.Len(t, got, 2, "wind and coal fall below the floor")
	assert.Equal(t, "solar farms", got[0].Nugget.Text)
	assert.Equal(t, "solar and wind", got[1].Nugget.Text)
	assert.Greater(t, got[0].Score, got[1].Score)
}

func TestRetrieveHonoursExplicitZeroFloor(t *testing.T) {
	floor := 0.0
	e, err := New(axisEmbedder(nil), Options{Retry: fastRetry(), SimilarityFloor: &floor})
	require.NoError(t, err)
	store := seededStore(t, e, "solar farms", "wind turbines", "coal plants")

	got, err := e.Retrieve(context.Background(), store, "solar", 5)
	require.NoError(t, err)
	require.Len(t, got, 3, "a zero floor keeps weakly related nuggets")
	assert.Equal(t, "solar farms", got[0].Nugget.Text)
	assert.Less(t, got[2].Score, DefaultSimilarityFloor)
}

func TestViewRendersBlocksWithinBudget(t *testing.T) {
	e, err := New(axisEmbedder(nil), Options{Retry: fastRetry()})
	require.NoError(t, err)
	store := seededStore(t, e, "solar farms", "solar panels on roofs")

	view := e.View(context.Background(), store, "solar", 3)
	require.Len(t, view.Items, 2)
	assert.Contains(t, view.Text, "[Context 1 | Score: ")
	assert.Contains(t, view.Text, "Sources: src-")
	assert.Equal(t, ApproxCounter{}.Count(formatBlock(1, view.Items[0]))+ApproxCounter{}.Count(formatBlock(2, view.Items[1])), view.Tokens)

	first := ApproxCounter{}.Count(formatBlock(1, view.Items[0]))
	tight, err := New(axisEmbedder(nil), Options{Retry: fastRetry(), TokenBudget: first})
	require.NoError(t, err)
	trimmed := tight.View(context.Background(), store, "solar", 3)
	require.Len(t, trimmed.Items, 1)
	assert.LessOrEqual(t, trimmed.Tokens, first)
}

func TestViewDegradesOnEmbeddingFailure(t *testing.T) {
	good, err := New(axisEmbedder(nil), Options{Retry: fastRetry()})
	require.NoError(t, err)
	store := seededStore(t, good, "solar farms")

	core, logs := observer.New(zap.WarnLevel)
	broken := EmbedderFunc(func(context.Context, []string) ([][]float32, error) {
		return nil, errors.New("down")
	})
	e, err := New(broken, Options{Retry: fastRetry(), Logger: zap.New(core)})
	require.NoError(t, err)

	view := e.View(context.Background(), store, "solar", 3)
	assert.True(t, view.Empty())
	assert.Empty(t, view.Text)
	assert.Equal(t, 1, logs.FilterMessage("context retrieval failed, continuing without context").Len())
}

func TestNewRequiresEmbedder(t *testing.T) {
	_, err := New(nil, Options{})
	require.Error(t, err)
}
