package knowledge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func nugget(task, text string, vec ...float32) Nugget {
	return Nugget{SourceTaskID: task, Text: text, Embedding: vec}
}

func TestAppendAssignsSeqAndIDs(t *testing.T) {
	s := NewStore(0)
	out, err := s.Append(nugget("root.1", "a", 1, 0), nugget("root.1", "b", 0, 1))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "root.1#1", out[0].ID)
	assert.Equal(t, "root.1#2", out[1].ID)
	assert.Equal(t, int64(0), out[0].Seq)
	assert.Equal(t, int64(1), out[1].Seq)
	assert.Equal(t, 2, s.Dimension)
	assert.Len(t, s.ByTask("root.1"), 2)
}

func TestAppendIsAllOrNothing(t *testing.T) {
	s := NewStore(10)
	_, err := s.Append(nugget("t", "ok", 1, 0))
	require.NoError(t, err)

	_, err = s.Append(nugget("t", "fine", 1, 1), nugget("t", "bad", 1, 1, 1))
	require.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Equal(t, 1, s.Len())

	_, err = s.Append(nugget("t", strings.Repeat("x", 11), 1, 0))
	require.Error(t, err)
	_, err = s.Append(nugget("", "orphan", 1, 0))
	require.Error(t, err)
	assert.Equal(t, 1, s.Len())
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 1}))
	assert.Equal(t, 0.0, Cosine([]float32{1}, []float32{1, 1}))
}

func TestTopKOrdersByScoreThenNewest(t *testing.T) {
	s := NewStore(0)
	_, err := s.Append(
		nugget("a", "old match", 1, 0),
		nugget("b", "partial", 1, 1),
		nugget("c", "new match", 1, 0),
		nugget("d", "orthogonal", 0, 1),
	)
	require.NoError(t, err)

	got := s.TopK([]float32{1, 0}, 3, 0.4)
	require.Len(t, got, 3)
	assert.Equal(t, "new match", got[0].Nugget.Text, "ties favour the most recent nugget")
	assert.Equal(t, "old match", got[1].Nugget.Text)
	assert.Equal(t, "partial", got[2].Nugget.Text)

	floored := s.TopK([]float32{1, 0}, 10, 0.9)
	assert.Len(t, floored, 2)
}

func TestTopKEmptyStore(t *testing.T) {
	s := NewStore(0)
	assert.Empty(t, s.TopK([]float32{1, 0}, 3, 0))
	var nilStore *Store
	assert.Equal(t, 0, nilStore.Len())
}

func TestTopKIsIdempotent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := NewStore(0)
		n := rapid.IntRange(0, 30).Draw(rt, "n")
		for i := 0; i < n; i++ {
			x := float32(rapid.IntRange(-3, 3).Draw(rt, "x"))
			y := float32(rapid.IntRange(-3, 3).Draw(rt, "y"))
			if x == 0 && y == 0 {
				x = 1
			}
			if _, err := s.Append(nugget("t", "fact", x, y)); err != nil {
				rt.Fatalf("append: %v", err)
			}
		}
		q := []float32{float32(rapid.IntRange(-3, 3).Draw(rt, "qx")), 1}
		k := rapid.IntRange(1, 10).Draw(rt, "k")

		first := s.TopK(q, k, 0)
		second := s.TopK(q, k, 0)
		if len(first) != len(second) {
			rt.Fatalf("length changed: %d vs %d", len(first), len(second))
		}
		for i := range first {
			if first[i].Nugget.ID != second[i].Nugget.ID {
				rt.Fatalf("order changed at %d: %s vs %s", i, first[i].Nugget.ID, second[i].Nugget.ID)
			}
		}
		if len(first) > k {
			rt.Fatalf("returned %d > k=%d", len(first), k)
		}
	})
}
