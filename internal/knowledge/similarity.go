package knowledge

import (
	"math"
	"sort"
)

// Scored pairs a nugget with its similarity to a query.
type Scored struct {
	Nugget Nugget  `json:"nugget"`
	Score  float64 `json:"score"`
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a zero
// vector or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// TopK ranks every nugget against query and returns at most k of those scoring
// at least floor. Ties are broken newest first.
func (s *Store) TopK(query []float32, k int, floor float64) []Scored {
	if s.Len() == 0 || k <= 0 || len(query) == 0 {
		return nil
	}
	scored := make([]Scored, 0, len(s.Nuggets))
	for _, n := range s.Nuggets {
		score := Cosine(query, n.Embedding)
		if score < floor {
			continue
		}
		scored = append(scored, Scored{Nugget: n, Score: score})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Nugget.Seq > scored[j].Nugget.Seq
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored
}
