package knowledge

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// DefaultMaxTextRunes bounds the length of a nugget's text.
const DefaultMaxTextRunes = 1000

// Citation points back at the raw source a nugget was distilled from.
type Citation struct {
	SourceID string `json:"source_id"`
	Excerpt  string `json:"excerpt,omitempty"`
}

// Nugget is a distilled, citation-carrying fact. Once appended it is never changed.
type Nugget struct {
	ID           string     `json:"id"`
	SourceTaskID string     `json:"source_task_id"`
	Seq          int64      `json:"seq"`
	Text         string     `json:"text"`
	Embedding    []float32  `json:"embedding"`
	Citations    []Citation `json:"citations,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Store is the append-only index of nuggets for one run. It is serialized as
// part of the run state; the per-task index is rebuilt on demand.
type Store struct {
	Nuggets   []Nugget `json:"nuggets"`
	Dimension int      `json:"dimension,omitempty"`
	MaxRunes  int      `json:"max_runes,omitempty"`
}

// NewStore returns an empty store that bounds nugget text to maxRunes.
func NewStore(maxRunes int) *Store {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxTextRunes
	}
	return &Store{MaxRunes: maxRunes}
}

// ErrDimensionMismatch is returned when a nugget embedding differs in length from the store's.
var ErrDimensionMismatch = fmt.Errorf("embedding dimension mismatch")

// Append validates and stores nuggets, assigning sequence numbers and ids.
// Either all nuggets are appended or none are.
func (s *Store) Append(nuggets ...Nugget) ([]Nugget, error) {
	dim := s.Dimension
	limit := s.MaxRunes
	if limit <= 0 {
		limit = DefaultMaxTextRunes
	}
	for i, n := range nuggets {
		if n.SourceTaskID == "" {
			return nil, fmt.Errorf("nugget %d: source_task_id is required", i)
		}
		if n.Text == "" {
			return nil, fmt.Errorf("nugget %d: text is empty", i)
		}
		if utf8.RuneCountInString(n.Text) > limit {
			return nil, fmt.Errorf("nugget %d: text exceeds %d runes", i, limit)
		}
		if len(n.Embedding) == 0 {
			return nil, fmt.Errorf("nugget %d: embedding is empty", i)
		}
		if dim == 0 {
			dim = len(n.Embedding)
		}
		if len(n.Embedding) != dim {
			return nil, fmt.Errorf("%w: nugget %d has %d, store has %d", ErrDimensionMismatch, i, len(n.Embedding), dim)
		}
	}
	s.Dimension = dim
	out := make([]Nugget, 0, len(nuggets))
	for _, n := range nuggets {
		n.Seq = int64(len(s.Nuggets))
		if n.ID == "" {
			n.ID = fmt.Sprintf("%s#%d", n.SourceTaskID, len(s.ByTask(n.SourceTaskID))+1)
		}
		if n.CreatedAt.IsZero() {
			n.CreatedAt = time.Now().UTC()
		}
		n.Embedding = append([]float32(nil), n.Embedding...)
		n.Citations = append([]Citation(nil), n.Citations...)
		s.Nuggets = append(s.Nuggets, n)
		out = append(out, n)
	}
	return out, nil
}

// Len returns the number of nuggets held.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Nuggets)
}

// ByTask returns the nuggets distilled from one task node, oldest first.
func (s *Store) ByTask(taskID string) []Nugget {
	var out []Nugget
	for _, n := range s.Nuggets {
		if n.SourceTaskID == taskID {
			out = append(out, n)
		}
	}
	return out
}

// Filter returns the nuggets whose source task satisfies keep, oldest first.
func (s *Store) Filter(keep func(taskID string) bool) []Nugget {
	var out []Nugget
	for _, n := range s.Nuggets {
		if keep(n.SourceTaskID) {
			out = append(out, n)
		}
	}
	return out
}
