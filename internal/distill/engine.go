package distill

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mohammad-safakhou/fractal/internal/capability"
	"github.com/mohammad-safakhou/fractal/internal/helpers"
	"github.com/mohammad-safakhou/fractal/internal/knowledge"
)

// Defaults used when Options leaves a field unset.
const (
	DefaultSimilarityFloor = 0.4
	DefaultTopK            = 3
	DefaultMaxNuggets      = 8
	DefaultTokenBudget     = 2000
)

// Draft is a summarizer's proposed nugget before it is embedded.
type Draft struct {
	Text      string   `json:"text"`
	SourceIDs []string `json:"sources,omitempty"`
}

// Summarizer compresses a raw worker result into drafts.
type Summarizer interface {
	Summarize(ctx context.Context, objective string, raw capability.RawResult) ([]Draft, error)
}

// Options tune an Engine.
type Options struct {
	MaxNuggetRunes  int
	MaxNuggets      int
	// SimilarityFloor drops retrieval hits scoring below it. Nil means
	// DefaultSimilarityFloor; an explicit zero keeps every non-negative hit.
	SimilarityFloor *float64
	TokenBudget     int
	Retry           RetryPolicy
	Counter         TokenCounter
	Summarizer      Summarizer
	Logger          *zap.Logger
}

// Engine distills raw results into nuggets and builds bounded context views.
type Engine struct {
	embedder   Embedder
	summarizer Summarizer
	counter    TokenCounter
	retry      RetryPolicy
	maxRunes   int
	maxNuggets int
	floor      float64
	budget     int
	logger     *zap.Logger
}

// New creates an Engine. The embedder is required.
func New(embedder Embedder, opts Options) (*Engine, error) {
	if embedder == nil {
		return nil, fmt.Errorf("distill: embedder is required")
	}
	e := &Engine{
		embedder:   embedder,
		summarizer: opts.Summarizer,
		counter:    opts.Counter,
		retry:      opts.Retry,
		maxRunes:   opts.MaxNuggetRunes,
		maxNuggets: opts.MaxNuggets,
		floor:      DefaultSimilarityFloor,
		budget:     opts.TokenBudget,
		logger:     opts.Logger,
	}
	if e.maxRunes <= 0 {
		e.maxRunes = knowledge.DefaultMaxTextRunes
	}
	if e.maxNuggets <= 0 {
		e.maxNuggets = DefaultMaxNuggets
	}
	if opts.SimilarityFloor != nil {
		e.floor = *opts.SimilarityFloor
	}
	if e.budget == 0 {
		e.budget = DefaultTokenBudget
	}
	if e.counter == nil {
		e.counter = ApproxCounter{}
	}
	if e.retry.Attempts <= 0 {
		e.retry.Attempts = 3
	}
	if e.retry.Initial <= 0 {
		e.retry.Initial = 500 * time.Millisecond
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.logger = e.logger.Named("distill")
	return e, nil
}

// MaxNuggetRunes returns the text bound applied to every nugget.
func (e *Engine) MaxNuggetRunes() int { return e.maxRunes }

// Distill compresses raw into embedded nuggets attributed to taskID. The
// returned nuggets have no sequence number yet; the knowledge store assigns
// it on append.
func (e *Engine) Distill(ctx context.Context, taskID, objective string, raw capability.RawResult) ([]knowledge.Nugget, error) {
	drafts := e.draft(ctx, objective, raw)
	if len(drafts) == 0 {
		return nil, nil
	}
	texts := make([]string, len(drafts))
	for i, d := range drafts {
		texts[i] = d.Text
	}
	vectors, err := e.embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("distill %s: %w", taskID, err)
	}
	now := time.Now().UTC()
	out := make([]knowledge.Nugget, len(drafts))
	for i, d := range drafts {
		out[i] = knowledge.Nugget{
			SourceTaskID: taskID,
			Text:         d.Text,
			Embedding:    vectors[i],
			Citations:    citationsFor(d, raw.Citations),
			CreatedAt:    now,
		}
	}
	return out, nil
}

func (e *Engine) draft(ctx context.Context, objective string, raw capability.RawResult) []Draft {
	if e.summarizer != nil {
		drafts, err := e.summarizer.Summarize(ctx, objective, raw)
		if err == nil {
			return e.bound(drafts)
		}
		e.logger.Warn("summarizer failed, falling back to splitting", zap.Error(err))
	}
	var drafts []Draft
	for _, chunk := range splitText(raw.Text, e.maxRunes, e.maxNuggets) {
		drafts = append(drafts, Draft{Text: chunk})
	}
	return drafts
}

func (e *Engine) bound(drafts []Draft) []Draft {
	out := make([]Draft, 0, len(drafts))
	for _, d := range drafts {
		d.Text = helpers.PlainText(d.Text)
		if d.Text == "" {
			continue
		}
		d.Text = truncateRunes(d.Text, e.maxRunes)
		out = append(out, d)
		if len(out) == e.maxNuggets {
			break
		}
	}
	return out
}

// citationsFor keeps the draft's sources that exist in the raw result, in raw
// order. A draft that names none inherits every raw citation.
func citationsFor(d Draft, raw []knowledge.Citation) []knowledge.Citation {
	if len(d.SourceIDs) == 0 {
		return append([]knowledge.Citation(nil), raw...)
	}
	wanted := make(map[string]bool, len(d.SourceIDs))
	for _, id := range d.SourceIDs {
		wanted[id] = true
	}
	var out []knowledge.Citation
	for _, c := range raw {
		if wanted[c.SourceID] {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return append([]knowledge.Citation(nil), raw...)
	}
	return out
}

// Retrieve returns the k nuggets most similar to query. An empty store
// yields an empty result without consulting the embedder.
func (e *Engine) Retrieve(ctx context.Context, store *knowledge.Store, query string, k int) ([]knowledge.Scored, error) {
	if store.Len() == 0 || k <= 0 {
		return nil, nil
	}
	vectors, err := e.embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	return store.TopK(vectors[0], k, e.floor), nil
}

// ContextView is the bounded projection of the knowledge store handed to a
// planning or execution call.
type ContextView struct {
	Query  string             `json:"query"`
	Items  []knowledge.Scored `json:"items,omitempty"`
	Text   string             `json:"text"`
	Tokens int                `json:"tokens"`
}

// Empty reports whether the view carries no nuggets.
func (v ContextView) Empty() bool { return len(v.Items) == 0 }

// View retrieves the top k nuggets for query and trims them to the token
// budget, keeping the highest ranked prefix. Retrieval failures degrade to an
// empty view.
func (e *Engine) View(ctx context.Context, store *knowledge.Store, query string, k int) ContextView {
	view := ContextView{Query: query}
	scored, err := e.Retrieve(ctx, store, query, k)
	if err != nil {
		e.logger.Warn("context retrieval failed, continuing without context", zap.String("query", query), zap.Error(err))
		return view
	}
	var b strings.Builder
	for i, s := range scored {
		block := formatBlock(i+1, s)
		cost := e.counter.Count(block)
		if e.budget > 0 && view.Tokens+cost > e.budget {
			break
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(block)
		view.Tokens += cost
		view.Items = append(view.Items, s)
	}
	view.Text = b.String()
	return view
}

func formatBlock(i int, s knowledge.Scored) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Context %d | Score: %.2f]\n%s", i, s.Score, s.Nugget.Text)
	if len(s.Nugget.Citations) > 0 {
		ids := make([]string, len(s.Nugget.Citations))
		for j, c := range s.Nugget.Citations {
			ids[j] = c.SourceID
		}
		fmt.Fprintf(&b, "\nSources: %s", strings.Join(ids, ", "))
	}
	return b.String()
}
