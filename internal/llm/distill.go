package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/fractal/internal/capability"
	"github.com/mohammad-safakhou/fractal/internal/distill"
	"github.com/mohammad-safakhou/fractal/internal/helpers"
	"github.com/mohammad-safakhou/fractal/internal/report"
)

const summarizeSystem = `You compress research output into knowledge nuggets.
Each nugget is one self-contained fact, at most a few sentences, that helps answer the objective.
Name the sources each nugget relies on using the source ids you were given.
Reply with JSON: {"nuggets": [{"text": "...", "sources": ["<source id>"]}]}`

// Summarizer distills raw worker output with a chat model.
type Summarizer struct {
	model Model
}

// NewSummarizer wraps model as a distill.Summarizer.
func NewSummarizer(model Model) *Summarizer { return &Summarizer{model: model} }

// Summarize asks the model for nuggets. An unparseable reply is an error so
// the distillation engine falls back to splitting.
func (s *Summarizer) Summarize(ctx context.Context, objective string, raw capability.RawResult) ([]distill.Draft, error) {
	var user strings.Builder
	fmt.Fprintf(&user, "Objective: %s\n\nContent:\n%s\n", objective, raw.Text)
	if len(raw.Citations) > 0 {
		user.WriteString("\nSources:\n")
		for _, c := range raw.Citations {
			fmt.Fprintf(&user, "- %s", c.SourceID)
			if c.Excerpt != "" {
				fmt.Fprintf(&user, ": %q", truncate(c.Excerpt, 160))
			}
			user.WriteString("\n")
		}
	}
	c, err := s.model.Complete(ctx, Prompt{System: summarizeSystem, User: user.String(), JSON: true})
	if err != nil {
		return nil, err
	}
	body, err := helpers.ExtractObject(c.Text)
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}
	var reply struct {
		Nuggets []distill.Draft `json:"nuggets"`
	}
	if err := json.Unmarshal([]byte(body), &reply); err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}
	if len(reply.Nuggets) == 0 {
		return nil, fmt.Errorf("summarize: reply has no nuggets")
	}
	return reply.Nuggets, nil
}

const synthesizeSystem = `You write the final research report in markdown.
Use only the findings provided. Cite them with the bracketed numbers given, like [1].
Call out disagreements between findings and say what remains unknown.
Do not invent sources.`

// Synthesizer writes deliverable bodies with a chat model.
type Synthesizer struct {
	model Model
}

// NewSynthesizer wraps model as a report.Synthesizer.
func NewSynthesizer(model Model) *Synthesizer { return &Synthesizer{model: model} }

func (s *Synthesizer) Synthesize(ctx context.Context, in report.Input, draft report.Deliverable) (string, error) {
	var user strings.Builder
	fmt.Fprintf(&user, "Question: %s\n\nFindings:\n", in.Query)
	for i, ins := range draft.Insights {
		fmt.Fprintf(&user, "\n(%d) %s\n%s\n", i+1, ins.Objective, ins.Text)
		for _, src := range ins.Sources {
			fmt.Fprintf(&user, "  source [%d]: %s\n", draft.CitationIndex(src), src)
		}
	}
	if fb := strings.TrimSpace(in.Feedback); fb != "" {
		fmt.Fprintf(&user, "\nReviewer feedback (takes priority): %s\n", fb)
	}
	c, err := s.model.Complete(ctx, Prompt{System: synthesizeSystem, User: user.String()})
	if err != nil {
		return "", err
	}
	body := strings.TrimSpace(c.Text)
	if body == "" {
		return "", fmt.Errorf("synthesize: empty reply")
	}
	return body, nil
}

var (
	_ Model                 = (*Provider)(nil)
	_ distill.Embedder      = (*Provider)(nil)
	_ distill.Summarizer    = (*Summarizer)(nil)
	_ report.Synthesizer    = (*Synthesizer)(nil)
	_ capability.Capability = (*Worker)(nil)
)
