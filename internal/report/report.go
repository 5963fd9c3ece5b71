package report

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Warnings attached to deliverables built from thin evidence.
const (
	WarnNoSources  = "no sources were gathered; findings are unreferenced"
	WarnNoInsights = "no insights were collected"
)

// Insight is the distilled contribution of one completed node.
type Insight struct {
	NodeID    string   `json:"node_id"`
	Objective string   `json:"objective"`
	Text      string   `json:"text"`
	Sources   []string `json:"sources,omitempty"`
}

// Deliverable is the synthesized answer to a run's query.
type Deliverable struct {
	Query     string    `json:"query"`
	Summary   string    `json:"summary"`
	Body      string    `json:"body"`
	Insights  []Insight `json:"insights,omitempty"`
	Citations []string  `json:"citations,omitempty"`
	Warnings  []string  `json:"warnings,omitempty"`
}

// Input is everything synthesis may use. Insights are in node creation order.
type Input struct {
	Query    string
	Feedback string
	Insights []Insight
}

// Synthesizer writes the deliverable body from the composed draft.
type Synthesizer interface {
	Synthesize(ctx context.Context, in Input, draft Deliverable) (string, error)
}

// Compose builds a deterministic deliverable: insights in input order, a
// deduplicated sorted source list and warnings for missing evidence.
func Compose(in Input) Deliverable {
	d := Deliverable{Query: in.Query}
	seen := map[string]struct{}{}
	for _, ins := range in.Insights {
		if strings.TrimSpace(ins.Text) == "" {
			continue
		}
		ins.Sources = append([]string(nil), ins.Sources...)
		d.Insights = append(d.Insights, ins)
		for _, s := range ins.Sources {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			d.Citations = append(d.Citations, s)
		}
	}
	sort.Strings(d.Citations)
	if len(d.Insights) == 0 {
		d.Warnings = append(d.Warnings, WarnNoInsights)
	}
	if len(d.Citations) == 0 {
		d.Warnings = append(d.Warnings, WarnNoSources)
	}
	d.Summary = fmt.Sprintf("%d finding(s) from %d source(s) for %q", len(d.Insights), len(d.Citations), in.Query)
	d.Body = render(d, in.Feedback)
	return d
}

// Synthesize composes the deliverable and, when s is set, lets it write the
// body. A synthesizer failure keeps the composed body and records a warning.
func Synthesize(ctx context.Context, s Synthesizer, in Input) Deliverable {
	d := Compose(in)
	if s == nil || len(d.Insights) == 0 {
		return d
	}
	body, err := s.Synthesize(ctx, in, d)
	if err != nil {
		d.Warnings = append(d.Warnings, fmt.Sprintf("synthesizer failed, using composed report: %v", err))
		return d
	}
	if strings.TrimSpace(body) != "" {
		d.Body = body
	}
	return d
}

// CitationIndex returns the 1-based position of source in d.Citations, or 0.
func (d Deliverable) CitationIndex(source string) int {
	i := sort.SearchStrings(d.Citations, source)
	if i < len(d.Citations) && d.Citations[i] == source {
		return i + 1
	}
	return 0
}

func render(d Deliverable, feedback string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", d.Query)
	if strings.TrimSpace(feedback) != "" {
		fmt.Fprintf(&b, "> Revised after review: %s\n\n", strings.TrimSpace(feedback))
	}
	b.WriteString("## Findings\n")
	if len(d.Insights) == 0 {
		b.WriteString("\n_No findings._\n")
	}
	for _, ins := range d.Insights {
		fmt.Fprintf(&b, "\n### %s\n\n%s", ins.Objective, strings.TrimSpace(ins.Text))
		var refs []string
		for _, s := range ins.Sources {
			if n := d.CitationIndex(strings.TrimSpace(s)); n > 0 {
				refs = append(refs, fmt.Sprintf("[%d]", n))
			}
		}
		if len(refs) > 0 {
			fmt.Fprintf(&b, " %s", strings.Join(refs, ""))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n## Sources\n\n")
	if len(d.Citations) == 0 {
		b.WriteString("_No external sources were collected._\n")
	}
	for i, c := range d.Citations {
		fmt.Fprintf(&b, "%d. %s\n", i+1, c)
	}
	return b.String()
}
