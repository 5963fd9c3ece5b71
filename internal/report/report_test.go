package report

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSynth struct {
	body string
	err  error
}

func (f fakeSynth) Synthesize(context.Context, Input, Deliverable) (string, error) {
	return f.body, f.err
}

func sampleInput() Input {
	return Input{
		Query: "Solar market 2025",
		Insights: []Insight{
			{NodeID: "root.1", Objective: "Gather prices", Text: "Panels fell 10%.", Sources: []string{"https://b.example", "https://a.example"}},
			{NodeID: "root.2", Objective: "Skip me", Text: "  "},
			{NodeID: "root.3", Objective: "Gather capacity", Text: "Capacity doubled.", Sources: []string{"https://a.example"}},
		},
	}
}

func TestComposeOrdersAndDeduplicates(t *testing.T) {
	d := Compose(sampleInput())

	require.Len(t, d.Insights, 2)
	assert.Equal(t, "root.1", d.Insights[0].NodeID)
	assert.Equal(t, "root.3", d.Insights[1].NodeID)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, d.Citations)
	assert.Empty(t, d.Warnings)
	assert.Contains(t, d.Body, "### Gather prices\n\nPanels fell 10%. [2][1]")
	assert.Contains(t, d.Body, "1. https://a.example\n2. https://b.example\n")
	assert.Equal(t, 2, d.CitationIndex("https://b.example"))
	assert.Zero(t, d.CitationIndex("https://c.example"))

	assert.Equal(t, d, Compose(sampleInput()), "compose is deterministic")
}

func TestComposeWarnsWithoutEvidence(t *testing.T) {
	d := Compose(Input{Query: "q", Insights: []Insight{{NodeID: "root", Objective: "o", Text: "fact"}}})
	assert.Equal(t, []string{WarnNoSources}, d.Warnings)

	d = Compose(Input{Query: "q"})
	assert.Equal(t, []string{WarnNoInsights, WarnNoSources}, d.Warnings)
	assert.Contains(t, d.Body, "_No findings._")
}

func TestSynthesize(t *testing.T) {
	in := sampleInput()
	d := Synthesize(context.Background(), fakeSynth{body: "# Written by model"}, in)
	assert.Equal(t, "# Written by model", d.Body)

	d = Synthesize(context.Background(), fakeSynth{err: errors.New("offline")}, in)
	assert.Equal(t, Compose(in).Body, d.Body)
	require.Len(t, d.Warnings, 1)
	assert.Contains(t, d.Warnings[0], "offline")

	d = Synthesize(context.Background(), nil, in)
	assert.Equal(t, Compose(in), d)
}

func TestComposeNotesFeedback(t *testing.T) {
	in := sampleInput()
	in.Feedback = "focus on Europe"
	assert.Contains(t, Compose(in).Body, "> Revised after review: focus on Europe")
}
