package capability

import (
	"context"

	"github.com/mohammad-safakhou/fractal/internal/knowledge"
	"github.com/mohammad-safakhou/fractal/internal/task"
)

// Request is the single opaque call a worker receives.
type Request struct {
	RunID     string    `json:"run_id"`
	NodeID    string    `json:"node_id"`
	Role      task.Role `json:"role"`
	Persona   string    `json:"persona"`
	Objective string    `json:"objective"`
	Context   string    `json:"context,omitempty"`
}

// Verdict is the judgment returned by a Verifier.
type Verdict struct {
	Passed   bool    `json:"passed"`
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback,omitempty"`
}

// RawResult is what a worker hands back before distillation.
type RawResult struct {
	Text      string               `json:"text"`
	Citations []knowledge.Citation `json:"citations,omitempty"`
	Verdict   *Verdict             `json:"verdict,omitempty"`
	Tokens    int64                `json:"tokens,omitempty"`
	Cost      float64              `json:"cost,omitempty"`
}

// Capability executes one node's objective for a role.
type Capability interface {
	Execute(ctx context.Context, req Request) (RawResult, error)
}

// Func adapts a function to the Capability interface.
type Func func(ctx context.Context, req Request) (RawResult, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, req Request) (RawResult, error) { return f(ctx, req) }
