// Package llm adapts chat-completion and embedding models to the planner,
// worker, distillation and synthesis interfaces.
package llm

import "context"

// Prompt is one chat-completion request.
type Prompt struct {
	System string
	User   string
	// JSON asks the model for a single JSON object.
	JSON bool
}

// Completion is a model reply with its usage.
type Completion struct {
	Text             string
	PromptTokens     int64
	CompletionTokens int64
	Cost             float64
}

// Tokens is the total token count of the exchange.
func (c Completion) Tokens() int64 { return c.PromptTokens + c.CompletionTokens }

// Model completes prompts.
type Model interface {
	Complete(ctx context.Context, p Prompt) (Completion, error)
}

// ModelFunc adapts a function to the Model interface.
type ModelFunc func(ctx context.Context, p Prompt) (Completion, error)

// Complete calls f.
func (f ModelFunc) Complete(ctx context.Context, p Prompt) (Completion, error) { return f(ctx, p) }
