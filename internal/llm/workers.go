package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/fractal/internal/capability"
	"github.com/mohammad-safakhou/fractal/internal/failure"
	"github.com/mohammad-safakhou/fractal/internal/helpers"
	"github.com/mohammad-safakhou/fractal/internal/knowledge"
	"github.com/mohammad-safakhou/fractal/internal/task"
)

// WorkerVersion is stamped on the cards of the built-in workers.
const WorkerVersion = "1.0.0"

var personaVoices = map[string]string{
	capability.DefaultPersona: "You are a meticulous research analyst. Prefer primary sources and state uncertainty plainly.",
	"journalist":              "You are an investigative journalist. Favour recent, attributable reporting and name who said what.",
	"engineer":                "You are a senior software engineer. Be precise, cite documentation and call out trade-offs.",
}

func personaVoice(persona string) string {
	persona = strings.ToLower(strings.TrimSpace(persona))
	if v, ok := personaVoices[persona]; ok {
		return v
	}
	if persona == "" {
		return personaVoices[capability.DefaultPersona]
	}
	return fmt.Sprintf("You are working as a %s.", persona)
}

var roleInstructions = map[task.Role]string{
	task.RoleGatherer: `Gather facts that answer the objective.
Reply with JSON: {"text": "<findings as prose>", "citations": [{"source_id": "<url or identifier>", "excerpt": "<short quote>"}]}`,
	task.RoleProcessor: `Analyse the context and produce the result the objective asks for.
Reply with JSON: {"text": "<analysis>", "citations": [{"source_id": "<source named in the context>", "excerpt": "<short quote>"}]}`,
	task.RoleVerifier: `Check whether the context satisfies the objective. Be strict about unsupported claims.
Reply with JSON: {"passed": true|false, "score": <0..1>, "feedback": "<what is missing or wrong>"}`,
}

// Worker is a capability backed by a chat model.
type Worker struct {
	model   Model
	role    task.Role
	persona string
}

// NewWorker builds the worker for role under persona.
func NewWorker(model Model, role task.Role, persona string) *Worker {
	return &Worker{model: model, role: role, persona: persona}
}

type workerReply struct {
	Text      string               `json:"text"`
	Citations []knowledge.Citation `json:"citations"`
	Passed    *bool                `json:"passed"`
	Score     float64              `json:"score"`
	Feedback  string               `json:"feedback"`
}

// Execute runs the objective and parses the structured reply.
func (w *Worker) Execute(ctx context.Context, req capability.Request) (capability.RawResult, error) {
	persona := req.Persona
	if persona == "" {
		persona = w.persona
	}
	var user strings.Builder
	fmt.Fprintf(&user, "Objective: %s\n", req.Objective)
	if strings.TrimSpace(req.Context) != "" {
		fmt.Fprintf(&user, "\nContext:\n%s\n", req.Context)
	} else {
		user.WriteString("\nContext: none gathered yet.\n")
	}
	c, err := w.model.Complete(ctx, Prompt{
		System: personaVoice(persona) + "\n\n" + roleInstructions[w.role],
		User:   user.String(),
		JSON:   true,
	})
	if err != nil {
		return capability.RawResult{}, err
	}
	raw := capability.RawResult{Tokens: c.Tokens(), Cost: c.Cost}

	var reply workerReply
	body, jerr := helpers.ExtractObject(c.Text)
	if jerr == nil {
		jerr = json.Unmarshal([]byte(body), &reply)
	}
	if w.role == task.RoleVerifier {
		if jerr != nil || reply.Passed == nil {
			return raw, failure.Permanent(fmt.Errorf("verifier reply is not a verdict: %q", truncate(c.Text, 200)))
		}
		raw.Verdict = &capability.Verdict{Passed: *reply.Passed, Score: clamp01(reply.Score), Feedback: reply.Feedback}
		raw.Text = reply.Feedback
		if raw.Text == "" {
			raw.Text = fmt.Sprintf("verification passed=%t score=%.2f", *reply.Passed, raw.Verdict.Score)
		}
		return raw, nil
	}
	if jerr != nil || strings.TrimSpace(reply.Text) == "" {
		raw.Text = strings.TrimSpace(c.Text)
		return raw, nil
	}
	raw.Text = reply.Text
	for _, cit := range reply.Citations {
		if cit.SourceID = strings.TrimSpace(cit.SourceID); cit.SourceID != "" {
			raw.Citations = append(raw.Citations, cit)
		}
	}
	return raw, nil
}

// Bindings builds signed registry bindings for every role under each persona.
func Bindings(model Model, personas []string, secret string) ([]capability.Binding, error) {
	if len(personas) == 0 {
		personas = []string{capability.DefaultPersona}
	}
	var out []capability.Binding
	for _, persona := range personas {
		for _, role := range []task.Role{task.RoleGatherer, task.RoleProcessor, task.RoleVerifier} {
			card := capability.Card{
				Name:        "llm-" + string(role),
				Version:     WorkerVersion,
				Description: fmt.Sprintf("chat-model %s for the %s persona", role, persona),
				Role:        string(role),
				Persona:     persona,
			}
			sum, err := capability.ComputeChecksum(card)
			if err != nil {
				return nil, err
			}
			card.Checksum = sum
			if secret != "" {
				if card.Signature, err = capability.SignCard(card, secret); err != nil {
					return nil, err
				}
			}
			out = append(out, capability.Binding{Card: card, Impl: NewWorker(model, role, persona)})
		}
	}
	return out, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
