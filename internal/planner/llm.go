package planner

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mohammad-safakhou/fractal/internal/failure"
	"github.com/mohammad-safakhou/fractal/internal/helpers"
	"github.com/mohammad-safakhou/fractal/internal/llm"
	"github.com/mohammad-safakhou/fractal/internal/task"
)

// DefaultRepairAttempts is how many times an invalid reply is sent back to the model.
const DefaultRepairAttempts = 2

// LLMPlanner asks a chat model for plans and validates the replies.
type LLMPlanner struct {
	model  llm.Model
	repair int
	logger *zap.Logger
}

// Option configures an LLMPlanner.
type Option func(*LLMPlanner)

// WithRepairAttempts overrides DefaultRepairAttempts. Negative values disable repair.
func WithRepairAttempts(n int) Option {
	return func(p *LLMPlanner) {
		if n < 0 {
			n = 0
		}
		p.repair = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *LLMPlanner) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewLLMPlanner builds a planner over model.
func NewLLMPlanner(model llm.Model, opts ...Option) *LLMPlanner {
	p := &LLMPlanner{model: model, repair: DefaultRepairAttempts, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("planner")
	return p
}

func (p *LLMPlanner) Plan(ctx context.Context, req Request) (Result, error) {
	return p.ask(ctx, req, planPrompt(req))
}

func (p *LLMPlanner) Replan(ctx context.Context, req ReplanRequest) (Result, error) {
	return p.ask(ctx, req.Request, replanPrompt(req))
}

// ask runs the prompt, feeding validation errors back until the reply is a
// valid proposal or the repair attempts are spent.
func (p *LLMPlanner) ask(ctx context.Context, req Request, user string) (Result, error) {
	var (
		res     Result
		lastErr error
	)
	prompt := user
	for attempt := 1; attempt <= p.repair+1; attempt++ {
		res.Attempts = attempt
		c, err := p.model.Complete(ctx, llm.Prompt{System: systemPrompt, User: prompt, JSON: true})
		if err != nil {
			return res, fmt.Errorf("plan %s: %w", req.Node.ID, err)
		}
		res.Tokens += c.Tokens()
		res.Cost += c.Cost

		prop, err := parse(c.Text)
		if err == nil {
			if !req.AllowDecompose && prop.Decision == task.DecisionDecompose {
				p.logger.Debug("decomposition proposed where it is not allowed", zap.String("node_id", req.Node.ID))
			}
			res.Proposal = Clamp(prop, req)
			p.logger.Info("plan accepted",
				zap.String("run_id", req.RunID),
				zap.String("node_id", req.Node.ID),
				zap.String("decision", string(res.Proposal.Decision)),
				zap.Int("children", len(res.Proposal.Children)),
				zap.Int("attempts", attempt))
			return res, nil
		}
		lastErr = err
		p.logger.Warn("invalid plan reply", zap.String("node_id", req.Node.ID), zap.Int("attempt", attempt), zap.Error(err))
		prompt = user + fmt.Sprintf("\n\nYOUR PREVIOUS REPLY WAS REJECTED: %v\nReply again with only the JSON object described above.", err)
	}
	return res, failure.PlanningError{NodeID: req.Node.ID, Attempts: res.Attempts, Err: lastErr}
}

func parse(reply string) (task.Proposal, error) {
	body, err := helpers.ExtractObject(reply)
	if err != nil {
		return task.Proposal{}, err
	}
	return DecodeProposal([]byte(body))
}

const systemPrompt = `You are the orchestrator of a tree of research workers.
For the node you are given, decide exactly one of:
- "decompose": split the objective into smaller child objectives, each handled by a worker role,
- "execute": a single worker role can handle the objective directly,
- "complete": the context already answers the objective.

WORKER ROLES:
- gatherer: finds and reports facts with sources
- processor: analyses, compares or transforms gathered material
- verifier: checks that gathered material satisfies an objective

Mark a child "expand": true only when it is still too broad for one worker.

OUTPUT FORMAT (JSON):
{
  "decision": "decompose" | "execute" | "complete",
  "role": "gatherer" | "processor" | "verifier",
  "children": [{"objective": "...", "role": "gatherer", "expand": false}],
  "rationale": "one or two sentences"
}`

func header(req Request) string {
	var b strings.Builder
	if req.Query != "" && req.Node.ID != task.RootID {
		fmt.Fprintf(&b, "RESEARCH QUESTION: %s\n", req.Query)
	}
	fmt.Fprintf(&b, "NODE: %s (depth %d)\nOBJECTIVE: %s\n", req.Node.ID, req.Node.Depth, req.Node.Objective)
	if req.Persona != "" {
		fmt.Fprintf(&b, "PERSONA: %s\n", req.Persona)
	}
	if req.AllowDecompose {
		max := req.MaxChildren
		if max <= 0 {
			max = DefaultMaxChildren
		}
		fmt.Fprintf(&b, "You may decompose into at most %d children.\n", max)
	} else {
		b.WriteString("Decomposition is NOT allowed for this node: choose execute or complete.\n")
	}
	if strings.TrimSpace(req.Context) != "" {
		fmt.Fprintf(&b, "\nKNOWN CONTEXT:\n%s\n", req.Context)
	} else {
		b.WriteString("\nKNOWN CONTEXT: none yet.\n")
	}
	return b.String()
}

func planPrompt(req Request) string {
	return header(req) + "\nDecide how to handle this node."
}

func replanPrompt(req ReplanRequest) string {
	var b strings.Builder
	b.WriteString(header(req.Request))
	if req.Prior != nil {
		fmt.Fprintf(&b, "\nPRIOR PLAN (v%d): %s", req.Prior.Version, req.Prior.Decision)
		if req.Prior.Rationale != "" {
			fmt.Fprintf(&b, " (%s)", req.Prior.Rationale)
		}
		b.WriteString("\n")
		for i, c := range req.Prior.Children {
			fmt.Fprintf(&b, "  %d. [%s] %s\n", i+1, c.Role, c.Objective)
		}
	}
	if len(req.Evidence.Children) > 0 {
		b.WriteString("\nCHILD OUTCOMES:\n")
		for _, c := range req.Evidence.Children {
			fmt.Fprintf(&b, "- %s [%s] %s: %s", c.NodeID, c.Status, c.Objective, oneLine(c.Summary, 300))
			if c.Reason != "" {
				fmt.Fprintf(&b, " (reason: %s)", c.Reason)
			}
			if c.Verdict != nil {
				fmt.Fprintf(&b, " (verification passed=%t score=%.2f: %s)", c.Verdict.Passed, c.Verdict.Score, c.Verdict.Feedback)
			}
			b.WriteString("\n")
		}
	}
	if fb := strings.TrimSpace(req.Evidence.Feedback); fb != "" {
		fmt.Fprintf(&b, "\nHUMAN FEEDBACK: %s\n", fb)
		b.WriteString("The feedback takes priority over the prior plan. Change the plan to address it.\n")
	}
	switch {
	case req.Final:
		b.WriteString("\nThe final report was rejected. Plan the additional work needed, or complete if the feedback only concerns presentation.")
	case req.Evidence.Feedback != "":
		b.WriteString("\nPropose a replacement plan.")
	default:
		b.WriteString("\nIf the outcomes answer the objective, reply \"complete\". Otherwise propose a plan for what is still missing, without repeating work that succeeded.")
	}
	return b.String()
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
