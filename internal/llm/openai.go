package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/fractal/internal/failure"
)

// ProviderConfig configures an OpenAI-compatible endpoint.
type ProviderConfig struct {
	APIKey          string
	BaseURL         string
	ChatModel       string
	EmbeddingModel  string
	Temperature     float32
	MaxTokens       int
	CostPer1KInput  float64
	CostPer1KOutput float64
	Timeout         time.Duration
}

// Provider talks to an OpenAI-compatible API. It implements Model and
// distill.Embedder.
type Provider struct {
	client *openai.Client
	cfg    ProviderConfig
	logger *zap.Logger
}

// NewProvider builds a provider. The API key falls back to OPENAI_API_KEY.
func NewProvider(cfg ProviderConfig, logger *zap.Logger) (*Provider, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not configured")
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = openai.GPT4oMini
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = string(openai.SmallEmbedding3)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	oc.HTTPClient = &http.Client{
		Timeout:   cfg.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	return &Provider{client: openai.NewClientWithConfig(oc), cfg: cfg, logger: logger.Named("llm")}, nil
}

// Complete runs one chat completion.
func (p *Provider) Complete(ctx context.Context, pr Prompt) (Completion, error) {
	var messages []openai.ChatCompletionMessage
	if pr.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: pr.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: pr.User})
	req := openai.ChatCompletionRequest{
		Model:       p.cfg.ChatModel,
		Messages:    messages,
		Temperature: p.cfg.Temperature,
		MaxTokens:   p.cfg.MaxTokens,
	}
	if pr.JSON {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}
	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return Completion{}, classify(fmt.Errorf("chat completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return Completion{}, failure.Transient(fmt.Errorf("chat completion: no choices"))
	}
	out := Completion{
		Text:             resp.Choices[0].Message.Content,
		PromptTokens:     int64(resp.Usage.PromptTokens),
		CompletionTokens: int64(resp.Usage.CompletionTokens),
	}
	out.Cost = p.CalculateCost(out.PromptTokens, out.CompletionTokens)
	p.logger.Debug("completion",
		zap.String("model", p.cfg.ChatModel),
		zap.Int64("prompt_tokens", out.PromptTokens),
		zap.Int64("completion_tokens", out.CompletionTokens))
	return out, nil
}

// Embed returns one vector per text, in input order.
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(p.cfg.EmbeddingModel),
	})
	if err != nil {
		return nil, classify(fmt.Errorf("embeddings: %w", err))
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	vecs := make([][]float32, len(texts))
	for i, d := range resp.Data {
		idx := d.Index
		if idx < 0 || idx >= len(vecs) {
			idx = i
		}
		vecs[idx] = d.Embedding
	}
	return vecs, nil
}

// CalculateCost prices a call with the configured per-1K rates.
func (p *Provider) CalculateCost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)/1000.0*p.cfg.CostPer1KInput + float64(outputTokens)/1000.0*p.cfg.CostPer1KOutput
}

// classify marks rate limits and server errors as transient.
func classify(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	default:
		return err
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		return failure.Transient(err)
	}
	return failure.Permanent(err)
}
