package streams

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Event is one payload bound for a stream.
type Event struct {
	Stream string
	RunID  string
	Type   string
	// Version defaults to v1.
	Version string
	Payload any
}

// Publisher appends schema-validated envelopes to Redis streams.
type Publisher struct {
	client   *redis.Client
	registry *SchemaRegistry
	maxLen   int64
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithMaxLen trims every stream written to approximately n entries.
func WithMaxLen(n int64) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.maxLen = n
		}
	}
}

// NewPublisher validates against registry when it is non-nil.
func NewPublisher(client *redis.Client, registry *SchemaRegistry, opts ...PublisherOption) *Publisher {
	p := &Publisher{client: client, registry: registry}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish seals ev, validates its payload and appends it. It returns the
// stream entry id.
func (p *Publisher) Publish(ctx context.Context, ev Event) (string, error) {
	if ev.Stream == "" {
		return "", fmt.Errorf("stream name is required")
	}
	env, err := seal(ctx, ev)
	if err != nil {
		return "", err
	}
	if p.registry != nil {
		if err := p.registry.Validate(env.Type, env.Version, env.Data); err != nil {
			return "", err
		}
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: ev.Stream,
		Values: map[string]interface{}{envelopeField: raw},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", ev.Stream, err)
	}
	recordPublished(ctx, env)
	return id, nil
}
