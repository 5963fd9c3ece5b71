package streams

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultBatch caps how many entries one fetch or reclaim returns.
const DefaultBatch = 10

// Message is a decoded stream entry.
type Message struct {
	ID       string
	Envelope Envelope
}

// Group reads one stream as one member of a consumer group. Entries that
// cannot be decoded or fail validation are acknowledged and dropped.
type Group struct {
	client   *redis.Client
	registry *SchemaRegistry
	stream   string
	name     string
	member   string
	batch    int64
	logger   *zap.Logger
}

// NewGroup reads stream as member of group name.
func NewGroup(client *redis.Client, registry *SchemaRegistry, stream, name, member string, logger *zap.Logger) *Group {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Group{
		client:   client,
		registry: registry,
		stream:   stream,
		name:     name,
		member:   member,
		batch:    DefaultBatch,
		logger:   logger.Named("group"),
	}
}

func (g *Group) valid() error {
	if g.stream == "" || g.name == "" || g.member == "" {
		return fmt.Errorf("stream, group and member are required")
	}
	return nil
}

// Ensure creates the group at the end of the stream, creating the stream if
// needed. An existing group is left alone.
func (g *Group) Ensure(ctx context.Context) error {
	if err := g.valid(); err != nil {
		return err
	}
	err := g.client.XGroupCreateMkStream(ctx, g.stream, g.name, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s/%s: %w", g.stream, g.name, err)
	}
	return nil
}

// Fetch reads entries never delivered to the group. It waits up to block for
// new ones; a non-positive block returns immediately.
func (g *Group) Fetch(ctx context.Context, block time.Duration) ([]Message, error) {
	if err := g.valid(); err != nil {
		return nil, err
	}
	if block <= 0 {
		// go-redis sends BLOCK 0, which waits forever, for a zero duration.
		block = -1
	}
	res, err := g.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    g.name,
		Consumer: g.member,
		Streams:  []string{g.stream, ">"},
		Count:    g.batch,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s: %w", g.stream, err)
	}
	var out []Message
	for _, st := range res {
		out = append(out, g.decode(ctx, st.Messages)...)
	}
	return out, nil
}

// Reclaim takes over entries another member has held longer than minIdle.
func (g *Group) Reclaim(ctx context.Context, minIdle time.Duration) ([]Message, error) {
	if err := g.valid(); err != nil {
		return nil, err
	}
	msgs, _, err := g.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   g.stream,
		Group:    g.name,
		Consumer: g.member,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    g.batch,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xautoclaim %s: %w", g.stream, err)
	}
	return g.decode(ctx, msgs), nil
}

// Ack marks entries as processed.
func (g *Group) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := g.client.XAck(ctx, g.stream, g.name, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", g.stream, err)
	}
	return nil
}

// Backlog reports what the group has yet to finish.
func (g *Group) Backlog(ctx context.Context) (Backlog, error) {
	return GroupBacklog(ctx, g.client, g.stream, g.name)
}

func (g *Group) decode(ctx context.Context, entries []redis.XMessage) []Message {
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		env, err := openEntry(e.Values)
		if err == nil && g.registry != nil {
			err = g.registry.Validate(env.Type, env.Version, env.Data)
		}
		if err != nil {
			g.logger.Warn("dropping undecodable entry", zap.String("stream", g.stream), zap.String("id", e.ID), zap.Error(err))
			_ = g.client.XAck(ctx, g.stream, g.name, e.ID).Err()
			continue
		}
		out = append(out, Message{ID: e.ID, Envelope: env})
	}
	return out
}
