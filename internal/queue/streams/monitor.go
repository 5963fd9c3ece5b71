package streams

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Backlog is the delivery state of one consumer group.
type Backlog struct {
	Stream    string           `json:"stream"`
	Group     string           `json:"group"`
	Length    int64            `json:"length"`
	Pending   int64            `json:"pending"`
	Consumers map[string]int64 `json:"consumers,omitempty"`
}

// GroupBacklog reads the stream length and the group's pending summary.
func GroupBacklog(ctx context.Context, client *redis.Client, stream, group string) (Backlog, error) {
	if client == nil {
		return Backlog{}, fmt.Errorf("redis client is nil")
	}
	if stream == "" || group == "" {
		return Backlog{}, fmt.Errorf("stream and group are required")
	}
	b := Backlog{Stream: stream, Group: group}
	n, err := client.XLen(ctx, stream).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Backlog{}, fmt.Errorf("xlen: %w", err)
	}
	b.Length = n
	if n == 0 {
		return b, nil
	}
	p, err := client.XPending(ctx, stream, group).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return b, nil
		}
		return Backlog{}, fmt.Errorf("xpending: %w", err)
	}
	b.Pending = p.Count
	b.Consumers = p.Consumers
	return b, nil
}
