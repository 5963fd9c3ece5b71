package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/fractal/internal/runstate"
)

// DefaultRedisPrefix namespaces checkpoint keys.
const DefaultRedisPrefix = "fractal:checkpoint"

// RedisStore keeps snapshots in Redis. Each save writes the versioned
// snapshot, the latest pointer and the suspended-run index in one transaction.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix overrides the key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithTTL expires snapshots after ttl. Zero keeps them forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewRedisStore builds a store over client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: DefaultRedisPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) versionKey(runID string, version int) string {
	return fmt.Sprintf("%s:%s:v:%d", s.prefix, runID, version)
}

func (s *RedisStore) latestKey(runID string) string {
	return fmt.Sprintf("%s:%s:latest", s.prefix, runID)
}

func (s *RedisStore) suspendedKey() string { return s.prefix + ":suspended" }

func (s *RedisStore) Save(ctx context.Context, state *runstate.State) (Ref, error) {
	if state == nil || state.RunID == "" {
		return Ref{}, fmt.Errorf("save checkpoint: run id is required")
	}
	payload, err := state.Marshal()
	if err != nil {
		return Ref{}, fmt.Errorf("save checkpoint: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.versionKey(state.RunID, state.Version), payload, s.ttl)
		pipe.Set(ctx, s.latestKey(state.RunID), state.Version, s.ttl)
		if state.Phase.Terminal() {
			pipe.SRem(ctx, s.suspendedKey(), state.RunID)
		} else {
			pipe.SAdd(ctx, s.suspendedKey(), state.RunID)
		}
		return nil
	})
	if err != nil {
		return Ref{}, fmt.Errorf("save checkpoint %s@%d: %w", state.RunID, state.Version, err)
	}
	return Ref{RunID: state.RunID, Version: state.Version}, nil
}

func (s *RedisStore) Load(ctx context.Context, ref Ref) (*runstate.State, error) {
	payload, err := s.client.Get(ctx, s.versionKey(ref.RunID, ref.Version)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", ref, err)
	}
	return runstate.Unmarshal(payload)
}

func (s *RedisStore) Latest(ctx context.Context, runID string) (*runstate.State, bool, error) {
	raw, err := s.client.Get(ctx, s.latestKey(runID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("latest checkpoint %s: %w", runID, err)
	}
	version, err := strconv.Atoi(raw)
	if err != nil {
		return nil, false, fmt.Errorf("latest checkpoint %s: bad version %q", runID, raw)
	}
	st, err := s.Load(ctx, Ref{RunID: runID, Version: version})
	if err != nil {
		return nil, false, err
	}
	return st, true, nil
}

// Suspended lists runs whose latest snapshot is not terminal.
func (s *RedisStore) Suspended(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.suspendedKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list suspended runs: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

var (
	_ Store  = (*RedisStore)(nil)
	_ Lister = (*RedisStore)(nil)
)
