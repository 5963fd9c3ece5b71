package runtime

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/fractal/config"
	"github.com/mohammad-safakhou/fractal/internal/checkpoint"
)

// BuildPostgresDSN constructs a DSN from the postgres configuration.
func BuildPostgresDSN(p config.PostgresConfig) (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres configuration incomplete: host/dbname required")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// OpenRedis connects and pings.
func OpenRedis(ctx context.Context, r config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         r.Addr(),
		Password:     r.Password,
		DB:           r.DB,
		DialTimeout:  r.Timeout,
		ReadTimeout:  r.Timeout,
		WriteTimeout: r.Timeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed (%s): %w", r.Addr(), err)
	}
	return client, nil
}

// OpenStore opens the configured checkpoint backend. A redis backend reuses
// client when one is given. The returned close func releases what OpenStore
// opened itself.
func OpenStore(ctx context.Context, s config.StorageConfig, client *redis.Client) (checkpoint.Store, func() error, error) {
	noop := func() error { return nil }
	switch s.Backend {
	case config.BackendMemory, "":
		return checkpoint.NewMemoryStore(), noop, nil
	case config.BackendRedis:
		closeFn := noop
		if client == nil {
			c, err := OpenRedis(ctx, s.Redis)
			if err != nil {
				return nil, nil, err
			}
			client, closeFn = c, c.Close
		}
		opts := []checkpoint.RedisOption{checkpoint.WithPrefix(s.Redis.Prefix)}
		if s.Redis.TTL > 0 {
			opts = append(opts, checkpoint.WithTTL(s.Redis.TTL))
		}
		return checkpoint.NewRedisStore(client, opts...), closeFn, nil
	case config.BackendPostgres:
		dsn, err := BuildPostgresDSN(s.Postgres)
		if err != nil {
			return nil, nil, err
		}
		st, err := checkpoint.OpenPostgres(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown checkpoint backend %q", s.Backend)
	}
}
