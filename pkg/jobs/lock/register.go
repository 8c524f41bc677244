// Package lock provides distributed lock providers for the job scheduler.
package lock

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/iddaa-lens/scheduler/pkg/database/pool"
	"github.com/iddaa-lens/scheduler/pkg/jobs"
	"github.com/iddaa-lens/scheduler/pkg/logger"
)

// Defaults fill in connection settings a provider definition leaves out
type Defaults struct {
	DatabaseURL string
	RedisURL    string
	Logger      *logger.Logger
}

// Register adds the "postgres" and "redis" lock provider types
func Register(registry *jobs.Registry, defaults Defaults) {
	registry.RegisterLockProvider("postgres", func(ctx context.Context, opts jobs.Options) (jobs.LockProvider, error) {
		return newPostgresFromOptions(ctx, opts, defaults)
	})
	registry.RegisterLockProvider("redis", func(ctx context.Context, opts jobs.Options) (jobs.LockProvider, error) {
		return newRedisFromOptions(ctx, opts, defaults)
	})
}

func componentLogger(defaults Defaults, component string) *logger.Logger {
	if defaults.Logger == nil {
		return logger.New(component)
	}
	return defaults.Logger.WithComponent(component)
}

func newPostgresFromOptions(ctx context.Context, opts jobs.Options, defaults Defaults) (*PostgresLockProvider, error) {
	dsn := opts.String("dsn", defaults.DatabaseURL)
	if dsn == "" {
		return nil, errors.New("postgres lock provider: dsn is required")
	}

	cfg := pool.DefaultConfig()
	maxConns, err := opts.Int("max_conns", int(cfg.MaxConns))
	if err != nil {
		return nil, fmt.Errorf("postgres lock provider: %w", err)
	}
	cfg.MaxConns = int32(maxConns)
	cfg.ApplicationName = opts.String("application_name", cfg.ApplicationName)

	db, err := pool.New(ctx, dsn, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres lock provider: %w", err)
	}

	p := NewPostgresLockProvider(db, opts.String("namespace", ""), componentLogger(defaults, "job-lock-postgres"))
	p.owned = true
	return p, nil
}

func newRedisFromOptions(ctx context.Context, opts jobs.Options, defaults Defaults) (*RedisLockProvider, error) {
	ttl, err := opts.Duration("ttl", defaultRedisLockTTL)
	if err != nil {
		return nil, fmt.Errorf("redis lock provider: %w", err)
	}
	redisOpts, err := redisOptions(opts, defaults)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis lock provider: ping redis: %w", err)
	}

	p := NewRedisLockProvider(client, opts.String("prefix", defaultRedisPrefix), ttl, componentLogger(defaults, "job-lock-redis"))
	p.owned = true
	return p, nil
}

func redisOptions(opts jobs.Options, defaults Defaults) (*redis.Options, error) {
	if url := opts.String("url", ""); url != "" || opts.String("addr", "") == "" {
		if url == "" {
			url = defaults.RedisURL
		}
		if url == "" {
			return nil, errors.New("redis lock provider: url or addr is required")
		}
		parsed, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("redis lock provider: parsing redis url: %w", err)
		}
		return parsed, nil
	}

	db, err := opts.Int("db", 0)
	if err != nil {
		return nil, fmt.Errorf("redis lock provider: %w", err)
	}
	return &redis.Options{
		Addr:     opts.String("addr", ""),
		Password: opts.String("password", ""),
		DB:       db,
	}, nil
}
