package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds connection pool settings
type Config struct {
	// MaxConns caps the pool. Every held advisory lock pins one connection,
	// so it bounds how many jobs can hold a lease at once.
	MaxConns int32
	// MinConns is the minimum number of connections in the pool
	MinConns int32
	// MaxConnLifetime is the maximum lifetime of an idle connection
	MaxConnLifetime time.Duration
	// MaxConnIdleTime is the maximum idle time for a connection
	MaxConnIdleTime time.Duration
	// HealthCheckPeriod is the interval between health checks
	HealthCheckPeriod time.Duration
	// ConnectTimeout is the timeout for establishing new connections
	ConnectTimeout time.Duration
	// ApplicationName is reported in pg_stat_activity
	ApplicationName string
}

// DefaultConfig returns pool settings sized for lock and history traffic
func DefaultConfig() *Config {
	return &Config{
		MaxConns:          16,
		MinConns:          1,
		MaxConnLifetime:   30 * time.Minute,
		MaxConnIdleTime:   5 * time.Minute,
		HealthCheckPeriod: 30 * time.Second,
		ConnectTimeout:    10 * time.Second,
		ApplicationName:   "scheduler",
	}
}

// New creates a connection pool and verifies connectivity
func New(ctx context.Context, databaseURL string, cfg *Config) (*pgxpool.Pool, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	config.MaxConns = cfg.MaxConns
	config.MinConns = cfg.MinConns
	config.MaxConnLifetime = cfg.MaxConnLifetime
	config.MaxConnIdleTime = cfg.MaxConnIdleTime
	config.HealthCheckPeriod = cfg.HealthCheckPeriod
	config.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	if config.ConnConfig.RuntimeParams == nil {
		config.ConnConfig.RuntimeParams = map[string]string{}
	}
	if cfg.ApplicationName != "" {
		config.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	// Lock sessions sit idle outside a transaction for the length of a run,
	// so only statements are bounded.
	config.ConnConfig.RuntimeParams["statement_timeout"] = "30000"

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// Stats is a snapshot of pool counters
type Stats struct {
	AcquireCount         int64 `json:"acquire_count"`
	AcquiredConns        int32 `json:"acquired_conns"`
	CanceledAcquireCount int64 `json:"canceled_acquire_count"`
	EmptyAcquireCount    int64 `json:"empty_acquire_count"`
	IdleConns            int32 `json:"idle_conns"`
	MaxConns             int32 `json:"max_conns"`
	TotalConns           int32 `json:"total_conns"`
}

// GetStats returns current pool statistics
func GetStats(pool *pgxpool.Pool) Stats {
	stats := pool.Stat()
	return Stats{
		AcquireCount:         stats.AcquireCount(),
		AcquiredConns:        stats.AcquiredConns(),
		CanceledAcquireCount: stats.CanceledAcquireCount(),
		EmptyAcquireCount:    stats.EmptyAcquireCount(),
		IdleConns:            stats.IdleConns(),
		MaxConns:             stats.MaxConns(),
		TotalConns:           stats.TotalConns(),
	}
}
