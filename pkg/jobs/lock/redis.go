package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/iddaa-lens/scheduler/pkg/jobs"
	"github.com/iddaa-lens/scheduler/pkg/logger"
	"github.com/iddaa-lens/scheduler/pkg/utils"
)

const (
	defaultRedisLockTTL = time.Hour
	defaultRedisPrefix  = "scheduler:lock"
)

// redisStore defines the operations used by RedisLockProvider
type redisStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
}

type redisClient struct {
	raw *redis.Client
}

func (c redisClient) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	return c.raw.SetNX(ctx, key, value, ttl).Result()
}

func (c redisClient) Get(ctx context.Context, key string) (string, error) {
	return c.raw.Get(ctx, key).Result()
}

func (c redisClient) Del(ctx context.Context, keys ...string) error {
	return c.raw.Del(ctx, keys...).Err()
}

// RedisLockProvider grants leases using Redis SETNX with a TTL. The TTL
// bounds how long a crashed holder blocks the job; runs longer than the TTL
// lose exclusivity.
type RedisLockProvider struct {
	store  redisStore
	client *redis.Client
	owned  bool
	prefix string
	ttl    time.Duration
	logger *logger.Logger
}

// NewRedisLockProvider creates a lock provider on client
func NewRedisLockProvider(client *redis.Client, prefix string, ttl time.Duration, log *logger.Logger) *RedisLockProvider {
	p := newRedisLockProvider(redisClient{raw: client}, prefix, ttl, log)
	p.client = client
	return p
}

func newRedisLockProvider(store redisStore, prefix string, ttl time.Duration, log *logger.Logger) *RedisLockProvider {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if ttl <= 0 {
		ttl = defaultRedisLockTTL
	}
	if log == nil {
		log = logger.New("job-lock-redis")
	}
	return &RedisLockProvider{store: store, prefix: prefix, ttl: ttl, logger: log}
}

func (p *RedisLockProvider) key(jobName string) string {
	return p.prefix + ":" + utils.GenerateJobKey(jobName)
}

// Acquire tries to own the lock for jobName for the configured TTL
func (p *RedisLockProvider) Acquire(ctx context.Context, jobName string) (jobs.Lease, error) {
	key := p.key(jobName)
	owner := uuid.NewString()

	ok, err := p.store.SetNX(ctx, key, owner, p.ttl)
	if err != nil {
		return nil, fmt.Errorf("setnx %s: %w", key, err)
	}
	if !ok {
		p.logger.Debug().
			Str("job_name", jobName).
			Str("key", key).
			Str("action", "lock_already_held").
			Msg("Lock already held by another instance")
		return jobs.NotAcquired(), nil
	}

	return jobs.LeaseFunc(func(ctx context.Context) error {
		return p.release(ctx, key, owner)
	}), nil
}

// release frees the lock only if the owner value still matches
func (p *RedisLockProvider) release(ctx context.Context, key, owner string) error {
	value, err := p.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			p.logger.Warn().
				Str("key", key).
				Str("action", "lock_expired").
				Msg("Lock expired before release")
			return nil
		}
		return fmt.Errorf("read lock owner: %w", err)
	}
	if value != owner {
		p.logger.Warn().
			Str("key", key).
			Str("action", "lock_taken_over").
			Msg("Lock expired and was taken by another holder")
		return nil
	}
	if err := p.store.Del(ctx, key); err != nil {
		return fmt.Errorf("delete lock: %w", err)
	}
	return nil
}

// Close closes the client when the provider created it
func (p *RedisLockProvider) Close() error {
	if p.owned && p.client != nil {
		return p.client.Close()
	}
	return nil
}
