package lock

import (
	"context"
	"crypto/md5"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iddaa-lens/scheduler/pkg/jobs"
	"github.com/iddaa-lens/scheduler/pkg/logger"
)

const (
	tryLockQuery = "SELECT pg_try_advisory_lock($1)"
	unlockQuery  = "SELECT pg_advisory_unlock($1)"
)

// session is one database connection. Advisory locks belong to the session
// that took them, so a lease keeps its session until release.
type session interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	// Release returns the session to its pool
	Release()
	// Discard closes the session, dropping any locks it still holds
	Discard(ctx context.Context)
}

type sessionSource interface {
	Acquire(ctx context.Context) (session, error)
}

type poolSessions struct {
	pool *pgxpool.Pool
}

func (p poolSessions) Acquire(ctx context.Context) (session, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return poolSession{conn: conn}, nil
}

type poolSession struct {
	conn *pgxpool.Conn
}

func (s poolSession) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return s.conn.QueryRow(ctx, sql, args...)
}

func (s poolSession) Release() {
	s.conn.Release()
}

func (s poolSession) Discard(ctx context.Context) {
	_ = s.conn.Hijack().Close(ctx)
}

// PostgresLockProvider grants leases backed by PostgreSQL advisory locks
type PostgresLockProvider struct {
	sessions  sessionSource
	pool      *pgxpool.Pool
	owned     bool
	namespace string
	logger    *logger.Logger
}

// NewPostgresLockProvider creates a lock provider on pool. Job names are
// hashed together with namespace, so separate deployments sharing a database
// can use different namespaces.
func NewPostgresLockProvider(pool *pgxpool.Pool, namespace string, log *logger.Logger) *PostgresLockProvider {
	p := newPostgresLockProvider(poolSessions{pool: pool}, namespace, log)
	p.pool = pool
	return p
}

func newPostgresLockProvider(sessions sessionSource, namespace string, log *logger.Logger) *PostgresLockProvider {
	if log == nil {
		log = logger.New("job-lock-postgres")
	}
	return &PostgresLockProvider{
		sessions:  sessions,
		namespace: namespace,
		logger:    log,
	}
}

// generateLockID derives a stable advisory lock key from the job name
func (p *PostgresLockProvider) generateLockID(jobName string) int64 {
	key := jobName
	if p.namespace != "" {
		key = p.namespace + ":" + jobName
	}
	hash := md5.Sum([]byte(key))

	lockID := int64(0)
	for i := 0; i < 8; i++ {
		lockID = lockID<<8 + int64(hash[i])
	}
	if lockID < 0 {
		lockID = -lockID
	}
	return lockID
}

// Acquire attempts to take the advisory lock for jobName without waiting
func (p *PostgresLockProvider) Acquire(ctx context.Context, jobName string) (jobs.Lease, error) {
	lockID := p.generateLockID(jobName)

	p.logger.Debug().
		Str("job_name", jobName).
		Int64("lock_id", lockID).
		Str("action", "acquire_lock_attempt").
		Msg("Attempting to acquire distributed lock")

	conn, err := p.sessions.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get database session for job %s: %w", jobName, err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryLockQuery, lockID).Scan(&acquired); err != nil {
		conn.Release()
		p.logger.Error().
			Err(err).
			Str("job_name", jobName).
			Int64("lock_id", lockID).
			Str("action", "acquire_lock_failed").
			Msg("Failed to acquire distributed lock")
		return nil, fmt.Errorf("failed to acquire lock for job %s: %w", jobName, err)
	}

	if !acquired {
		conn.Release()
		p.logger.Debug().
			Str("job_name", jobName).
			Int64("lock_id", lockID).
			Str("action", "lock_already_held").
			Msg("Lock already held by another instance")
		return jobs.NotAcquired(), nil
	}

	p.logger.Debug().
		Str("job_name", jobName).
		Int64("lock_id", lockID).
		Str("action", "lock_acquired").
		Msg("Acquired distributed lock")

	return jobs.LeaseFunc(func(ctx context.Context) error {
		return p.release(ctx, conn, jobName, lockID)
	}), nil
}

func (p *PostgresLockProvider) release(ctx context.Context, conn session, jobName string, lockID int64) error {
	var released bool
	if err := conn.QueryRow(ctx, unlockQuery, lockID).Scan(&released); err != nil {
		// The session may still hold the lock; closing it is the only way to drop it.
		conn.Discard(ctx)
		p.logger.Error().
			Err(err).
			Str("job_name", jobName).
			Int64("lock_id", lockID).
			Str("action", "release_lock_failed").
			Msg("Failed to release distributed lock; session discarded")
		return fmt.Errorf("failed to release lock for job %s: %w", jobName, err)
	}
	conn.Release()

	if !released {
		p.logger.Warn().
			Str("job_name", jobName).
			Int64("lock_id", lockID).
			Str("action", "lock_not_held").
			Msg("Attempted to release lock that was not held")
	}
	return nil
}

// IsLocked reports whether any session currently holds the lock for jobName
func (p *PostgresLockProvider) IsLocked(ctx context.Context, jobName string) (bool, error) {
	lease, err := p.Acquire(ctx, jobName)
	if err != nil {
		return false, fmt.Errorf("failed to check lock status for job %s: %w", jobName, err)
	}
	if !lease.Acquired() {
		return true, nil
	}
	if err := lease.Release(ctx); err != nil {
		p.logger.Warn().
			Err(err).
			Str("job_name", jobName).
			Msg("Failed to release lock after check")
	}
	return false, nil
}

// Close closes the pool when the provider created it
func (p *PostgresLockProvider) Close() error {
	if p.owned && p.pool != nil {
		p.pool.Close()
	}
	return nil
}
