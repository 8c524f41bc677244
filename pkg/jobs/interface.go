package jobs

import (
	"context"
	"time"
)

// Job is the body of a scheduled job. Run is invoked once per granted tick
// with a fresh Context; ctx is canceled when the runner is stopped.
type Job interface {
	Run(ctx context.Context, jc *Context) (Result, error)
}

// Canceler is implemented by job bodies that need an explicit signal, on top
// of context cancellation, to abandon an in-flight run. Cancel is best effort.
type Canceler interface {
	Cancel()
}

// Result is the free-form outcome of a single run
type Result struct {
	Message string
}

// JobFunc adapts an ordinary function to the Job interface
type JobFunc func(ctx context.Context, jc *Context) (Result, error)

// Run calls f(ctx, jc)
func (f JobFunc) Run(ctx context.Context, jc *Context) (Result, error) {
	return f(ctx, jc)
}

// LockProvider grants mutual-exclusion leases keyed by job name.
//
// Acquire must not block waiting for a holder to finish: when the lock is
// taken it returns a lease whose Acquired reports false.
type LockProvider interface {
	Acquire(ctx context.Context, name string) (Lease, error)
}

// Lease is the result of a lock acquisition attempt
type Lease interface {
	// Acquired reports whether the caller owns the lock
	Acquired() bool

	// Release gives the lock back. It is safe to call more than once and on
	// leases that were never acquired.
	Release(ctx context.Context) error
}

// HistoryProvider persists the outcome of the last run of each job
type HistoryProvider interface {
	// RestoreHistory returns the last saved history for the job. A job that
	// has never been saved yields a zero History and no error.
	RestoreHistory(ctx context.Context, name string) (History, error)

	// SaveHistory records the outcome of a run
	SaveHistory(ctx context.Context, h History) error
}

// JobProvider is a dynamic source of job configurations
type JobProvider interface {
	// GetJobs returns the full job set owned by the provider
	GetJobs(ctx context.Context) ([]Configuration, error)

	// IsReloadRequired reports whether the job set changed after since. It is
	// polled frequently and must be cheap.
	IsReloadRequired(ctx context.Context, since time.Time) bool
}

// Source supplies the static scheduler definition
type Source interface {
	Load(ctx context.Context) (*Definition, error)
}

// SourceFunc adapts a function to the Source interface
type SourceFunc func(ctx context.Context) (*Definition, error)

// Load calls f(ctx)
func (f SourceFunc) Load(ctx context.Context) (*Definition, error) {
	return f(ctx)
}

// StaticSource always returns the same definition
func StaticSource(def *Definition) Source {
	return SourceFunc(func(context.Context) (*Definition, error) {
		return def, nil
	})
}
