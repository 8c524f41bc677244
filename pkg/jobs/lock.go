package jobs

import (
	"context"
	"sync"
)

// lockTable is an in-process set of held job names
type lockTable struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[string]struct{})}
}

func (t *lockTable) tryLock(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.held[name]; ok {
		return false
	}
	t.held[name] = struct{}{}
	return true
}

func (t *lockTable) unlock(name string) {
	t.mu.Lock()
	delete(t.held, name)
	t.mu.Unlock()
}

func (t *lockTable) isLocked(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.held[name]
	return ok
}

// processLocks is shared by every StaticLockProvider in the process
var processLocks = newLockTable()

// StaticLockProvider grants leases from a process-wide table, so runners of
// the same job in different managers of one process exclude each other.
type StaticLockProvider struct {
	table *lockTable
}

// NewStaticLockProvider returns a provider backed by the process-wide table
func NewStaticLockProvider() *StaticLockProvider {
	return &StaticLockProvider{table: processLocks}
}

// Acquire attempts to take the lock for name without waiting
func (p *StaticLockProvider) Acquire(_ context.Context, name string) (Lease, error) {
	return acquireFromTable(p.table, name), nil
}

// IsLocked reports whether a lease for name is currently held
func (p *StaticLockProvider) IsLocked(name string) bool {
	return p.table.isLocked(name)
}

// LocalLockProvider behaves like StaticLockProvider with a private table
type LocalLockProvider struct {
	table *lockTable
}

// NewLocalLockProvider returns a provider with its own lock table
func NewLocalLockProvider() *LocalLockProvider {
	return &LocalLockProvider{table: newLockTable()}
}

// Acquire attempts to take the lock for name without waiting
func (p *LocalLockProvider) Acquire(_ context.Context, name string) (Lease, error) {
	return acquireFromTable(p.table, name), nil
}

// IsLocked reports whether a lease for name is currently held
func (p *LocalLockProvider) IsLocked(name string) bool {
	return p.table.isLocked(name)
}

func acquireFromTable(t *lockTable, name string) Lease {
	if !t.tryLock(name) {
		return NotAcquired()
	}
	return &tableLease{table: t, name: name}
}

type tableLease struct {
	table *lockTable
	name  string
	once  sync.Once
}

func (l *tableLease) Acquired() bool { return true }

func (l *tableLease) Release(context.Context) error {
	l.once.Do(func() { l.table.unlock(l.name) })
	return nil
}

// NoopLockProvider grants every request
type NoopLockProvider struct{}

// Acquire always succeeds
func (NoopLockProvider) Acquire(context.Context, string) (Lease, error) {
	return grantedLease{}, nil
}

type grantedLease struct{}

func (grantedLease) Acquired() bool                { return true }
func (grantedLease) Release(context.Context) error { return nil }

type deniedLease struct{}

func (deniedLease) Acquired() bool                { return false }
func (deniedLease) Release(context.Context) error { return nil }

// NotAcquired returns a lease reporting that the lock is held elsewhere
func NotAcquired() Lease {
	return deniedLease{}
}

// LeaseFunc builds an acquired lease whose Release runs fn exactly once
func LeaseFunc(fn func(ctx context.Context) error) Lease {
	return &funcLease{fn: fn}
}

type funcLease struct {
	mu       sync.Mutex
	fn       func(ctx context.Context) error
	released bool
}

func (l *funcLease) Acquired() bool { return true }

func (l *funcLease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true
	if l.fn == nil {
		return nil
	}
	return l.fn(ctx)
}
