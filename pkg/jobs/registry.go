package jobs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// JobFactory builds a job body. It is called once per runner.
type JobFactory func() Job

// LockProviderFactory builds a lock provider from its options
type LockProviderFactory func(ctx context.Context, opts Options) (LockProvider, error)

// HistoryProviderFactory builds a history provider from its options
type HistoryProviderFactory func(ctx context.Context, opts Options) (HistoryProvider, error)

// JobProviderFactory builds a named job provider from its options
type JobProviderFactory func(ctx context.Context, name string, opts Options) (JobProvider, error)

// Registry maps type names from configuration to constructors
type Registry struct {
	mu        sync.RWMutex
	jobs      map[string]JobFactory
	locks     map[string]LockProviderFactory
	histories map[string]HistoryProviderFactory
	providers map[string]JobProviderFactory
}

// NewRegistry returns a registry with the in-process providers registered
func NewRegistry() *Registry {
	r := &Registry{
		jobs:      make(map[string]JobFactory),
		locks:     make(map[string]LockProviderFactory),
		histories: make(map[string]HistoryProviderFactory),
		providers: make(map[string]JobProviderFactory),
	}

	r.RegisterLockProvider("static", func(context.Context, Options) (LockProvider, error) {
		return NewStaticLockProvider(), nil
	})
	r.RegisterLockProvider("local", func(context.Context, Options) (LockProvider, error) {
		return NewLocalLockProvider(), nil
	})
	r.RegisterLockProvider("none", func(context.Context, Options) (LockProvider, error) {
		return NoopLockProvider{}, nil
	})
	r.RegisterHistoryProvider("none", func(context.Context, Options) (HistoryProvider, error) {
		return NoopHistoryProvider{}, nil
	})
	r.RegisterHistoryProvider("memory", func(context.Context, Options) (HistoryProvider, error) {
		return NewMemoryHistoryProvider(), nil
	})

	return r
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// RegisterJob registers a job body constructor under typeName
func (r *Registry) RegisterJob(typeName string, factory JobFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[normalizeKey(typeName)] = factory
}

// RegisterJobFunc registers a stateless function body under typeName
func (r *Registry) RegisterJobFunc(typeName string, fn JobFunc) {
	r.RegisterJob(typeName, func() Job { return fn })
}

// RegisterLockProvider registers a lock provider constructor under typeName
func (r *Registry) RegisterLockProvider(typeName string, factory LockProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locks[normalizeKey(typeName)] = factory
}

// RegisterHistoryProvider registers a history provider constructor under typeName
func (r *Registry) RegisterHistoryProvider(typeName string, factory HistoryProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.histories[normalizeKey(typeName)] = factory
}

// RegisterJobProvider registers a job provider constructor under typeName
func (r *Registry) RegisterJobProvider(typeName string, factory JobProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[normalizeKey(typeName)] = factory
}

// NewJob builds a job body for typeName
func (r *Registry) NewJob(typeName string) (Job, error) {
	r.mu.RLock()
	factory, ok := r.jobs[normalizeKey(typeName)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, typeName)
	}
	job := factory()
	if job == nil {
		return nil, fmt.Errorf("%w: factory for %s returned nil", ErrUnknownJobType, typeName)
	}
	return job, nil
}

// NewLockProvider builds a lock provider of typeName
func (r *Registry) NewLockProvider(ctx context.Context, typeName string, opts Options) (LockProvider, error) {
	r.mu.RLock()
	factory, ok := r.locks[normalizeKey(typeName)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLockProvider, typeName)
	}
	return factory(ctx, opts)
}

// NewHistoryProvider builds a history provider of typeName
func (r *Registry) NewHistoryProvider(ctx context.Context, typeName string, opts Options) (HistoryProvider, error) {
	r.mu.RLock()
	factory, ok := r.histories[normalizeKey(typeName)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHistoryProvider, typeName)
	}
	return factory(ctx, opts)
}

// NewJobProvider builds a job provider of typeName
func (r *Registry) NewJobProvider(ctx context.Context, typeName, name string, opts Options) (JobProvider, error) {
	r.mu.RLock()
	factory, ok := r.providers[normalizeKey(typeName)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobProvider, typeName)
	}
	return factory(ctx, name, opts)
}

// HasLockProvider reports whether typeName is a registered lock provider type
func (r *Registry) HasLockProvider(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.locks[normalizeKey(typeName)]
	return ok
}

// HasHistoryProvider reports whether typeName is a registered history provider type
func (r *Registry) HasHistoryProvider(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.histories[normalizeKey(typeName)]
	return ok
}

// JobTypes lists the registered job types, sorted
func (r *Registry) JobTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.jobs))
	for k := range r.jobs {
		types = append(types, k)
	}
	sort.Strings(types)
	return types
}
