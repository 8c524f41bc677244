package jobs

import (
	"context"
	"sync"
)

// NoopHistoryProvider forgets everything; every job looks like it never ran
type NoopHistoryProvider struct{}

// RestoreHistory always reports a job that never ran
func (NoopHistoryProvider) RestoreHistory(_ context.Context, name string) (History, error) {
	return History{Name: name}, nil
}

// SaveHistory discards h
func (NoopHistoryProvider) SaveHistory(context.Context, History) error {
	return nil
}

// MemoryHistoryProvider keeps the last history of each job in memory
type MemoryHistoryProvider struct {
	mu      sync.RWMutex
	entries map[string]History
}

// NewMemoryHistoryProvider creates an empty in-process history store
func NewMemoryHistoryProvider() *MemoryHistoryProvider {
	return &MemoryHistoryProvider{entries: make(map[string]History)}
}

func (p *MemoryHistoryProvider) RestoreHistory(_ context.Context, name string) (History, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.entries[name]
	if !ok {
		return History{Name: name}, nil
	}
	return h, nil
}

func (p *MemoryHistoryProvider) SaveHistory(_ context.Context, h History) error {
	p.mu.Lock()
	p.entries[h.Name] = h
	p.mu.Unlock()
	return nil
}
