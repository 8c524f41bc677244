package jobs

import (
	"context"
	"sync"
	"time"
)

// MemoryJobProvider serves a job set held in memory. SetJobs replaces the set
// and marks it changed, which triggers a resync on the next manager poll.
type MemoryJobProvider struct {
	mu      sync.RWMutex
	jobs    []Configuration
	changed time.Time
}

// NewMemoryJobProvider creates a provider holding jobs
func NewMemoryJobProvider(jobs ...Configuration) *MemoryJobProvider {
	p := &MemoryJobProvider{}
	p.SetJobs(jobs...)
	return p
}

// SetJobs replaces the provider's job set
func (p *MemoryJobProvider) SetJobs(jobs ...Configuration) {
	cp := make([]Configuration, len(jobs))
	for i, j := range jobs {
		cp[i] = j.clone()
	}
	p.mu.Lock()
	p.jobs = cp
	p.changed = time.Now()
	p.mu.Unlock()
}

func (p *MemoryJobProvider) GetJobs(context.Context) ([]Configuration, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Configuration, len(p.jobs))
	for i, j := range p.jobs {
		out[i] = j.clone()
	}
	return out, nil
}

func (p *MemoryJobProvider) IsReloadRequired(_ context.Context, since time.Time) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.changed.After(since)
}
