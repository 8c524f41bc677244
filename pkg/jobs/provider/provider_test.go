package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iddaa-lens/scheduler/pkg/jobs"
	"github.com/iddaa-lens/scheduler/pkg/logger"
)

const jobFile = `jobs:
  - name: heartbeat
    type: log
    interval: 30s
    arguments:
      message: alive
  - name: cleanup
    type: sleep
    group: maintenance
    interval: "@every 1h"
    timeout: 10m
    run_on_start: true
`

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestFileJobProvider_GetJobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	writeFile(t, path, jobFile)

	p, err := newFileJobProvider("files", path, 20*time.Millisecond, false, logger.Nop())
	require.NoError(t, err)
	defer p.Close()

	got, err := p.GetJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "heartbeat", got[0].Name)
	assert.Equal(t, 30*time.Second, got[0].Interval)
	assert.Equal(t, "alive", got[0].Arguments["message"])

	assert.Equal(t, "maintenance", got[1].Group)
	assert.Equal(t, time.Hour, got[1].Interval)
	assert.Equal(t, 10*time.Minute, got[1].Timeout)
	assert.True(t, got[1].RunOnStart)
}

func TestFileJobProvider_MissingAndInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.yaml")

	p, err := newFileJobProvider("files", path, 20*time.Millisecond, false, logger.Nop())
	require.NoError(t, err)

	got, err := p.GetJobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)

	writeFile(t, path, "jobs: [unterminated")
	_, err = p.GetJobs(context.Background())
	assert.Error(t, err)

	_, err = NewFileJobProvider("files", " ", logger.Nop())
	assert.Error(t, err)
}

func TestFileJobProvider_WatchDetectsChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	writeFile(t, path, jobFile)

	p, err := newFileJobProvider("files", path, 20*time.Millisecond, true, logger.Nop())
	require.NoError(t, err)
	defer p.Close()

	since := time.Now()
	ctx := context.Background()
	assert.False(t, p.IsReloadRequired(ctx, since))

	writeFile(t, path, "jobs: []\n")

	assert.Eventually(t, func() bool {
		return p.IsReloadRequired(ctx, since)
	}, 3*time.Second, 10*time.Millisecond)

	got, err := p.GetJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFileJobProvider_MtimeFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	writeFile(t, path, jobFile)

	p, err := newFileJobProvider("files", path, 20*time.Millisecond, false, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, p.Close())

	since := time.Now()
	ctx := context.Background()
	assert.False(t, p.IsReloadRequired(ctx, since))

	later := since.Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))
	assert.True(t, p.IsReloadRequired(ctx, since))
}

// jobServer serves a job document and honours If-Modified-Since
type jobServer struct {
	mu        sync.Mutex
	updatedAt time.Time
	jobs      []jobs.JobDefinition
	status    int
	requests  atomic.Int32
}

func (s *jobServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != 0 {
		w.WriteHeader(s.status)
		return
	}
	if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		t, err := http.ParseTime(ims)
		if err == nil && !s.updatedAt.Truncate(time.Second).After(t) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(httpDocument{UpdatedAt: s.updatedAt, Jobs: s.jobs})
}

func (s *jobServer) set(updatedAt time.Time, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updatedAt = updatedAt
	s.status = status
}

func TestHTTPJobProvider_GetJobsAndReload(t *testing.T) {
	updated := time.Now().Add(-time.Hour).UTC()
	backend := &jobServer{
		updatedAt: updated,
		jobs: []jobs.JobDefinition{
			{Name: "remote", Type: "log", Interval: jobs.Interval(5 * time.Minute)},
		},
	}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	p, err := NewHTTPJobProvider("remote", srv.URL, HTTPOptions{Timeout: time.Second}, logger.Nop())
	require.NoError(t, err)
	defer p.Close()
	ctx := context.Background()

	got, err := p.GetJobs(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "remote", got[0].Name)
	assert.Equal(t, 5*time.Minute, got[0].Interval)
	assert.True(t, updated.Equal(p.LastUpdated()))

	synced := time.Now()
	assert.False(t, p.IsReloadRequired(ctx, synced), "unchanged document should not trigger a reload")

	backend.set(synced.Add(2*time.Second), 0)
	assert.True(t, p.IsReloadRequired(ctx, synced))
}

func TestHTTPJobProvider_BreakerOpens(t *testing.T) {
	backend := &jobServer{status: http.StatusInternalServerError}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	p, err := NewHTTPJobProvider("flaky", srv.URL, HTTPOptions{
		Timeout:        time.Second,
		BreakerTimeout: time.Hour,
	}, logger.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < breakerTripFailures; i++ {
		_, err := p.GetJobs(ctx)
		assert.Error(t, err)
	}
	require.Equal(t, int32(breakerTripFailures), backend.requests.Load())

	_, err = p.GetJobs(ctx)
	assert.Error(t, err)
	assert.False(t, p.IsReloadRequired(ctx, time.Time{}))
	assert.Equal(t, int32(breakerTripFailures), backend.requests.Load(), "open breaker must not reach the endpoint")
}

func TestHTTPJobProvider_CustomClient(t *testing.T) {
	backend := &jobServer{
		updatedAt: time.Now().Add(-time.Hour).UTC(),
		jobs:      []jobs.JobDefinition{{Name: "remote", Type: "log", Interval: jobs.Interval(time.Minute)}},
	}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	p, err := NewHTTPJobProvider("custom", srv.URL, HTTPOptions{Client: &http.Client{}}, logger.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	synced := time.Now()
	backend.set(synced.Add(2*time.Second), 0)
	for i := 0; i < breakerTripFailures+1; i++ {
		assert.True(t, p.IsReloadRequired(ctx, synced), "check %d should see the change", i)
	}
	assert.Equal(t, gobreaker.StateClosed, p.breaker.State())

	got, err := p.GetJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestHTTPJobProvider_RequiresURL(t *testing.T) {
	_, err := NewHTTPJobProvider("none", "", HTTPOptions{}, logger.Nop())
	assert.Error(t, err)
}

func TestRegister(t *testing.T) {
	registry := jobs.NewRegistry()
	Register(registry, logger.Nop())
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "jobs.yaml")
	writeFile(t, path, jobFile)

	p, err := registry.NewJobProvider(ctx, "file", "files", jobs.Options{"path": path, "debounce": "10ms"})
	require.NoError(t, err)
	got, err := p.GetJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	if c, ok := p.(interface{ Close() error }); ok {
		require.NoError(t, c.Close())
	}

	_, err = registry.NewJobProvider(ctx, "file", "files", jobs.Options{})
	assert.Error(t, err)

	_, err = registry.NewJobProvider(ctx, "http", "remote", jobs.Options{"url": "http://localhost", "timeout": "soon"})
	assert.Error(t, err)
}
