package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/iddaa-lens/scheduler/pkg/jobs"
	"github.com/iddaa-lens/scheduler/pkg/logger"
)

const (
	defaultHTTPTimeout    = 10 * time.Second
	defaultBreakerTimeout = time.Minute
	breakerTripFailures   = 3
	maxDocumentBytes      = 4 << 20
)

// httpDocument is the payload served by a job endpoint
type httpDocument struct {
	UpdatedAt time.Time            `json:"updated_at"`
	Jobs      []jobs.JobDefinition `json:"jobs"`
}

var errNotModified = errors.New("not modified")

// HTTPJobProvider loads jobs from a JSON endpoint. Calls go through a
// circuit breaker; while it is open no reload is reported.
type HTTPJobProvider struct {
	name    string
	url     string
	client  *http.Client
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	logger  *logger.Logger

	mu          sync.Mutex
	lastUpdated time.Time
}

// HTTPOptions configures an HTTPJobProvider
type HTTPOptions struct {
	Timeout        time.Duration
	BreakerTimeout time.Duration
	Client         *http.Client
}

// NewHTTPJobProvider creates a provider for url
func NewHTTPJobProvider(name, url string, opts HTTPOptions, log *logger.Logger) (*HTTPJobProvider, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("job endpoint url is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultHTTPTimeout
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = defaultBreakerTimeout
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}
	if log == nil {
		log = logger.New("job-provider-http")
	}

	p := &HTTPJobProvider{
		name:    name,
		url:     url,
		client:  opts.Client,
		timeout: opts.Timeout,
		logger:  log,
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "job-provider-" + name,
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errNotModified)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn().
				Str("provider", p.name).
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Str("action", "breaker_state_change").
				Msg("Job endpoint circuit breaker changed state")
		},
	})
	return p, nil
}

// GetJobs fetches the full job set
func (p *HTTPJobProvider) GetJobs(ctx context.Context) ([]jobs.Configuration, error) {
	doc, err := p.fetch(ctx, time.Time{})
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.lastUpdated = doc.UpdatedAt
	p.mu.Unlock()

	out := make([]jobs.Configuration, 0, len(doc.Jobs))
	for _, d := range doc.Jobs {
		out = append(out, d.Configuration())
	}
	return out, nil
}

// IsReloadRequired asks the endpoint whether the job set changed after since
func (p *HTTPJobProvider) IsReloadRequired(ctx context.Context, since time.Time) bool {
	doc, err := p.fetch(ctx, since)
	switch {
	case errors.Is(err, errNotModified):
		return false
	case err != nil:
		p.logger.Debug().
			Err(err).
			Str("provider", p.name).
			Str("action", "reload_check_failed").
			Msg("Could not check job endpoint for changes")
		return false
	}
	if doc.UpdatedAt.IsZero() {
		return true
	}
	return doc.UpdatedAt.After(since)
}

// LastUpdated returns the updated_at of the last fetched job set
func (p *HTTPJobProvider) LastUpdated() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastUpdated
}

// fetch bounds each request by the provider timeout, whatever the client's
// own Timeout is
func (p *HTTPJobProvider) fetch(ctx context.Context, since time.Time) (*httpDocument, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	res, err := p.breaker.Execute(func() (interface{}, error) {
		return p.do(ctx, since)
	})
	if err != nil {
		return nil, err
	}
	return res.(*httpDocument), nil
}

func (p *HTTPJobProvider) do(ctx context.Context, since time.Time) (*httpDocument, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if !since.IsZero() {
		req.Header.Set("If-Modified-Since", since.UTC().Format(http.TimeFormat))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.LogAPICall(http.MethodGet, p.url, 0, time.Since(start), err)
		return nil, fmt.Errorf("failed to fetch jobs from %s: %w", p.url, err)
	}
	defer resp.Body.Close()
	p.logger.LogAPICall(http.MethodGet, p.url, resp.StatusCode, time.Since(start), nil)

	if resp.StatusCode == http.StatusNotModified {
		return nil, errNotModified
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("job endpoint %s returned status %d", p.url, resp.StatusCode)
	}

	var doc httpDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentBytes)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode jobs from %s: %w", p.url, err)
	}
	return &doc, nil
}

// Close releases idle connections
func (p *HTTPJobProvider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
