package builtin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/iddaa-lens/scheduler/pkg/jobs"
	"github.com/iddaa-lens/scheduler/pkg/logger"
)

// HTTPCheckJob requests a URL and fails unless the expected status comes back.
//
// Arguments: url (required), method (GET), status (any 2xx), timeout (10s).
type HTTPCheckJob struct {
	client *http.Client
}

// NewHTTPCheckJob returns a check that uses client, or a default client when nil
func NewHTTPCheckJob(client *http.Client) *HTTPCheckJob {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPCheckJob{client: client}
}

func (j *HTTPCheckJob) Run(ctx context.Context, jc *jobs.Context) (jobs.Result, error) {
	url, ok := jc.Argument("url")
	if !ok || strings.TrimSpace(url) == "" {
		return jobs.Result{}, fmt.Errorf("url argument is required")
	}
	method := strings.ToUpper(jc.ArgumentOr("method", http.MethodGet))
	expect := 0
	if v, ok := jc.Argument("status"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return jobs.Result{}, fmt.Errorf("invalid status: %w", err)
		}
		expect = n
	}
	timeout, err := jobs.ParseInterval(jc.ArgumentOr("timeout", "10s"))
	if err != nil {
		return jobs.Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return jobs.Result{}, fmt.Errorf("failed to build request: %w", err)
	}

	log := logger.WithContext(ctx, "job-http-check")
	start := time.Now()
	resp, err := j.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		log.LogAPICall(method, url, 0, duration, err)
		return jobs.Result{}, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	log.LogAPICall(method, url, resp.StatusCode, duration, nil)

	switch {
	case expect != 0 && resp.StatusCode != expect:
		return jobs.Result{}, fmt.Errorf("%s %s returned %d, expected %d", method, url, resp.StatusCode, expect)
	case expect == 0 && (resp.StatusCode < 200 || resp.StatusCode > 299):
		return jobs.Result{}, fmt.Errorf("%s %s returned %d", method, url, resp.StatusCode)
	}
	return jobs.Result{
		Message: fmt.Sprintf("%s %s -> %d in %s", method, url, resp.StatusCode, duration.Round(time.Millisecond)),
	}, nil
}
