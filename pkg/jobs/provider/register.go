// Package provider provides dynamic job providers backed by files and HTTP
// endpoints.
package provider

import (
	"context"
	"fmt"

	"github.com/iddaa-lens/scheduler/pkg/jobs"
	"github.com/iddaa-lens/scheduler/pkg/logger"
)

// Register adds the "file" and "http" job provider types
func Register(registry *jobs.Registry, log *logger.Logger) {
	registry.RegisterJobProvider("file", func(_ context.Context, name string, opts jobs.Options) (jobs.JobProvider, error) {
		debounce, err := opts.Duration("debounce", defaultDebounce)
		if err != nil {
			return nil, fmt.Errorf("file job provider %s: %w", name, err)
		}
		return newFileJobProvider(name, opts.String("path", ""), debounce, true, componentLogger(log, "job-provider-file"))
	})

	registry.RegisterJobProvider("http", func(_ context.Context, name string, opts jobs.Options) (jobs.JobProvider, error) {
		timeout, err := opts.Duration("timeout", defaultHTTPTimeout)
		if err != nil {
			return nil, fmt.Errorf("http job provider %s: %w", name, err)
		}
		breakerTimeout, err := opts.Duration("breaker_timeout", defaultBreakerTimeout)
		if err != nil {
			return nil, fmt.Errorf("http job provider %s: %w", name, err)
		}
		return NewHTTPJobProvider(name, opts.String("url", ""), HTTPOptions{
			Timeout:        timeout,
			BreakerTimeout: breakerTimeout,
		}, componentLogger(log, "job-provider-http"))
	})
}

func componentLogger(log *logger.Logger, component string) *logger.Logger {
	if log == nil {
		return logger.New(component)
	}
	return log.WithComponent(component)
}
