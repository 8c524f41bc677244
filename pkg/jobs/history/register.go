// Package history provides durable job history providers.
package history

import (
	"context"

	"github.com/iddaa-lens/scheduler/pkg/jobs"
	"github.com/iddaa-lens/scheduler/pkg/logger"
)

// DefaultDir is used by the file provider when no dir option is set
const DefaultDir = "data/history"

// Defaults fill in settings a provider definition leaves out
type Defaults struct {
	DatabaseURL string
	Logger      *logger.Logger
}

// Register adds the "file" and "sql" history provider types
func Register(registry *jobs.Registry, defaults Defaults) {
	registry.RegisterHistoryProvider("file", func(_ context.Context, opts jobs.Options) (jobs.HistoryProvider, error) {
		return NewFileHistoryProvider(opts.String("dir", DefaultDir), componentLogger(defaults, "job-history-file"))
	})
	registry.RegisterHistoryProvider("sql", func(ctx context.Context, opts jobs.Options) (jobs.HistoryProvider, error) {
		return OpenSQLHistoryProvider(ctx,
			opts.String("driver", "postgres"),
			opts.String("dsn", defaults.DatabaseURL),
			opts.String("table", defaultTable),
			componentLogger(defaults, "job-history-sql"),
		)
	})
}

func componentLogger(defaults Defaults, component string) *logger.Logger {
	if defaults.Logger == nil {
		return logger.New(component)
	}
	return defaults.Logger.WithComponent(component)
}
