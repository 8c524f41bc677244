// Package builtin provides general purpose job bodies.
package builtin

import (
	"net/http"

	"github.com/iddaa-lens/scheduler/pkg/jobs"
)

// Deps are the shared resources job bodies may use. DB is optional; the
// database backed types are only registered when it is set.
type Deps struct {
	DB         Execer
	HTTPClient *http.Client
}

// Register adds the builtin job types to registry
func Register(registry *jobs.Registry, deps Deps) {
	registry.RegisterJob("log", func() jobs.Job { return LogJob{} })
	registry.RegisterJob("sleep", func() jobs.Job { return &SleepJob{} })
	registry.RegisterJob("http-check", func() jobs.Job { return NewHTTPCheckJob(deps.HTTPClient) })

	if deps.DB != nil {
		registry.RegisterJob("sql", func() jobs.Job { return NewSQLJob(deps.DB) })
		registry.RegisterJob("refresh-views", func() jobs.Job { return NewRefreshViewsJob(deps.DB) })
	}
}
