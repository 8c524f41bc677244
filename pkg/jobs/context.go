package jobs

import (
	"context"
	"time"
)

// Context is the per-run view of a job handed to its body. It is built fresh
// for every execution and must not be retained after Run returns.
type Context struct {
	Name        string
	Description string
	Group       string
	RunID       string

	LastStatus  Status
	LastRunTime time.Time
	LastResult  string

	arguments map[string]string
	progress  func(message string)
}

// NewContext builds a Context for running a body outside a Runner.
// progress may be nil.
func NewContext(cfg Configuration, progress func(message string)) *Context {
	return &Context{
		Name:        cfg.Name,
		Description: cfg.Description,
		Group:       cfg.Group,
		arguments:   copyArguments(cfg.Arguments),
		progress:    progress,
	}
}

// Argument returns the named argument and whether it was configured
func (c *Context) Argument(key string) (string, bool) {
	v, ok := c.arguments[key]
	return v, ok
}

// ArgumentOr returns the named argument or def when it is missing or empty
func (c *Context) ArgumentOr(key, def string) string {
	if v, ok := c.arguments[key]; ok && v != "" {
		return v
	}
	return def
}

// Arguments returns a copy of all arguments
func (c *Context) Arguments() map[string]string {
	return copyArguments(c.arguments)
}

// Progress reports an intermediate status message for the running job
func (c *Context) Progress(message string) {
	if c.progress != nil {
		c.progress(message)
	}
}

type runKey struct{}

type runMarker struct {
	owner string
	name  string
}

// withRun tags ctx as belonging to a run of the named job under owner
func withRun(ctx context.Context, owner, name string) context.Context {
	return context.WithValue(ctx, runKey{}, runMarker{owner: owner, name: name})
}

// RunningJob returns the name of the job whose run ctx belongs to, if any
func RunningJob(ctx context.Context) (string, bool) {
	m, ok := ctx.Value(runKey{}).(runMarker)
	if !ok {
		return "", false
	}
	return m.name, true
}

func runOwner(ctx context.Context) string {
	m, _ := ctx.Value(runKey{}).(runMarker)
	return m.owner
}
