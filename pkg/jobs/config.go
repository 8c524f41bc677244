package jobs

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultPollInterval     = time.Minute
	DefaultStopTimeout      = 30 * time.Second
	DefaultStopPollInterval = 300 * time.Millisecond
)

// Configuration describes one job. A Runner keeps its own copy, so a
// Configuration handed to the manager is never mutated afterwards.
type Configuration struct {
	Name            string
	Description     string
	Type            string
	Group           string
	Interval        time.Duration
	Timeout         time.Duration
	LockProvider    string
	HistoryProvider string
	Arguments       map[string]string

	// RunOnStart fires the first run when the runner is scheduled instead of
	// one interval later.
	RunOnStart bool

	// Provider is the name of the JobProvider that owns the job; empty for
	// jobs from the static definition.
	Provider string
}

// Validate checks the fields every job needs
func (c Configuration) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("job name is required")
	}
	if strings.TrimSpace(c.Type) == "" {
		return fmt.Errorf("job %s: type is required", c.Name)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", c.Name)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("job %s: timeout must not be negative", c.Name)
	}
	return nil
}

// clone returns a deep copy so callers cannot mutate a runner's arguments
func (c Configuration) clone() Configuration {
	c.Arguments = copyArguments(c.Arguments)
	return c
}

func copyArguments(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Definition is the static scheduler configuration
type Definition struct {
	PollInterval     Interval             `yaml:"poll_interval" json:"poll_interval"`
	StopTimeout      Interval             `yaml:"stop_timeout" json:"stop_timeout"`
	StopPollInterval Interval             `yaml:"stop_poll_interval" json:"stop_poll_interval"`
	Jobs             []JobDefinition      `yaml:"jobs" json:"jobs"`
	LockProviders    []ProviderDefinition `yaml:"lock_providers" json:"lock_providers"`
	HistoryProviders []ProviderDefinition `yaml:"history_providers" json:"history_providers"`
	JobProviders     []ProviderDefinition `yaml:"job_providers" json:"job_providers"`
}

// JobDefinition is the serialized form of a Configuration
type JobDefinition struct {
	Name            string            `yaml:"name" json:"name"`
	Description     string            `yaml:"description" json:"description,omitempty"`
	Type            string            `yaml:"type" json:"type"`
	Group           string            `yaml:"group" json:"group,omitempty"`
	Interval        Interval          `yaml:"interval" json:"interval"`
	Timeout         Interval          `yaml:"timeout" json:"timeout,omitempty"`
	LockProvider    string            `yaml:"lock_provider" json:"lock_provider,omitempty"`
	HistoryProvider string            `yaml:"history_provider" json:"history_provider,omitempty"`
	Arguments       map[string]string `yaml:"arguments" json:"arguments,omitempty"`
	RunOnStart      bool              `yaml:"run_on_start" json:"run_on_start,omitempty"`
}

// Configuration converts the definition into a job configuration
func (d JobDefinition) Configuration() Configuration {
	return Configuration{
		Name:            strings.TrimSpace(d.Name),
		Description:     d.Description,
		Type:            strings.TrimSpace(d.Type),
		Group:           d.Group,
		Interval:        d.Interval.Duration(),
		Timeout:         d.Timeout.Duration(),
		LockProvider:    strings.TrimSpace(d.LockProvider),
		HistoryProvider: strings.TrimSpace(d.HistoryProvider),
		Arguments:       copyArguments(d.Arguments),
		RunOnStart:      d.RunOnStart,
	}
}

// ProviderDefinition names a provider instance and the type to build it from
type ProviderDefinition struct {
	Name    string  `yaml:"name" json:"name"`
	Type    string  `yaml:"type" json:"type"`
	Options Options `yaml:"options" json:"options,omitempty"`
}

// Options are free-form provider settings
type Options map[string]string

// String returns the trimmed value for key, or def when unset
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

// Duration parses key with ParseInterval, falling back to def
func (o Options) Duration(key string, def time.Duration) (time.Duration, error) {
	v := o.String(key, "")
	if v == "" {
		return def, nil
	}
	d, err := ParseInterval(v)
	if err != nil {
		return 0, fmt.Errorf("option %s: %w", key, err)
	}
	return d, nil
}

// Int parses key as an integer, falling back to def
func (o Options) Int(key string, def int) (int, error) {
	v := o.String(key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("option %s: %w", key, err)
	}
	return n, nil
}
