package jobs

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownJobType         = errors.New("unknown job type")
	ErrUnknownLockProvider    = errors.New("unknown lock provider")
	ErrUnknownHistoryProvider = errors.New("unknown history provider")
	ErrUnknownJobProvider     = errors.New("unknown job provider")
	ErrDuplicateJob           = errors.New("duplicate job name")
	ErrInvalidJob             = errors.New("invalid job configuration")
	ErrJobNotFound            = errors.New("job not found")
)

// ConfigError reports a definition the manager could not turn into runners
type ConfigError struct {
	Kind string // "job", "lock_provider", "history_provider" or "job_provider"
	Name string // job or provider name
	Ref  string // type or provider reference that failed to resolve
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("%s %q: reference %q: %v", e.Kind, e.Name, e.Ref, e.Err)
	}
	return fmt.Sprintf("%s %q: %v", e.Kind, e.Name, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// PanicError wraps a value recovered from a panicking job body
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("job panicked: %v", e.Value)
}
