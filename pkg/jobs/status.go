package jobs

import (
	"fmt"
	"strings"
	"time"
)

// Status is the outcome of the most recent execution of a job
type Status int

const (
	StatusIdle Status = iota
	StatusRunning
	StatusCompleted
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ParseStatus is the inverse of Status.String. Unknown values map to idle.
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "running":
		return StatusRunning
	case "completed":
		return StatusCompleted
	case "error":
		return StatusError
	default:
		return StatusIdle
	}
}

// MarshalText implements encoding.TextMarshaler
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Status) UnmarshalText(b []byte) error {
	*s = ParseStatus(string(b))
	return nil
}

// History is the persisted record of a job's last run
type History struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Result    string        `json:"result,omitempty"`
}

// IsZero reports whether the history describes a job that never ran
func (h History) IsZero() bool {
	return h.Status == StatusIdle && h.StartedAt.IsZero() && h.Result == ""
}
