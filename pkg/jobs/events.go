package jobs

import "time"

// Action identifies a lifecycle transition
type Action string

const (
	ActionManagerStarting Action = "manager_starting"
	ActionManagerStopping Action = "manager_stopping"
	ActionJobStarting     Action = "job_starting"
	ActionJobStopping     Action = "job_stopping"
	ActionJobRunning      Action = "job_running"
	ActionJobCompleted    Action = "job_completed"
)

// Event describes a manager or job lifecycle transition. Manager events
// leave JobName empty. Status, Duration and Err are set on job_completed.
type Event struct {
	Action    Action
	JobName   string
	ManagerID string
	RunID     string
	At        time.Time
	Status    Status
	Duration  time.Duration
	Err       error
}

// Hook observes lifecycle events. Hooks run synchronously on the goroutine
// that caused the transition and must not block. Manager and runner
// scheduling events (ManagerStarting, ManagerStopping, JobStarting,
// JobStopping) fire while the Manager holds its lock, so hooks must not call
// back into the Manager. JobRunning and JobCompleted fire outside it.
type Hook func(Event)
