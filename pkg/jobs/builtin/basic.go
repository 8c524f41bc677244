package builtin

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/iddaa-lens/scheduler/pkg/jobs"
	"github.com/iddaa-lens/scheduler/pkg/logger"
)

// LogJob writes its message argument to the job log
type LogJob struct{}

func (LogJob) Run(ctx context.Context, jc *jobs.Context) (jobs.Result, error) {
	log := logger.WithContext(ctx, "job-log")
	message := jc.ArgumentOr("message", "tick")

	switch strings.ToLower(jc.ArgumentOr("level", "info")) {
	case "debug":
		log.Debug().Str("action", "job_message").Msg(message)
	case "warn", "warning":
		log.Warn().Str("action", "job_message").Msg(message)
	case "error":
		log.Error().Str("action", "job_message").Msg(message)
	default:
		log.Info().Str("action", "job_message").Msg(message)
	}
	return jobs.Result{Message: message}, nil
}

// SleepJob waits for its duration argument in steps, reporting progress
// after each one. It stops early when canceled.
type SleepJob struct {
	mu     sync.Mutex
	cancel chan struct{}
}

func (j *SleepJob) Run(ctx context.Context, jc *jobs.Context) (jobs.Result, error) {
	total, err := jobs.ParseInterval(jc.ArgumentOr("duration", "1s"))
	if err != nil {
		return jobs.Result{}, err
	}
	steps, err := strconv.Atoi(jc.ArgumentOr("steps", "1"))
	if err != nil || steps < 1 {
		return jobs.Result{}, fmt.Errorf("steps must be a positive integer")
	}

	cancel := make(chan struct{})
	j.mu.Lock()
	j.cancel = cancel
	j.mu.Unlock()
	defer func() {
		j.mu.Lock()
		if j.cancel == cancel {
			j.cancel = nil
		}
		j.mu.Unlock()
	}()

	step := total / time.Duration(steps)
	timer := time.NewTimer(step)
	defer timer.Stop()

	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return jobs.Result{}, ctx.Err()
		case <-cancel:
			return jobs.Result{}, fmt.Errorf("canceled after %d of %d steps", i-1, steps)
		case <-timer.C:
		}
		jc.Progress(fmt.Sprintf("step %d/%d", i, steps))
		timer.Reset(step)
	}
	return jobs.Result{Message: fmt.Sprintf("slept %s", total)}, nil
}

// Cancel abandons the in-flight run, if any
func (j *SleepJob) Cancel() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil {
		close(j.cancel)
		j.cancel = nil
	}
}
