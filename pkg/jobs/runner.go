package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/iddaa-lens/scheduler/pkg/logger"
)

// lockTimeout bounds calls into lock and history backends
const lockTimeout = 10 * time.Second

// RunnerOptions wires a Runner to its collaborators
type RunnerOptions struct {
	Locks   LockProvider    // defaults to the process-wide static provider
	History HistoryProvider // defaults to NoopHistoryProvider
	Counter *atomic.Int64   // shared running-job counter; private when nil
	Logger  *logger.Logger
	Hook    Hook
	Owner   string // id of the owning manager, copied into events
}

// JobInfo is a point-in-time snapshot of a runner
type JobInfo struct {
	Name             string            `json:"name"`
	Description      string            `json:"description,omitempty"`
	Type             string            `json:"type"`
	Group            string            `json:"group,omitempty"`
	Interval         Interval          `json:"interval"`
	Provider         string            `json:"provider,omitempty"`
	LockProvider     string            `json:"lock_provider,omitempty"`
	HistoryProvider  string            `json:"history_provider,omitempty"`
	Arguments        map[string]string `json:"arguments,omitempty"`
	RunOnStart       bool              `json:"run_on_start,omitempty"`
	Scheduled        bool              `json:"scheduled"`
	Running          bool              `json:"running"`
	LastStatus       Status            `json:"last_status"`
	LastRunStartTime time.Time         `json:"last_run_start_time"`
	LastRunDuration  Interval          `json:"last_run_duration"`
	LastResult       string            `json:"last_result,omitempty"`
	Progress         string            `json:"progress,omitempty"`
}

type activeRun struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// Runner drives one job: a ticker feeds a worker goroutine, each tick tries
// to take the job's lease and, when granted, runs the body on its own
// goroutine and records the outcome.
type Runner struct {
	cfg     Configuration
	job     Job
	locks   LockProvider
	history HistoryProvider
	counter *atomic.Int64
	log     *logger.Logger
	hook    Hook
	owner   string

	inFlight atomic.Bool

	mu           sync.Mutex
	status       Status
	lastRunStart time.Time
	lastDuration time.Duration
	lastResult   string
	progress     string
	restored     bool
	scheduled    bool
	stop         chan struct{}
	loopDone     chan struct{}
	current      *activeRun
}

// NewRunner builds a stopped runner for cfg
func NewRunner(cfg Configuration, job Job, opts RunnerOptions) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if job == nil {
		return nil, fmt.Errorf("%w: job %s has no body", ErrInvalidJob, cfg.Name)
	}
	if opts.Locks == nil {
		opts.Locks = NewStaticLockProvider()
	}
	if opts.History == nil {
		opts.History = NoopHistoryProvider{}
	}
	if opts.Counter == nil {
		opts.Counter = new(atomic.Int64)
	}
	if opts.Logger == nil {
		opts.Logger = logger.New("job-runner")
	}

	return &Runner{
		cfg:     cfg.clone(),
		job:     job,
		locks:   opts.Locks,
		history: opts.History,
		counter: opts.Counter,
		log:     opts.Logger.WithJob(cfg.Name),
		hook:    opts.Hook,
		owner:   opts.Owner,
	}, nil
}

// Name returns the job name
func (r *Runner) Name() string {
	return r.cfg.Name
}

// Config returns a copy of the job configuration
func (r *Runner) Config() Configuration {
	return r.cfg.clone()
}

// Status returns the status of the last run
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Scheduled reports whether the runner's timer is active
func (r *Runner) Scheduled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scheduled
}

// Info returns a snapshot of the runner
func (r *Runner) Info() JobInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return JobInfo{
		Name:             r.cfg.Name,
		Description:      r.cfg.Description,
		Type:             r.cfg.Type,
		Group:            r.cfg.Group,
		Interval:         Interval(r.cfg.Interval),
		Provider:         r.cfg.Provider,
		LockProvider:     r.cfg.LockProvider,
		HistoryProvider:  r.cfg.HistoryProvider,
		Arguments:        copyArguments(r.cfg.Arguments),
		RunOnStart:       r.cfg.RunOnStart,
		Scheduled:        r.scheduled,
		Running:          r.current != nil,
		LastStatus:       r.status,
		LastRunStartTime: r.lastRunStart,
		LastRunDuration:  Interval(r.lastDuration),
		LastResult:       r.lastResult,
		Progress:         r.progress,
	}
}

// RestoreHistory loads the last recorded run from the history provider
func (r *Runner) RestoreHistory(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	h, err := r.history.RestoreHistory(ctx, r.cfg.Name)
	if err != nil {
		return fmt.Errorf("failed to restore history for job %s: %w", r.cfg.Name, err)
	}

	status := h.Status
	if status == StatusRunning {
		// The process died mid-run.
		status = StatusError
	}

	r.mu.Lock()
	r.status = status
	r.lastRunStart = h.StartedAt
	r.lastDuration = h.Duration
	r.lastResult = h.Result
	r.restored = true
	r.mu.Unlock()

	r.log.Debug().
		Str("action", "history_restored").
		Str("last_status", status.String()).
		Time("last_run_start", h.StartedAt).
		Msg("Restored job history")
	return nil
}

// Start schedules the runner. The first start restores history. Starting a
// scheduled runner is a no-op.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.scheduled {
		r.mu.Unlock()
		return
	}
	needRestore := !r.restored
	r.mu.Unlock()

	if needRestore {
		if err := r.RestoreHistory(ctx); err != nil {
			r.log.Warn().
				Err(err).
				Str("action", "history_restore_failed").
				Msg("Starting job without restored history")
		}
	}

	r.mu.Lock()
	if r.scheduled {
		r.mu.Unlock()
		return
	}
	r.restored = true
	r.scheduled = true
	r.stop = make(chan struct{})
	r.loopDone = make(chan struct{})
	go r.loop(r.cfg.Interval, r.cfg.RunOnStart, r.stop, r.loopDone)
	r.mu.Unlock()

	r.log.Info().
		Str("action", "job_scheduled").
		Dur("interval", r.cfg.Interval).
		Msg("Job scheduled")
	r.emit(Event{Action: ActionJobStarting})
}

// Stop unschedules the runner and cancels an in-flight run. With wait it
// blocks until that run returns or ctx ends; the result reports whether the
// runner is idle. A run cannot wait for itself, so calling Stop with wait
// from inside the runner's own run returns false immediately.
func (r *Runner) Stop(ctx context.Context, wait bool) bool {
	r.mu.Lock()
	wasScheduled := r.scheduled
	var loopDone chan struct{}
	if r.scheduled {
		close(r.stop)
		r.scheduled = false
		loopDone = r.loopDone
	}
	run := r.current
	r.mu.Unlock()

	if loopDone != nil {
		<-loopDone
	}

	if run != nil {
		run.cancel()
		if c, ok := r.job.(Canceler); ok {
			c.Cancel()
		}
		r.log.Info().
			Str("action", "job_cancel_requested").
			Str("request_id", run.id).
			Msg("Requested cancellation of running job")
	}

	if wasScheduled {
		r.log.Info().
			Str("action", "job_unscheduled").
			Msg("Job unscheduled")
		r.emit(Event{Action: ActionJobStopping})
	}

	if !wait || run == nil {
		return run == nil
	}
	if name, ok := RunningJob(ctx); ok && name == r.cfg.Name && runOwner(ctx) == r.owner {
		return false
	}

	select {
	case <-run.done:
		return true
	case <-ctx.Done():
		r.log.Warn().
			Str("action", "job_stop_abandoned").
			Str("request_id", run.id).
			Msg("Gave up waiting for job to finish")
		return false
	}
}

// RunNow executes the job once on the calling goroutine, honoring the lock
// like a tick does. It reports false when the job is already running here or
// the lease is held elsewhere.
func (r *Runner) RunNow(ctx context.Context) (bool, error) {
	if !r.inFlight.CompareAndSwap(false, true) {
		return false, nil
	}
	lease, err := r.acquire(ctx)
	if err != nil || lease == nil {
		r.inFlight.Store(false)
		return false, err
	}

	run := r.newRun(ctx)
	r.mu.Lock()
	r.current = run.active
	r.mu.Unlock()

	_, err = r.execute(run, lease)
	return true, err
}

func (r *Runner) loop(interval time.Duration, immediate bool, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	if immediate {
		r.tick()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

// tick starts a run when the previous one finished and the lease is granted
func (r *Runner) tick() {
	if !r.inFlight.CompareAndSwap(false, true) {
		r.log.Debug().
			Str("action", "job_skipped_running").
			Msg("Job skipped - previous run still in progress")
		return
	}

	lease, err := r.acquire(context.Background())
	if err != nil {
		r.log.Error().
			Err(err).
			Str("action", "lock_acquisition_error").
			Msg("Failed to acquire job lock")
	}
	if lease == nil {
		r.inFlight.Store(false)
		return
	}

	r.mu.Lock()
	if !r.scheduled {
		r.mu.Unlock()
		r.release(lease)
		r.inFlight.Store(false)
		return
	}
	run := r.newRun(context.Background())
	r.current = run.active
	r.mu.Unlock()

	go func() {
		_, _ = r.execute(run, lease)
	}()
}

// acquire returns a granted lease, or nil when the lock is held elsewhere
func (r *Runner) acquire(ctx context.Context) (Lease, error) {
	actx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	lease, err := r.locks.Acquire(actx, r.cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock for job %s: %w", r.cfg.Name, err)
	}
	if lease == nil || !lease.Acquired() {
		r.log.Debug().
			Str("action", "job_skipped_locked").
			Msg("Job skipped - lock held by another runner")
		return nil, nil
	}
	return lease, nil
}

func (r *Runner) release(lease Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	if err := lease.Release(ctx); err != nil {
		r.log.Error().
			Err(err).
			Str("action", "lock_release_error").
			Msg("Failed to release job lock")
	}
}

type pendingRun struct {
	ctx    context.Context
	active *activeRun
}

func (r *Runner) newRun(parent context.Context) pendingRun {
	ctx := withRun(parent, r.owner, r.cfg.Name)
	var cancel context.CancelFunc
	if r.cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	return pendingRun{
		ctx: ctx,
		active: &activeRun{
			id:     uuid.NewString(),
			cancel: cancel,
			done:   make(chan struct{}),
		},
	}
}

// execute runs the body under an acquired lease and records the outcome
func (r *Runner) execute(run pendingRun, lease Lease) (Status, error) {
	r.counter.Add(1)
	defer func() {
		r.mu.Lock()
		r.current = nil
		r.mu.Unlock()
		r.release(lease)
		r.inFlight.Store(false)
		r.counter.Add(-1)
		run.active.cancel()
		close(run.active.done)
	}()

	start := time.Now()
	log := r.log.WithRequestID(run.active.id)

	r.mu.Lock()
	jc := &Context{
		Name:        r.cfg.Name,
		Description: r.cfg.Description,
		Group:       r.cfg.Group,
		RunID:       run.active.id,
		LastStatus:  r.status,
		LastRunTime: r.lastRunStart,
		LastResult:  r.lastResult,
		arguments:   copyArguments(r.cfg.Arguments),
	}
	r.status = StatusRunning
	r.lastRunStart = start
	r.progress = ""
	r.mu.Unlock()

	jc.progress = func(message string) {
		r.mu.Lock()
		r.progress = message
		r.mu.Unlock()
		log.Debug().
			Str("action", "job_progress").
			Str("progress", message).
			Msg("Job progress")
	}

	log.LogJobStart(r.cfg.Name, r.cfg.Interval)
	r.emit(Event{Action: ActionJobRunning, RunID: run.active.id, At: start})

	result, err := r.invoke(run.ctx, jc, log)
	duration := time.Since(start)

	status := StatusCompleted
	message := result.Message
	if err != nil {
		status = StatusError
		message = err.Error()
	}

	r.mu.Lock()
	r.status = status
	r.lastDuration = duration
	r.lastResult = message
	h := History{
		Name:      r.cfg.Name,
		Status:    status,
		StartedAt: start,
		Duration:  duration,
		Result:    message,
	}
	r.mu.Unlock()

	r.saveHistory(h, log)
	log.LogJobComplete(r.cfg.Name, duration, status.String(), err)
	r.emit(Event{
		Action:   ActionJobCompleted,
		RunID:    run.active.id,
		Status:   status,
		Duration: duration,
		Err:      err,
	})

	return status, err
}

func (r *Runner) invoke(ctx context.Context, jc *Context, log *logger.Logger) (res Result, err error) {
	defer func() {
		if v := recover(); v != nil {
			perr := &PanicError{Value: v, Stack: debug.Stack()}
			log.Error().
				Str("action", "job_panic").
				Interface("panic", v).
				Bytes("stack", perr.Stack).
				Msg("Job panicked")
			res, err = Result{}, perr
		}
	}()
	return r.job.Run(log.ToContext(ctx), jc)
}

func (r *Runner) saveHistory(h History, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	if err := r.history.SaveHistory(ctx, h); err != nil {
		log.Error().
			Err(err).
			Str("action", "history_save_failed").
			Msg("Failed to save job history")
	}
}

func (r *Runner) emit(ev Event) {
	if r.hook == nil {
		return
	}
	ev.JobName = r.cfg.Name
	ev.ManagerID = r.owner
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	defer func() {
		if v := recover(); v != nil {
			r.log.Error().
				Str("action", "hook_panic").
				Interface("panic", v).
				Msg("Lifecycle hook panicked")
		}
	}()
	r.hook(ev)
}
