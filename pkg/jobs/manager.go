package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/iddaa-lens/scheduler/pkg/logger"
)

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the manager's logger
func WithLogger(l *logger.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithHook registers a lifecycle hook
func WithHook(h Hook) Option {
	return func(m *Manager) {
		if h != nil {
			m.hooks = append(m.hooks, h)
		}
	}
}

// WithPollInterval overrides the definition's job provider poll interval
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) { m.pollOverride = d }
}

// WithStopTimeout overrides how long Stop waits for running jobs to drain
func WithStopTimeout(d time.Duration) Option {
	return func(m *Manager) { m.stopTimeoutOverride = d }
}

// WithStopPollInterval overrides how often Stop checks the running counter
func WithStopPollInterval(d time.Duration) Option {
	return func(m *Manager) { m.stopPollOverride = d }
}

// WithLockProvider attaches a lock provider instance under name. Attached
// instances are owned by the caller and survive Reload.
func WithLockProvider(name string, p LockProvider) Option {
	return func(m *Manager) { m.attachedLocks[name] = p }
}

// WithHistoryProvider attaches a history provider instance under name
func WithHistoryProvider(name string, p HistoryProvider) Option {
	return func(m *Manager) { m.attachedHistories[name] = p }
}

// WithJobProvider attaches a job provider instance under name
func WithJobProvider(name string, p JobProvider) Option {
	return func(m *Manager) {
		m.attachedProviders = append(m.attachedProviders, namedProvider{name: name, provider: p})
	}
}

// WithDefaultHistoryProvider replaces the in-memory history used by jobs
// that do not name a history provider
func WithDefaultHistoryProvider(p HistoryProvider) Option {
	return func(m *Manager) {
		if p != nil {
			m.defaultHistory = p
		}
	}
}

type namedProvider struct {
	name     string
	provider JobProvider
}

// Manager owns the set of runners and the provider registries. All
// transitions (Initialize, Start, Stop, Reload, provider resync) are
// serialized by one mutex; job bodies run outside it.
type Manager struct {
	id       string
	source   Source
	registry *Registry
	log      *logger.Logger

	hookMu sync.RWMutex
	hooks  []Hook

	attachedLocks     map[string]LockProvider
	attachedHistories map[string]HistoryProvider
	attachedProviders []namedProvider
	defaultLocks      LockProvider
	defaultHistory    HistoryProvider

	pollOverride        time.Duration
	stopTimeoutOverride time.Duration
	stopPollOverride    time.Duration

	running atomic.Int64

	mu               sync.Mutex
	initialized      bool
	started          bool
	lastInitialize   time.Time
	pollInterval     time.Duration
	stopTimeout      time.Duration
	stopPollInterval time.Duration
	runners          map[string]*Runner
	byProvider       map[string][]string
	lockProviders    map[string]LockProvider
	historyProviders map[string]HistoryProvider
	jobProviders     []namedProvider
	providerSynced   map[string]time.Time
	pollCancel       context.CancelFunc
}

// NewManager creates a manager that reads its job set from source and
// resolves type names through registry
func NewManager(source Source, registry *Registry, opts ...Option) *Manager {
	if registry == nil {
		registry = NewRegistry()
	}
	m := &Manager{
		id:                uuid.NewString(),
		source:            source,
		registry:          registry,
		attachedLocks:     make(map[string]LockProvider),
		attachedHistories: make(map[string]HistoryProvider),
		defaultLocks:      NewStaticLockProvider(),
		defaultHistory:    NewMemoryHistoryProvider(),
		stopTimeout:       DefaultStopTimeout,
		stopPollInterval:  DefaultStopPollInterval,
		pollInterval:      DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logger.New("job-manager")
	}
	m.resetLocked()
	return m
}

// ID returns the manager instance id carried by every event
func (m *Manager) ID() string {
	return m.id
}

// Running returns the number of job bodies currently executing
func (m *Manager) Running() int64 {
	return m.running.Load()
}

// Started reports whether the manager is scheduling jobs
func (m *Manager) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// LastInitialize returns when the job set was last loaded
func (m *Manager) LastInitialize() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastInitialize
}

// AddHook registers a lifecycle hook
func (m *Manager) AddHook(h Hook) {
	if h == nil {
		return
	}
	m.hookMu.Lock()
	m.hooks = append(m.hooks, h)
	m.hookMu.Unlock()
}

// Initialize loads the definition and builds runners for every static and
// provider-supplied job. It is a no-op once it has succeeded. On error the
// partially built state is discarded.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initializeLocked(ctx)
}

// Start initializes the manager if needed and schedules every job
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked(ctx)
}

// Stop unschedules every job, cancels in-flight runs and waits, bounded by
// the stop timeout, for the running counter to drain. When called from inside
// a run of this manager the caller's own run is not waited for. It reports
// whether the drain completed.
func (m *Manager) Stop(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(ctx)
}

// Reload stops the manager, drops every runner and provider, and, when
// startAfter is set, initializes and starts again from a fresh definition.
// Reload runs to completion even if ctx is canceled.
func (m *Manager) Reload(ctx context.Context, startAfter bool) error {
	ctx = context.WithoutCancel(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.log.Info().
		Str("action", "reload").
		Str("manager_id", m.id).
		Bool("start_after", startAfter).
		Msg("Reloading job manager")

	m.stopLocked(ctx)
	m.closeProvidersLocked()
	m.resetLocked()

	if !startAfter {
		return nil
	}
	return m.startLocked(ctx)
}

// Shutdown stops the manager and closes every provider it created
func (m *Manager) Shutdown(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	drained := m.stopLocked(ctx)
	m.closeProvidersLocked()
	m.resetLocked()
	return drained
}

// Jobs returns a snapshot of every job, sorted by name
func (m *Manager) Jobs() []JobInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(func(*Runner) bool { return true })
}

// JobsByGroup returns a snapshot of the jobs in group, sorted by name
func (m *Manager) JobsByGroup(group string) []JobInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(func(r *Runner) bool { return r.cfg.Group == group })
}

// Job returns a snapshot of the named job
func (m *Manager) Job(name string) (JobInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[name]
	if !ok {
		return JobInfo{}, false
	}
	return r.Info(), true
}

// RunJob runs the named job immediately on the calling goroutine. It reports
// false when the job is already running or its lease is held elsewhere.
func (m *Manager) RunJob(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	if err := m.initializeLocked(ctx); err != nil {
		m.mu.Unlock()
		return false, err
	}
	r, ok := m.runners[name]
	m.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return r.RunNow(ctx)
}

func (m *Manager) initializeLocked(ctx context.Context) error {
	if m.initialized {
		return nil
	}
	if m.source == nil {
		return errors.New("job manager has no definition source")
	}

	def, err := m.source.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load scheduler definition: %w", err)
	}
	if def == nil {
		def = &Definition{}
	}
	m.applyTimingsLocked(def)

	if err := m.buildLocked(ctx, def); err != nil {
		m.log.Error().
			Err(err).
			Str("action", "initialize_failed").
			Str("manager_id", m.id).
			Msg("Failed to initialize job manager")
		m.closeProvidersLocked()
		m.resetLocked()
		return err
	}

	m.initialized = true
	m.lastInitialize = time.Now()

	m.log.Info().
		Str("action", "initialized").
		Str("manager_id", m.id).
		Int("job_count", len(m.runners)).
		Int("lock_providers", len(m.lockProviders)).
		Int("history_providers", len(m.historyProviders)).
		Int("job_providers", len(m.jobProviders)).
		Dur("poll_interval", m.pollInterval).
		Msg("Job manager initialized")
	return nil
}

func (m *Manager) applyTimingsLocked(def *Definition) {
	pick := func(override time.Duration, configured Interval, def time.Duration) time.Duration {
		if override > 0 {
			return override
		}
		if configured > 0 {
			return configured.Duration()
		}
		return def
	}
	m.pollInterval = pick(m.pollOverride, def.PollInterval, DefaultPollInterval)
	m.stopTimeout = pick(m.stopTimeoutOverride, def.StopTimeout, DefaultStopTimeout)
	m.stopPollInterval = pick(m.stopPollOverride, def.StopPollInterval, DefaultStopPollInterval)
}

func (m *Manager) buildLocked(ctx context.Context, def *Definition) error {
	for _, pd := range def.LockProviders {
		name, typ := providerNames(pd)
		if name == "" {
			return &ConfigError{Kind: "lock_provider", Err: errors.New("provider name is required")}
		}
		p, err := m.registry.NewLockProvider(ctx, typ, pd.Options)
		if err != nil {
			return &ConfigError{Kind: "lock_provider", Name: name, Ref: typ, Err: err}
		}
		m.lockProviders[name] = p
	}

	for _, pd := range def.HistoryProviders {
		name, typ := providerNames(pd)
		if name == "" {
			return &ConfigError{Kind: "history_provider", Err: errors.New("provider name is required")}
		}
		p, err := m.registry.NewHistoryProvider(ctx, typ, pd.Options)
		if err != nil {
			return &ConfigError{Kind: "history_provider", Name: name, Ref: typ, Err: err}
		}
		m.historyProviders[name] = p
	}

	for _, jd := range def.Jobs {
		if err := m.addRunnerLocked(ctx, jd.Configuration(), ""); err != nil {
			return err
		}
	}

	m.jobProviders = append(m.jobProviders, m.attachedProviders...)
	for _, pd := range def.JobProviders {
		name, typ := providerNames(pd)
		if name == "" {
			return &ConfigError{Kind: "job_provider", Err: errors.New("provider name is required")}
		}
		p, err := m.registry.NewJobProvider(ctx, typ, name, pd.Options)
		if err != nil {
			return &ConfigError{Kind: "job_provider", Name: name, Ref: typ, Err: err}
		}
		m.jobProviders = append(m.jobProviders, namedProvider{name: name, provider: p})
	}

	for _, np := range m.jobProviders {
		syncStart := time.Now()
		cfgs, err := np.provider.GetJobs(ctx)
		if err != nil {
			// Retried by the poll loop; an unreachable source is not a configuration error.
			m.log.Error().
				Err(err).
				Str("action", "provider_get_jobs_failed").
				Str("provider", np.name).
				Msg("Failed to load jobs from provider")
			continue
		}
		for _, cfg := range cfgs {
			if err := m.addRunnerLocked(ctx, cfg, np.name); err != nil {
				return err
			}
		}
		m.providerSynced[np.name] = syncStart
	}

	return nil
}

func providerNames(pd ProviderDefinition) (string, string) {
	name := strings.TrimSpace(pd.Name)
	typ := strings.TrimSpace(pd.Type)
	if typ == "" {
		typ = name
	}
	return name, typ
}

// addRunnerLocked builds and registers a stopped runner for cfg
func (m *Manager) addRunnerLocked(ctx context.Context, cfg Configuration, provider string) error {
	cfg.Provider = provider
	if err := cfg.Validate(); err != nil {
		return &ConfigError{Kind: "job", Name: cfg.Name, Err: fmt.Errorf("%w: %v", ErrInvalidJob, err)}
	}
	if _, exists := m.runners[cfg.Name]; exists {
		return &ConfigError{Kind: "job", Name: cfg.Name, Err: ErrDuplicateJob}
	}

	job, err := m.registry.NewJob(cfg.Type)
	if err != nil {
		return &ConfigError{Kind: "job", Name: cfg.Name, Ref: cfg.Type, Err: err}
	}
	locks, err := m.resolveLockProviderLocked(ctx, cfg.LockProvider)
	if err != nil {
		return &ConfigError{Kind: "job", Name: cfg.Name, Ref: cfg.LockProvider, Err: err}
	}
	history, err := m.resolveHistoryProviderLocked(ctx, cfg.HistoryProvider)
	if err != nil {
		return &ConfigError{Kind: "job", Name: cfg.Name, Ref: cfg.HistoryProvider, Err: err}
	}

	r, err := NewRunner(cfg, job, RunnerOptions{
		Locks:   locks,
		History: history,
		Counter: &m.running,
		Logger:  m.log,
		Hook:    m.emit,
		Owner:   m.id,
	})
	if err != nil {
		return &ConfigError{Kind: "job", Name: cfg.Name, Err: err}
	}

	m.runners[cfg.Name] = r
	if provider != "" {
		m.byProvider[provider] = append(m.byProvider[provider], cfg.Name)
	}
	return nil
}

// resolveLockProviderLocked looks ref up as an instance name, then as a type
func (m *Manager) resolveLockProviderLocked(ctx context.Context, ref string) (LockProvider, error) {
	if ref == "" {
		return m.defaultLocks, nil
	}
	if p, ok := m.lockProviders[ref]; ok {
		return p, nil
	}
	if !m.registry.HasLockProvider(ref) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLockProvider, ref)
	}
	p, err := m.registry.NewLockProvider(ctx, ref, nil)
	if err != nil {
		return nil, err
	}
	m.lockProviders[ref] = p
	return p, nil
}

func (m *Manager) resolveHistoryProviderLocked(ctx context.Context, ref string) (HistoryProvider, error) {
	if ref == "" {
		return m.defaultHistory, nil
	}
	if p, ok := m.historyProviders[ref]; ok {
		return p, nil
	}
	if !m.registry.HasHistoryProvider(ref) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHistoryProvider, ref)
	}
	p, err := m.registry.NewHistoryProvider(ctx, ref, nil)
	if err != nil {
		return nil, err
	}
	m.historyProviders[ref] = p
	return p, nil
}

func (m *Manager) startLocked(ctx context.Context) error {
	if err := m.initializeLocked(ctx); err != nil {
		return err
	}

	if !m.started {
		m.log.Info().
			Str("action", "start").
			Str("manager_id", m.id).
			Int("job_count", len(m.runners)).
			Msg("Starting job manager")
		m.emit(Event{Action: ActionManagerStarting})
	}

	for _, r := range m.sortedRunnersLocked() {
		r.Start(ctx)
	}
	m.startPollLocked()
	m.started = true
	return nil
}

func (m *Manager) stopLocked(ctx context.Context) bool {
	m.log.Info().
		Str("action", "stop_initiated").
		Str("manager_id", m.id).
		Int64("running", m.running.Load()).
		Msg("Stopping job manager")
	m.emit(Event{Action: ActionManagerStopping})

	m.stopPollLocked()

	var g errgroup.Group
	for _, r := range m.sortedRunnersLocked() {
		r := r
		g.Go(func() error {
			r.Stop(ctx, false)
			return nil
		})
	}
	_ = g.Wait()
	m.started = false

	drained := m.waitForDrain(ctx)
	m.log.Info().
		Str("action", "stopped").
		Str("manager_id", m.id).
		Bool("drained", drained).
		Msg("Job manager stopped")
	return drained
}

// waitForDrain polls the running counter until it drops to the caller's own
// share or the stop timeout elapses
func (m *Manager) waitForDrain(ctx context.Context) bool {
	var own int64
	var cancelled <-chan struct{}
	if runOwner(ctx) == m.id {
		own = 1
	} else {
		cancelled = ctx.Done()
	}

	deadline := time.Now().Add(m.stopTimeout)
	ticker := time.NewTicker(m.stopPollInterval)
	defer ticker.Stop()

	for {
		n := m.running.Load()
		if n <= own {
			return true
		}
		if !time.Now().Before(deadline) {
			m.log.Warn().
				Str("action", "stop_timeout").
				Int64("running", n).
				Dur("timeout", m.stopTimeout).
				Msg("Jobs still running after stop timeout")
			return false
		}
		select {
		case <-ticker.C:
		case <-cancelled:
			m.log.Warn().
				Str("action", "stop_wait_cancelled").
				Int64("running", n).
				Msg("Stopped waiting for running jobs")
			return false
		}
	}
}

func (m *Manager) startPollLocked() {
	if m.pollCancel != nil || len(m.jobProviders) == 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.pollCancel = cancel
	go m.pollLoop(ctx, m.pollInterval)
}

func (m *Manager) stopPollLocked() {
	if m.pollCancel != nil {
		m.pollCancel()
		m.pollCancel = nil
	}
}

func (m *Manager) pollLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollProviders(ctx)
		}
	}
}

// pollProviders resyncs every provider that reports a change
func (m *Manager) pollProviders(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A Stop or Reload that won the lock has retired this loop.
	if ctx.Err() != nil {
		return
	}

	for _, np := range m.jobProviders {
		if !np.provider.IsReloadRequired(ctx, m.providerSynced[np.name]) {
			continue
		}
		m.resyncLocked(ctx, np)
	}
}

// resyncLocked replaces the runners owned by one provider
func (m *Manager) resyncLocked(ctx context.Context, np namedProvider) {
	syncStart := time.Now()
	cfgs, err := np.provider.GetJobs(ctx)
	if err != nil {
		m.log.Error().
			Err(err).
			Str("action", "provider_resync_failed").
			Str("provider", np.name).
			Msg("Failed to load jobs from provider; keeping current jobs")
		return
	}

	removed := m.byProvider[np.name]
	for _, name := range removed {
		if r, ok := m.runners[name]; ok {
			r.Stop(ctx, false)
			delete(m.runners, name)
		}
	}
	delete(m.byProvider, np.name)

	added := 0
	for _, cfg := range cfgs {
		if err := m.addRunnerLocked(ctx, cfg, np.name); err != nil {
			m.log.Warn().
				Err(err).
				Str("action", "provider_job_skipped").
				Str("provider", np.name).
				Str("job_name", cfg.Name).
				Msg("Skipping job from provider")
			continue
		}
		if m.started {
			m.runners[cfg.Name].Start(ctx)
		}
		added++
	}
	m.providerSynced[np.name] = syncStart

	m.log.Info().
		Str("action", "provider_resynced").
		Str("provider", np.name).
		Int("removed", len(removed)).
		Int("added", added).
		Msg("Resynchronized provider jobs")
}

func (m *Manager) sortedRunnersLocked() []*Runner {
	names := make([]string, 0, len(m.runners))
	for name := range m.runners {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*Runner, 0, len(names))
	for _, name := range names {
		out = append(out, m.runners[name])
	}
	return out
}

func (m *Manager) snapshotLocked(keep func(*Runner) bool) []JobInfo {
	out := make([]JobInfo, 0, len(m.runners))
	for _, r := range m.sortedRunnersLocked() {
		if keep(r) {
			out = append(out, r.Info())
		}
	}
	return out
}

// closeProvidersLocked closes every provider instance the manager created
func (m *Manager) closeProvidersLocked() {
	closed := make(map[any]bool)
	closeOne := func(kind, name string, v any) {
		c, ok := v.(io.Closer)
		if !ok || closed[v] {
			return
		}
		closed[v] = true
		if err := c.Close(); err != nil {
			m.log.Warn().
				Err(err).
				Str("action", "provider_close_failed").
				Str("kind", kind).
				Str("provider", name).
				Msg("Failed to close provider")
		}
	}

	for name, p := range m.lockProviders {
		if _, attached := m.attachedLocks[name]; !attached {
			closeOne("lock_provider", name, p)
		}
	}
	for name, p := range m.historyProviders {
		if _, attached := m.attachedHistories[name]; !attached {
			closeOne("history_provider", name, p)
		}
	}
	for _, np := range m.jobProviders[len(m.attachedProviders):] {
		closeOne("job_provider", np.name, np.provider)
	}
}

// resetLocked drops all runners and registries. Attached providers are
// re-registered.
func (m *Manager) resetLocked() {
	m.stopPollLocked()
	m.initialized = false
	m.started = false
	m.lastInitialize = time.Time{}
	m.runners = make(map[string]*Runner)
	m.byProvider = make(map[string][]string)
	m.providerSynced = make(map[string]time.Time)
	m.lockProviders = make(map[string]LockProvider, len(m.attachedLocks))
	for name, p := range m.attachedLocks {
		m.lockProviders[name] = p
	}
	m.historyProviders = make(map[string]HistoryProvider, len(m.attachedHistories))
	for name, p := range m.attachedHistories {
		m.historyProviders[name] = p
	}
	m.jobProviders = nil
}

func (m *Manager) emit(ev Event) {
	if ev.ManagerID == "" {
		ev.ManagerID = m.id
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	m.hookMu.RLock()
	hooks := make([]Hook, len(m.hooks))
	copy(hooks, m.hooks)
	m.hookMu.RUnlock()

	for _, h := range hooks {
		m.callHook(h, ev)
	}
}

func (m *Manager) callHook(h Hook, ev Event) {
	defer func() {
		if v := recover(); v != nil {
			m.log.Error().
				Str("action", "hook_panic").
				Str("event", string(ev.Action)).
				Interface("panic", v).
				Msg("Lifecycle hook panicked")
		}
	}()
	h(ev)
}
