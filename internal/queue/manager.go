package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Manager is the composition root: it wires the Scheduler, WorkerPool, and
// Store together, and is the only type application code needs to hold.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	scheduler *Scheduler
	pool      *WorkerPool
	store     Store

	toolsMu     sync.Mutex
	tools       map[string]Executor // jobID -> executor
	defaultExec Executor

	outputMu   sync.Mutex
	onOutput   []OutputFunc
	onComplete CompleteFunc
	onError    ErrorFunc

	eventMu sync.Mutex
	onEvent []EventCallback

	autosaveCancel context.CancelFunc
	autosaveDone   chan struct{}
}

// ManagerOption configures a Manager at construction time.
type ManagerOption func(*Manager)

// WithOutputCallback installs a hook invoked for every streamed chunk.
func WithOutputCallback(fn OutputFunc) ManagerOption {
	return func(m *Manager) { m.onOutput = append(m.onOutput, fn) }
}

// WithCompleteCallback installs a hook invoked once per successful job,
// after persistence.
func WithCompleteCallback(fn CompleteFunc) ManagerOption {
	return func(m *Manager) { m.onComplete = fn }
}

// WithErrorCallback installs a hook invoked once per failed job, after
// persistence.
func WithErrorCallback(fn ErrorFunc) ManagerOption {
	return func(m *Manager) { m.onError = fn }
}

// WithEventCallback installs a hook invoked for every scheduler transition.
func WithEventCallback(fn EventCallback) ManagerOption {
	return func(m *Manager) { m.onEvent = append(m.onEvent, fn) }
}

// WithDefaultExecutor installs the executor returned when a job's agent has
// no per-job registration.
func WithDefaultExecutor(exec Executor) ManagerOption {
	return func(m *Manager) { m.defaultExec = exec }
}

// NewManager constructs a Manager. store may be nil if cfg.EnablePersistence
// is false.
func NewManager(cfg Config, store Store, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:    cfg,
		logger: logger,
		store:  store,
		tools:  make(map[string]Executor),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.scheduler = NewScheduler(cfg, logger)
	m.scheduler.AddEventCallback(m.handleEvent)
	m.pool = NewWorkerPool(m.scheduler, m.resolveExecutor, WorkerPoolConfig{
		Workers:      cfg.MaxConcurrentGlobal,
		PollInterval: cfg.WorkerPollInterval,
		BufferSize:   cfg.StreamBufferSize,
		DropStrategy: cfg.DropStrategy,
		RunTimeout:   cfg.RunTimeout,
	}, logger)
	m.pool.SetCallbacks(m.wrapOutput, m.wrapComplete, m.wrapError)
	return m
}

func (m *Manager) handleEvent(ev Event) {
	m.eventMu.Lock()
	cbs := append([]EventCallback(nil), m.onEvent...)
	m.eventMu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

// AddEventCallback registers an additional event subscriber after
// construction, e.g. a facade server started on demand via the CLI.
func (m *Manager) AddEventCallback(fn EventCallback) {
	m.eventMu.Lock()
	defer m.eventMu.Unlock()
	m.onEvent = append(m.onEvent, fn)
}

// AddOutputCallback registers an additional streamed-chunk subscriber after
// construction, e.g. the `run` CLI command watching a single in-flight job.
func (m *Manager) AddOutputCallback(fn OutputFunc) {
	m.outputMu.Lock()
	defer m.outputMu.Unlock()
	m.onOutput = append(m.onOutput, fn)
}

func (m *Manager) resolveExecutor(jobID, agentName string) (Executor, error) {
	m.toolsMu.Lock()
	defer m.toolsMu.Unlock()
	if exec, ok := m.tools[jobID]; ok {
		return exec, nil
	}
	if m.defaultExec != nil {
		return m.defaultExec, nil
	}
	return nil, fmt.Errorf("%w: agent %q job %q", ErrNoExecutor, agentName, jobID)
}

// RegisterExecutor associates exec with jobID. Executors are process-local
// and never persisted; they must be re-registered after a restart before
// the job can be dispatched.
func (m *Manager) RegisterExecutor(jobID string, exec Executor) {
	m.toolsMu.Lock()
	defer m.toolsMu.Unlock()
	m.tools[jobID] = exec
}

// UnregisterExecutor removes a job's executor association.
func (m *Manager) UnregisterExecutor(jobID string) {
	m.toolsMu.Lock()
	defer m.toolsMu.Unlock()
	delete(m.tools, jobID)
}

// wrapOutput fans streamed chunks out to every registered subscriber;
// chunks are not persisted incrementally.
func (m *Manager) wrapOutput(jobID string, chunk StreamChunk) {
	m.outputMu.Lock()
	cbs := append([]OutputFunc(nil), m.onOutput...)
	m.outputMu.Unlock()
	for _, cb := range cbs {
		cb(jobID, chunk)
	}
}

// wrapComplete persists the finished job before notifying the caller, so an
// observer that reacts to completion by querying the store always sees
// durable state.
func (m *Manager) wrapComplete(job *Job) {
	m.persist(job)
	if m.onComplete != nil {
		m.onComplete(job)
	}
}

// wrapError mirrors wrapComplete's persist-then-notify ordering for the
// failure path.
func (m *Manager) wrapError(job *Job, err error) {
	m.persist(job)
	if m.onError != nil {
		m.onError(job, err)
	}
}

func (m *Manager) persist(job *Job) {
	if m.store == nil || job == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.SaveJob(ctx, job.Clone()); err != nil {
		m.logger.Error("failed to persist job", "job", job.ID, "error", err)
	}
}

// Start initializes persistence (if enabled), optionally recovers
// interrupted jobs, starts the worker pool, and starts the autosave loop.
func (m *Manager) Start(ctx context.Context, recover bool) error {
	if m.store != nil {
		if err := m.store.Initialize(ctx); err != nil {
			return fmt.Errorf("queue: initialize store: %w", err)
		}
		if recover {
			if err := m.recoverJobs(ctx); err != nil {
				return fmt.Errorf("queue: recover jobs: %w", err)
			}
		}
	}

	m.pool.Start()

	if m.store != nil && m.cfg.AutosaveInterval > 0 {
		autosaveCtx, cancel := context.WithCancel(context.Background())
		m.autosaveCancel = cancel
		m.autosaveDone = make(chan struct{})
		go m.autosaveLoop(autosaveCtx)
	}

	m.logger.Info("manager started", "recovered", recover)
	return nil
}

func (m *Manager) recoverJobs(ctx context.Context) error {
	n, err := m.store.MarkInterruptedAsFailed(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		m.logger.Warn("marked interrupted jobs as failed", "count", n)
	}

	pending, err := m.store.LoadPending(ctx)
	if err != nil {
		return err
	}
	for _, j := range pending {
		j.Recovered = true
	}
	m.scheduler.LoadJobs(pending)
	for _, j := range pending {
		m.persist(j)
	}
	return nil
}

func (m *Manager) autosaveLoop(ctx context.Context) {
	defer close(m.autosaveDone)
	ticker := time.NewTicker(m.cfg.AutosaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.saveAll()
		}
	}
}

func (m *Manager) saveAll() {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, job := range m.scheduler.GetAll() {
		if err := m.store.SaveJob(ctx, job.Clone()); err != nil {
			m.logger.Error("autosave: failed to save job", "job", job.ID, "error", err)
		}
	}
}

// Stop cancels the autosave loop, drains the worker pool (up to deadline),
// flushes all job state to the store, and closes it.
func (m *Manager) Stop(deadline time.Duration) error {
	if m.autosaveCancel != nil {
		m.autosaveCancel()
		<-m.autosaveDone
	}

	stopErr := m.pool.Stop(deadline)
	m.saveAll()
	m.scheduler.Close()

	if m.store != nil {
		if err := m.store.Close(); err != nil {
			m.logger.Error("failed to close store", "error", err)
		}
	}

	m.logger.Info("manager stopped")
	return stopErr
}

// Submit admits a new job and persists its initial record.
func (m *Manager) Submit(job *Job) error {
	if err := m.scheduler.Submit(job); err != nil {
		return err
	}
	m.persist(job)
	return nil
}

// Cancel cancels job id, persisting the resulting state on success.
func (m *Manager) Cancel(id string) bool {
	ok := m.scheduler.Cancel(id)
	if ok {
		if job := m.scheduler.GetJob(id); job != nil {
			m.persist(job)
		}
	}
	return ok
}

// Retry submits a new job linked to a failed one, persisting it on success.
func (m *Manager) Retry(id string) *Job {
	newJob := m.scheduler.Retry(id)
	if newJob != nil {
		m.persist(newJob)
	}
	return newJob
}

// Pause pauses a running job, persisting on success.
func (m *Manager) Pause(id string) bool {
	ok := m.scheduler.Pause(id)
	if ok {
		if job := m.scheduler.GetJob(id); job != nil {
			m.persist(job)
		}
	}
	return ok
}

// Resume resumes a paused job, persisting on success.
func (m *Manager) Resume(id string) bool {
	ok := m.scheduler.Resume(id)
	if ok {
		if job := m.scheduler.GetJob(id); job != nil {
			m.persist(job)
		}
	}
	return ok
}

// UpdateInput edits a queued job's input, persisting on success.
func (m *Manager) UpdateInput(id, newInput string) bool {
	ok := m.scheduler.UpdateInput(id, newInput)
	if ok {
		if job := m.scheduler.GetJob(id); job != nil {
			m.persist(job)
		}
	}
	return ok
}

// GetJob returns a job by id, checking live scheduler state first and
// falling back to the store for terminal jobs evicted from memory.
func (m *Manager) GetJob(ctx context.Context, id string) (*Job, error) {
	if job := m.scheduler.GetJob(id); job != nil {
		return job, nil
	}
	if m.store == nil {
		return nil, ErrNotFound
	}
	return m.store.LoadJob(ctx, id)
}

// ListJobs returns jobs matching filter. When the filter names a terminal
// state and persistence is enabled it reads the store (which has the full
// terminal history); otherwise it filters the in-memory scheduler state.
func (m *Manager) ListJobs(ctx context.Context, filter JobFilter, limit, offset int) ([]*Job, error) {
	if m.store != nil && filter.State.IsTerminal() {
		return m.store.ListJobs(ctx, filter, limit, offset)
	}
	return filterInMemory(m.scheduler.GetAll(), filter, limit, offset), nil
}

func filterInMemory(jobs []*Job, filter JobFilter, limit, offset int) []*Job {
	var out []*Job
	for _, j := range jobs {
		if filter.State != "" && j.State != filter.State {
			continue
		}
		if filter.SessionID != "" && j.SessionID != filter.SessionID {
			continue
		}
		if filter.Workspace != "" && j.Workspace != filter.Workspace {
			continue
		}
		out = append(out, j)
	}
	if offset >= len(out) {
		return nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// GetQueued returns all currently queued jobs.
func (m *Manager) GetQueued() []*Job { return m.scheduler.GetQueued() }

// GetRunning returns all currently running jobs.
func (m *Manager) GetRunning() []*Job { return m.scheduler.GetRunning() }

// ClearQueue cancels every queued job and returns the count cancelled.
func (m *Manager) ClearQueue() int { return m.scheduler.ClearQueue() }

// Stats summarizes the queue's current state.
type Stats struct {
	Queued             int
	Running            int
	Headroom           HeadroomStatus
	AvgWaitSeconds     float64
	AvgDurationSeconds float64
}

// Stats returns a snapshot of queue depth, concurrency, resource headroom,
// and the mean queue wait and execution time across every job this process
// has seen that has at least started running.
func (m *Manager) Stats() Stats {
	avgWait, avgDuration := m.averageTimings()
	return Stats{
		Queued:             m.scheduler.QueuedCount(),
		Running:            m.scheduler.RunningCount(),
		Headroom:           m.scheduler.HeadroomStatus(),
		AvgWaitSeconds:     avgWait,
		AvgDurationSeconds: avgDuration,
	}
}

// averageTimings computes the mean QueueDuration and Duration across every
// job that has started, skipping jobs still queued.
func (m *Manager) averageTimings() (avgWait, avgDuration float64) {
	var waitTotal, durationTotal time.Duration
	var started int
	for _, j := range m.scheduler.GetAll() {
		if j.StartedAt.IsZero() {
			continue
		}
		started++
		waitTotal += j.QueueDuration()
		durationTotal += j.Duration()
	}
	if started == 0 {
		return 0, 0
	}
	return waitTotal.Seconds() / float64(started), durationTotal.Seconds() / float64(started)
}

// SaveSession persists session state (e.g. chat history) outside the job
// lifecycle.
func (m *Manager) SaveSession(ctx context.Context, s *Session) error {
	if m.store == nil {
		return ErrStoreFailed
	}
	return m.store.SaveSession(ctx, s)
}

// LoadSession retrieves previously saved session state.
func (m *Manager) LoadSession(ctx context.Context, id string) (*Session, error) {
	if m.store == nil {
		return nil, ErrNotFound
	}
	return m.store.LoadSession(ctx, id)
}

// ListSessions returns every session owned by userID.
func (m *Manager) ListSessions(ctx context.Context, userID string) ([]*Session, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.ListSessions(ctx, userID)
}
