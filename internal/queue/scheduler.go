package queue

import (
	"log/slog"
	"sync"
	"time"
)

// Scheduler holds the priority-FIFO queues, the running set, and all
// lifecycle transitions. Every mutation is serialized through a single
// mutex, held only for bookkeeping — never across an executor call.
type Scheduler struct {
	mu sync.Mutex

	cfg    Config
	logger *slog.Logger

	queues       map[Priority][]*Job
	running      map[string]*Job
	all          map[string]*Job
	cancelTokens map[string]struct{}

	headroom *HeadroomGuard

	callbacks []EventCallback
}

// NewScheduler constructs a Scheduler from cfg. If logger is nil,
// slog.Default() is used.
func NewScheduler(cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cfg:          cfg,
		logger:       logger,
		queues:       make(map[Priority][]*Job),
		running:      make(map[string]*Job),
		all:          make(map[string]*Job),
		cancelTokens: make(map[string]struct{}),
	}
	for _, p := range priorityOrder {
		s.queues[p] = nil
	}
	headroomCfg := DefaultHeadroomConfig()
	headroomCfg.Enabled = cfg.HeadroomEnabled
	if cfg.HeadroomThreshold > 0 {
		headroomCfg.Threshold = cfg.HeadroomThreshold
	}
	s.headroom = NewHeadroomGuard(headroomCfg)
	return s
}

// Close stops the scheduler's background sampler (the headroom guard).
func (s *Scheduler) Close() {
	s.headroom.Stop()
}

// AddEventCallback registers a callback invoked, outside the scheduler
// mutex, for every state transition.
func (s *Scheduler) AddEventCallback(cb EventCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

func (s *Scheduler) emit(ev Event) {
	ev.Timestamp = time.Now()
	s.mu.Lock()
	cbs := append([]EventCallback(nil), s.callbacks...)
	s.mu.Unlock()
	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("event callback panicked", "panic", r, "event", ev.Kind)
				}
			}()
			cb(ev)
		}()
	}
}

func (s *Scheduler) queuedCountLocked() int {
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return n
}

// Submit admits job into the appropriate priority queue. It returns
// ErrDuplicate if the id is already known, or ErrQueueFull if the queue is
// at capacity.
func (s *Scheduler) Submit(job *Job) error {
	s.mu.Lock()
	if _, exists := s.all[job.ID]; exists {
		s.mu.Unlock()
		return ErrDuplicate
	}
	if s.queuedCountLocked() >= s.cfg.MaxQueueSize {
		s.mu.Unlock()
		return ErrQueueFull
	}

	job.State = StateQueued
	s.queues[job.Priority] = append(s.queues[job.Priority], job)
	s.all[job.ID] = job
	s.mu.Unlock()

	s.logger.Debug("job submitted", "id", job.ID, "priority", job.Priority.String(), "agent", job.AgentName)
	s.emit(Event{Kind: EventSubmitted, JobID: job.ID, Data: map[string]any{"priority": job.Priority.String(), "agent": job.AgentName}})
	return nil
}

// Next selects and dispatches the next eligible job, respecting global,
// per-agent, and per-workspace concurrency caps plus headroom. It returns
// nil if no job can be dispatched right now.
func (s *Scheduler) Next() *Job {
	if allowed, reason := s.headroom.CheckHeadroom(); !allowed {
		s.logger.Debug("dispatch blocked by headroom guard", "reason", reason)
		return nil
	}

	s.mu.Lock()

	if len(s.running) >= s.cfg.MaxConcurrentGlobal {
		s.mu.Unlock()
		return nil
	}

	for _, p := range priorityOrder {
		queue := s.queues[p]
		for i, job := range queue {
			if !s.canRunLocked(job) {
				continue
			}
			s.queues[p] = append(append([]*Job(nil), queue[:i]...), queue[i+1:]...)
			job.ensureContext()
			job.State = StateRunning
			job.StartedAt = time.Now()
			s.running[job.ID] = job
			started := job
			s.mu.Unlock()

			s.logger.Debug("job started", "id", started.ID, "agent", started.AgentName)
			s.emit(Event{Kind: EventStarted, JobID: started.ID, Data: map[string]any{"agent": started.AgentName}})
			return started
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) canRunLocked(job *Job) bool {
	agentCount := 0
	workspaceCount := 0
	for _, r := range s.running {
		if r.AgentName == job.AgentName {
			agentCount++
		}
		if job.Workspace != "" && r.Workspace == job.Workspace {
			workspaceCount++
		}
	}
	if agentCount >= s.cfg.MaxConcurrentPerAgent {
		return false
	}
	if job.Workspace != "" && workspaceCount >= s.cfg.MaxConcurrentPerWorkspace {
		return false
	}
	return true
}

// Complete transitions a RUNNING job to SUCCEEDED. It is a no-op (returns
// nil) if the job is not currently running, which happens when it was
// concurrently cancelled.
func (s *Scheduler) Complete(id, output string, metrics map[string]any) *Job {
	s.mu.Lock()
	job, ok := s.running[id]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("complete: job not running", "id", id)
		return nil
	}
	delete(s.running, id)
	job.State = StateSucceeded
	job.EndedAt = time.Now()
	job.Output = output
	for k, v := range metrics {
		job.Metrics[k] = v
	}
	s.mu.Unlock()

	s.logger.Debug("job completed", "id", id)
	s.emit(Event{Kind: EventCompleted, JobID: id, Data: map[string]any{"duration": job.Duration()}})
	return job
}

// Fail transitions a RUNNING job to FAILED. It is a no-op (returns nil) if
// the job is not currently running.
func (s *Scheduler) Fail(id, errMsg string, metrics map[string]any) *Job {
	s.mu.Lock()
	job, ok := s.running[id]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("fail: job not running", "id", id)
		return nil
	}
	delete(s.running, id)
	job.State = StateFailed
	job.EndedAt = time.Now()
	job.Error = errMsg
	for k, v := range metrics {
		job.Metrics[k] = v
	}
	s.mu.Unlock()

	s.logger.Debug("job failed", "id", id, "error", errMsg)
	s.emit(Event{Kind: EventFailed, JobID: id, Data: map[string]any{"error": errMsg}})
	return job
}

// Cancel cancels a QUEUED or RUNNING job. It is idempotent: cancelling an
// already-terminal job returns false.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()

	if job, ok := s.running[id]; ok {
		delete(s.running, id)
		job.State = StateCancelled
		job.EndedAt = time.Now()
		s.cancelTokens[id] = struct{}{}
		job.cancelContext()
		s.mu.Unlock()

		s.logger.Debug("cancelled running job", "id", id)
		s.emit(Event{Kind: EventCancelled, JobID: id, Data: map[string]any{"was_running": true}})
		return true
	}

	for _, p := range priorityOrder {
		queue := s.queues[p]
		for i, job := range queue {
			if job.ID != id {
				continue
			}
			s.queues[p] = append(append([]*Job(nil), queue[:i]...), queue[i+1:]...)
			job.State = StateCancelled
			job.EndedAt = time.Now()
			s.mu.Unlock()

			s.logger.Debug("cancelled queued job", "id", id)
			s.emit(Event{Kind: EventCancelled, JobID: id, Data: map[string]any{"was_running": false}})
			return true
		}
	}

	s.mu.Unlock()
	return false
}

// IsCancelled reports whether id currently holds a cancellation token.
func (s *Scheduler) IsCancelled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cancelTokens[id]
	return ok
}

// ClearCancelToken removes id's cancellation token, if present.
func (s *Scheduler) ClearCancelToken(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancelTokens, id)
}

// UpdateInput edits the input text of a QUEUED job. It fails for any other
// state.
func (s *Scheduler) UpdateInput(id, newInput string) bool {
	s.mu.Lock()
	job, ok := s.all[id]
	if !ok || job.State != StateQueued {
		s.mu.Unlock()
		return false
	}
	job.Input = newInput
	s.mu.Unlock()

	s.emit(Event{Kind: EventUpdated, JobID: id, Data: map[string]any{"new_input_len": len(newInput)}})
	return true
}

// Retry creates and submits a new job linked to id via ParentID, with
// RetryCount+1, when id is FAILED and under its retry ceiling. It returns
// the new job, or nil if retry is not allowed.
func (s *Scheduler) Retry(id string) *Job {
	s.mu.Lock()
	original, ok := s.all[id]
	if !ok || !original.CanRetry() {
		s.mu.Unlock()
		return nil
	}
	clone := original.Clone()
	s.mu.Unlock()

	newJob := NewJob(clone.AgentName, clone.Input, clone.Priority)
	newJob.SessionID = clone.SessionID
	newJob.Workspace = clone.Workspace
	newJob.UserID = clone.UserID
	newJob.RetryCount = clone.RetryCount + 1
	newJob.MaxRetries = clone.MaxRetries
	newJob.ParentID = clone.ID
	newJob.Config = clone.Config
	newJob.ChatHistory = clone.ChatHistory

	if err := s.Submit(newJob); err != nil {
		s.logger.Warn("retry submit failed", "parent", id, "error", err)
		return nil
	}

	s.logger.Debug("retrying job", "parent", id, "new", newJob.ID, "attempt", newJob.RetryCount)
	s.emit(Event{Kind: EventRetried, JobID: newJob.ID, Data: map[string]any{"parent_id": id, "retry_count": newJob.RetryCount}})
	return newJob
}

// Pause flips a RUNNING job to PAUSED.
func (s *Scheduler) Pause(id string) bool {
	s.mu.Lock()
	job, ok := s.running[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	job.State = StatePaused
	s.mu.Unlock()

	s.emit(Event{Kind: EventPaused, JobID: id})
	return true
}

// Resume flips a PAUSED job back to RUNNING.
func (s *Scheduler) Resume(id string) bool {
	s.mu.Lock()
	job, ok := s.running[id]
	if !ok || job.State != StatePaused {
		s.mu.Unlock()
		return false
	}
	job.State = StateRunning
	s.mu.Unlock()

	s.emit(Event{Kind: EventResumed, JobID: id})
	return true
}

// GetJob returns the live record for id, or nil if unknown.
func (s *Scheduler) GetJob(id string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.all[id]
}

// GetQueued returns all queued jobs in dispatch order (priority desc, FIFO
// within a priority).
func (s *Scheduler) GetQueued() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, p := range priorityOrder {
		out = append(out, s.queues[p]...)
	}
	return out
}

// GetRunning returns all currently running jobs.
func (s *Scheduler) GetRunning() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.running))
	for _, j := range s.running {
		out = append(out, j)
	}
	return out
}

// GetAll returns every job the scheduler has ever seen this process
// lifetime, live and terminal alike.
func (s *Scheduler) GetAll() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.all))
	for _, j := range s.all {
		out = append(out, j)
	}
	return out
}

// QueuedCount returns the total number of queued jobs across all
// priorities.
func (s *Scheduler) QueuedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queuedCountLocked()
}

// RunningCount returns the number of currently running jobs.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// ClearQueue cancels every queued job and returns the count cancelled.
func (s *Scheduler) ClearQueue() int {
	s.mu.Lock()
	count := 0
	for _, p := range priorityOrder {
		for _, job := range s.queues[p] {
			job.State = StateCancelled
			job.EndedAt = time.Now()
			delete(s.all, job.ID)
			count++
		}
		s.queues[p] = nil
	}
	s.mu.Unlock()
	return count
}

// LoadJobs ingests jobs recovered from the store. Any job recorded as
// RUNNING is forced back to QUEUED (its StartedAt cleared) since no worker
// is actually executing it in this process.
func (s *Scheduler) LoadJobs(jobs []*Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range jobs {
		if job.State == StateRunning {
			job.State = StateQueued
			job.StartedAt = time.Time{}
		}
		if job.State == StateQueued {
			s.queues[job.Priority] = append(s.queues[job.Priority], job)
		}
		s.all[job.ID] = job
	}
	s.logger.Info("loaded jobs from persistence", "count", len(jobs))
}

// HeadroomStatus exposes the scheduler's resource headroom snapshot.
func (s *Scheduler) HeadroomStatus() HeadroomStatus {
	return s.headroom.Status()
}
