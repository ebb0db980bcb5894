// Package queue implements a persistent, priority-aware, concurrency-bounded
// job queue with streaming execution and crash recovery.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority determines dispatch order. Higher value dispatches first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// Priorities in dispatch order, highest first.
var priorityOrder = [...]Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

// String renders the priority as its canonical lowercase name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// ParsePriority parses a priority name, defaulting to PriorityNormal on an
// unrecognized string.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "urgent":
		return PriorityUrgent
	default:
		return PriorityNormal
	}
}

// State is the lifecycle state of a Job.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// IsTerminal reports whether the state accepts no further transitions.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Job is a single unit of work moving through the queue.
type Job struct {
	ID       string
	ParentID string

	AgentName   string
	Input       string
	Config      map[string]any
	ChatHistory []map[string]string

	SessionID string
	Workspace string
	UserID    string

	Priority Priority
	State    State

	CreatedAt time.Time
	StartedAt time.Time
	EndedAt   time.Time

	RetryCount int
	MaxRetries int

	Output  string
	Error   string
	Metrics map[string]any

	// Recovered is set when this record was reconstructed by crash recovery.
	Recovered bool

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewJob constructs a Job in state QUEUED with a fresh opaque id.
func NewJob(agentName, input string, priority Priority) *Job {
	ctx, cancel := context.WithCancel(context.Background())
	return &Job{
		ID:        uuid.NewString(),
		AgentName: agentName,
		Input:     input,
		Priority:  priority,
		State:     StateQueued,
		CreatedAt: time.Now(),
		Config:    make(map[string]any),
		Metrics:   make(map[string]any),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Context returns the job's cancellation context. It is created lazily on
// jobs reconstructed from persistence, which carry no context of their own
// until they are re-dispatched.
func (j *Job) Context() context.Context {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.ctx == nil {
		return context.Background()
	}
	return j.ctx
}

func (j *Job) ensureContext() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.ctx == nil {
		j.ctx, j.cancel = context.WithCancel(context.Background())
	}
}

// cancelContext cancels the job's execution context, if any.
func (j *Job) cancelContext() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil {
		j.cancel()
	}
}

// CanRetry reports whether a FAILED job is eligible for another retry.
func (j *Job) CanRetry() bool {
	return j.State == StateFailed && j.RetryCount < j.MaxRetries
}

// QueueDuration returns how long the job waited before first starting.
func (j *Job) QueueDuration() time.Duration {
	if j.StartedAt.IsZero() {
		return time.Since(j.CreatedAt)
	}
	return j.StartedAt.Sub(j.CreatedAt)
}

// Duration returns the job's execution duration, or zero if it never ran.
func (j *Job) Duration() time.Duration {
	if j.StartedAt.IsZero() {
		return 0
	}
	if j.EndedAt.IsZero() {
		return time.Since(j.StartedAt)
	}
	return j.EndedAt.Sub(j.StartedAt)
}

// Clone returns a deep copy suitable for handing to callbacks and callers
// without exposing the scheduler's live record to mutation races.
func (j *Job) Clone() *Job {
	j.mu.RLock()
	defer j.mu.RUnlock()

	clone := &Job{
		ID:         j.ID,
		ParentID:   j.ParentID,
		AgentName:  j.AgentName,
		Input:      j.Input,
		SessionID:  j.SessionID,
		Workspace:  j.Workspace,
		UserID:     j.UserID,
		Priority:   j.Priority,
		State:      j.State,
		CreatedAt:  j.CreatedAt,
		StartedAt:  j.StartedAt,
		EndedAt:    j.EndedAt,
		RetryCount: j.RetryCount,
		MaxRetries: j.MaxRetries,
		Output:     j.Output,
		Error:      j.Error,
		Recovered:  j.Recovered,
	}
	if j.Config != nil {
		clone.Config = make(map[string]any, len(j.Config))
		for k, v := range j.Config {
			clone.Config[k] = v
		}
	}
	if j.Metrics != nil {
		clone.Metrics = make(map[string]any, len(j.Metrics))
		for k, v := range j.Metrics {
			clone.Metrics[k] = v
		}
	}
	if j.ChatHistory != nil {
		clone.ChatHistory = make([]map[string]string, len(j.ChatHistory))
		for i, msg := range j.ChatHistory {
			m := make(map[string]string, len(msg))
			for k, v := range msg {
				m[k] = v
			}
			clone.ChatHistory[i] = m
		}
	}
	return clone
}
