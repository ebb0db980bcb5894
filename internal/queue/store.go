package queue

import "context"

// Session is a durable grouping of jobs sharing conversational state (chat
// history, workspace) across process restarts.
type Session struct {
	ID        string
	UserID    string
	State     map[string]any
	CreatedAt int64
	UpdatedAt int64
}

// Store is the durability contract the Manager drives. Implementations
// must be safe for concurrent use.
type Store interface {
	// Initialize creates the schema if absent and checks its version.
	Initialize(ctx context.Context) error

	SaveJob(ctx context.Context, job *Job) error
	LoadJob(ctx context.Context, id string) (*Job, error)

	// ListJobs returns jobs matching the given filters, most-eligible
	// first (priority desc, created_at asc), bounded by limit/offset.
	ListJobs(ctx context.Context, filter JobFilter, limit, offset int) ([]*Job, error)

	// LoadPending returns every job persisted in a non-terminal state,
	// for recovery at startup.
	LoadPending(ctx context.Context) ([]*Job, error)

	// MarkInterruptedAsFailed flips every RUNNING or PAUSED record to FAILED
	// (the process that was running them no longer exists) and returns the
	// count affected.
	MarkInterruptedAsFailed(ctx context.Context) (int, error)

	SaveSession(ctx context.Context, s *Session) error
	LoadSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, userID string) ([]*Session, error)

	// Cleanup deletes terminal job records older than olderThanDays.
	Cleanup(ctx context.Context, olderThanDays int) (int, error)

	Close() error
}

// JobFilter narrows ListJobs. Zero-value fields are unfiltered.
type JobFilter struct {
	State     State
	SessionID string
	Workspace string
}
