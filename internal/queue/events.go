package queue

import "time"

// EventKind enumerates the canonical scheduler state-transition events.
type EventKind string

const (
	EventSubmitted EventKind = "submitted"
	EventStarted   EventKind = "started"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventCancelled EventKind = "cancelled"
	EventPaused    EventKind = "paused"
	EventResumed   EventKind = "resumed"
	EventUpdated   EventKind = "updated"
	EventRetried   EventKind = "retried"
)

// Event describes one scheduler state transition. Data carries
// kind-specific detail (e.g. "was_running" for EventCancelled).
type Event struct {
	Kind      EventKind
	JobID     string
	Timestamp time.Time
	Data      map[string]any
}

// EventCallback receives scheduler events. It must not block; the
// Scheduler invokes callbacks after releasing its mutex, but a slow
// callback still delays the worker that triggered it.
type EventCallback func(Event)
