package queue

import "errors"

// Sentinel errors forming the error taxonomy of the queue core. Wrap with
// fmt.Errorf("...: %w", Err...) to add context; unwrap with errors.Is.
var (
	ErrQueueFull         = errors.New("queue is full")
	ErrDuplicate         = errors.New("job id already exists")
	ErrNotFound          = errors.New("job not found")
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrExecutorFailed    = errors.New("executor failed")
	ErrTimeout           = errors.New("run timed out")
	ErrStoreFailed       = errors.New("store operation failed")
	ErrInterrupted       = errors.New("interrupted by crash/restart")
)

// InterruptedMessage is the canonical error string stamped on jobs that were
// RUNNING at the moment of a crash, per the recovery contract.
const InterruptedMessage = "Interrupted by crash/restart"
