package queue

import "context"

// Chunk is one piece of streamed output from an Executor, prior to being
// wrapped into a StreamChunk with buffer bookkeeping.
type Chunk struct {
	Content string
	Final   bool
}

// AsyncStreamer is the preferred executor shape: a lazily-produced channel
// of chunks. The channel must be closed when the run completes, and must
// respect ctx cancellation.
type AsyncStreamer interface {
	AStream(ctx context.Context, input string) (<-chan Chunk, <-chan error)
}

// SyncStreamer is the second-tier executor shape: a blocking iterator
// callback invoked once per chunk. It returns when the run completes, or
// when ctx is cancelled.
type SyncStreamer interface {
	Stream(ctx context.Context, input string, yield func(Chunk) error) error
}

// ChatExecutor is the baseline executor shape: a single-shot call that
// returns the complete output with no incremental chunks. A job whose agent
// implements only this interface is delivered as one content StreamChunk
// followed by the empty final chunk every run ends with — no artificial
// splitting or pacing is synthesized.
type ChatExecutor interface {
	Chat(ctx context.Context, input string) (string, error)
}

// Executor is satisfied by any agent capable of running a job. Concrete
// agents are expected to implement whichever subset of AsyncStreamer,
// SyncStreamer, and ChatExecutor they can; the worker selects the richest
// available tier at dispatch time.
type Executor interface {
	ChatExecutor
}
