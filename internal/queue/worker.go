package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ToolResolver looks up the executor for a job, by agent name and job id.
// The registry pattern lets callers associate non-serializable tool
// handles with a job without persisting them.
type ToolResolver func(jobID, agentName string) (Executor, error)

// OutputFunc is invoked for every chunk a running job produces.
type OutputFunc func(jobID string, chunk StreamChunk)

// CompleteFunc is invoked when a job finishes successfully.
type CompleteFunc func(job *Job)

// ErrorFunc is invoked when a job finishes with an error.
type ErrorFunc func(job *Job, err error)

// WorkerPool drains the Scheduler with a fixed number of goroutines, each
// polling Next() and executing whatever job it returns through the
// available executor tier.
type WorkerPool struct {
	scheduler *Scheduler
	resolver  ToolResolver
	logger    *slog.Logger

	workers      int
	pollInterval time.Duration
	bufferSize   int
	dropStrategy DropStrategy
	runTimeout   time.Duration

	onOutput   OutputFunc
	onComplete CompleteFunc
	onError    ErrorFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WorkerPoolConfig configures a WorkerPool.
type WorkerPoolConfig struct {
	Workers      int
	PollInterval time.Duration
	BufferSize   int
	DropStrategy DropStrategy
	RunTimeout   time.Duration
}

// NewWorkerPool constructs a pool bound to scheduler. resolver supplies the
// executor for each dispatched job.
func NewWorkerPool(scheduler *Scheduler, resolver ToolResolver, cfg WorkerPoolConfig, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	return &WorkerPool{
		scheduler:    scheduler,
		resolver:     resolver,
		logger:       logger,
		workers:      cfg.Workers,
		pollInterval: cfg.PollInterval,
		bufferSize:   cfg.BufferSize,
		dropStrategy: cfg.DropStrategy,
		runTimeout:   cfg.RunTimeout,
	}
}

// SetCallbacks installs the output/complete/error hooks. Must be called
// before Start.
func (p *WorkerPool) SetCallbacks(onOutput OutputFunc, onComplete CompleteFunc, onError ErrorFunc) {
	p.onOutput = onOutput
	p.onComplete = onComplete
	p.onError = onError
}

// Start launches the pool's worker goroutines.
func (p *WorkerPool) Start() {
	p.ctx, p.cancel = context.WithCancel(context.Background())
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.loop(i)
	}
	p.logger.Info("worker pool started", "workers", p.workers)
}

// Stop signals all workers to finish their current job and exit, waiting up
// to timeout for them to drain. Jobs still running when the timeout expires
// are cancelled through the scheduler and end CANCELLED.
func (p *WorkerPool) Stop(timeout time.Duration) error {
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-time.After(timeout):
		for _, j := range p.scheduler.GetRunning() {
			p.scheduler.Cancel(j.ID)
		}
		p.logger.Warn("worker pool stop timed out", "timeout", timeout)
		return fmt.Errorf("worker pool: stop timed out after %s", timeout)
	}
}

func (p *WorkerPool) loop(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		job := p.scheduler.Next()
		if job == nil {
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(p.pollInterval):
			}
			continue
		}

		p.execute(id, job)
	}
}

func (p *WorkerPool) execute(workerID int, job *Job) {
	logger := p.logger.With("worker", workerID, "job", job.ID)

	if p.scheduler.IsCancelled(job.ID) {
		p.scheduler.ClearCancelToken(job.ID)
		p.scheduler.Fail(job.ID, "cancelled before start", nil)
		return
	}

	executor, err := p.resolver(job.ID, job.AgentName)
	if err != nil {
		logger.Error("no executor available", "error", err)
		result := p.scheduler.Fail(job.ID, err.Error(), nil)
		p.notifyError(result, err)
		return
	}

	ctx := job.Context()
	if p.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.runTimeout)
		defer cancel()
	}

	buf := NewStreamBuffer(p.bufferSize, p.dropStrategy)
	output, chunkCount, runErr := p.run(ctx, executor, job, buf)

	if p.scheduler.IsCancelled(job.ID) {
		p.scheduler.ClearCancelToken(job.ID)
		logger.Debug("job cancelled during execution")
		return
	}

	if runErr != nil {
		logger.Warn("job execution failed", "error", runErr)
		result := p.scheduler.Fail(job.ID, runErr.Error(), nil)
		p.notifyError(result, runErr)
		return
	}

	logger.Debug("job execution succeeded")
	metrics := map[string]any{"chunks": chunkCount, "output_length": len(output)}
	result := p.scheduler.Complete(job.ID, output, metrics)
	if p.onComplete != nil && result != nil {
		p.onComplete(result)
	}
}

// run drives job through the richest available executor tier, pushing every
// chunk into buf and invoking onOutput as chunks arrive. On success it
// always pushes a final sentinel chunk (empty content, is_final=true) after
// the stream drains, regardless of whether the executor tier ever marked a
// chunk final itself, and returns the full concatenated output plus the
// total number of chunks pushed. If AStream fails before emitting any
// chunk, it falls back to the baseline Chat tier rather than failing the
// job outright.
func (p *WorkerPool) run(ctx context.Context, executor Executor, job *Job, buf *StreamBuffer) (string, int, error) {
	var output string
	index := 0

	push := func(content string, final bool) {
		chunk := StreamChunk{JobID: job.ID, Index: index, Content: content, IsFinal: final}
		index++
		buf.Push(chunk)
		if p.onOutput != nil {
			p.onOutput(job.ID, chunk)
		}
	}

	if streamer, ok := executor.(AsyncStreamer); ok {
		chunks, errs := streamer.AStream(ctx, job.Input)
		emitted := 0
	asyncLoop:
		for {
			select {
			case <-ctx.Done():
				return output, index, ctx.Err()
			case c, open := <-chunks:
				if !open {
					if err := <-errs; err != nil {
						if emitted == 0 && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
							break asyncLoop
						}
						return output, index, err
					}
					push("", true)
					return output, index, nil
				}
				output += c.Content
				push(c.Content, false)
				emitted++
				if p.waitIfPaused(ctx, job) != nil {
					return output, index, ctx.Err()
				}
			}
		}
		// AStream aborted before producing a single chunk: retry with the
		// baseline Chat tier instead of failing the job outright.
		result, err := executor.Chat(ctx, job.Input)
		if err != nil {
			return "", index, err
		}
		push(result, false)
		push("", true)
		return result, index, nil
	}

	if streamer, ok := executor.(SyncStreamer); ok {
		err := streamer.Stream(ctx, job.Input, func(c Chunk) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			output += c.Content
			push(c.Content, false)
			return p.waitIfPaused(ctx, job)
		})
		if err != nil {
			return output, index, err
		}
		push("", true)
		return output, index, nil
	}

	result, err := executor.Chat(ctx, job.Input)
	if err != nil {
		return "", index, err
	}
	push(result, false)
	push("", true)
	return result, index, nil
}

// waitIfPaused blocks while job is PAUSED, returning ctx.Err() if cancelled
// during the wait.
func (p *WorkerPool) waitIfPaused(ctx context.Context, job *Job) error {
	for {
		current := p.scheduler.GetJob(job.ID)
		if current == nil || current.State != StatePaused {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (p *WorkerPool) notifyError(job *Job, err error) {
	if p.onError != nil && job != nil {
		p.onError(job, err)
	}
}

// ErrNoExecutor is returned by a ToolResolver when no executor is
// registered for the given agent.
var ErrNoExecutor = errors.New("queue: no executor registered for agent")
