package queue

import (
	"testing"
	"time"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HeadroomEnabled = false
	cfg.MaxConcurrentGlobal = 2
	cfg.MaxConcurrentPerAgent = 1
	cfg.MaxConcurrentPerWorkspace = 2
	cfg.MaxQueueSize = 5
	return cfg
}

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s := NewScheduler(testConfig(), nil)
	t.Cleanup(s.Close)
	return s
}

func TestSchedulerSubmitRejectsDuplicate(t *testing.T) {
	s := newTestScheduler(t)
	j := NewJob("agent", "x", PriorityNormal)
	if err := s.Submit(j); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := s.Submit(j); err != ErrDuplicate {
		t.Fatalf("second submit = %v, want ErrDuplicate", err)
	}
}

func TestSchedulerSubmitRejectsOverCapacity(t *testing.T) {
	s := newTestScheduler(t)
	for i := 0; i < 5; i++ {
		if err := s.Submit(NewJob("agent", "x", PriorityNormal)); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if err := s.Submit(NewJob("agent", "x", PriorityNormal)); err != ErrQueueFull {
		t.Fatalf("overflow submit = %v, want ErrQueueFull", err)
	}
}

func TestSchedulerNextRespectsPriorityOrder(t *testing.T) {
	s := newTestScheduler(t)
	low := NewJob("a1", "low", PriorityLow)
	urgent := NewJob("a2", "urgent", PriorityUrgent)
	s.Submit(low)
	s.Submit(urgent)

	got := s.Next()
	if got == nil || got.ID != urgent.ID {
		t.Fatalf("expected urgent job dispatched first, got %+v", got)
	}
}

func TestSchedulerNextRespectsGlobalCap(t *testing.T) {
	s := newTestScheduler(t)
	j1 := NewJob("a1", "x", PriorityNormal)
	j2 := NewJob("a2", "x", PriorityNormal)
	j3 := NewJob("a3", "x", PriorityNormal)
	s.Submit(j1)
	s.Submit(j2)
	s.Submit(j3)

	if s.Next() == nil {
		t.Fatal("expected first dispatch")
	}
	if s.Next() == nil {
		t.Fatal("expected second dispatch (at global cap of 2)")
	}
	if got := s.Next(); got != nil {
		t.Fatalf("expected nil at global cap, got %+v", got)
	}
}

func TestSchedulerNextRespectsPerAgentCap(t *testing.T) {
	s := newTestScheduler(t)
	j1 := NewJob("same-agent", "x", PriorityNormal)
	j2 := NewJob("same-agent", "y", PriorityNormal)
	s.Submit(j1)
	s.Submit(j2)

	first := s.Next()
	if first == nil {
		t.Fatal("expected first dispatch")
	}
	if second := s.Next(); second != nil {
		t.Fatalf("expected per-agent cap to block second job from same agent, got %+v", second)
	}
}

func TestSchedulerCompleteAndFail(t *testing.T) {
	s := newTestScheduler(t)
	j := NewJob("a", "x", PriorityNormal)
	s.Submit(j)
	s.Next()

	done := s.Complete(j.ID, "result", map[string]any{"tokens": 5})
	if done == nil || done.State != StateSucceeded {
		t.Fatalf("expected succeeded job, got %+v", done)
	}
	if s.Complete(j.ID, "again", nil) != nil {
		t.Fatal("completing an already-finished job should be a no-op")
	}

	j2 := NewJob("a", "y", PriorityNormal)
	s.Submit(j2)
	s.Next()
	failed := s.Fail(j2.ID, "boom", nil)
	if failed == nil || failed.State != StateFailed || failed.Error != "boom" {
		t.Fatalf("expected failed job with error set, got %+v", failed)
	}
}

func TestSchedulerCancelQueuedAndRunning(t *testing.T) {
	s := newTestScheduler(t)
	queuedJob := NewJob("a", "x", PriorityNormal)
	runningJob := NewJob("b", "y", PriorityNormal)
	s.Submit(runningJob)
	s.Submit(queuedJob)
	s.Next()

	if !s.Cancel(queuedJob.ID) {
		t.Fatal("expected queued job cancel to succeed")
	}
	if !s.Cancel(runningJob.ID) {
		t.Fatal("expected running job cancel to succeed")
	}
	if !s.IsCancelled(runningJob.ID) {
		t.Fatal("expected cancel token set for running job")
	}
	if s.Cancel(runningJob.ID) {
		t.Fatal("re-cancelling an already-cancelled job should return false")
	}
}

func TestSchedulerUpdateInputOnlyWhenQueued(t *testing.T) {
	s := newTestScheduler(t)
	j := NewJob("a", "original", PriorityNormal)
	s.Submit(j)

	if !s.UpdateInput(j.ID, "edited") {
		t.Fatal("expected update on queued job to succeed")
	}
	if j.Input != "edited" {
		t.Fatalf("input = %q, want %q", j.Input, "edited")
	}

	s.Next()
	if s.UpdateInput(j.ID, "too late") {
		t.Fatal("expected update on running job to fail")
	}
}

func TestSchedulerRetryRespectsCeiling(t *testing.T) {
	s := newTestScheduler(t)
	j := NewJob("a", "x", PriorityNormal)
	j.MaxRetries = 1
	s.Submit(j)
	s.Next()
	s.Fail(j.ID, "boom", nil)

	retry := s.Retry(j.ID)
	if retry == nil {
		t.Fatal("expected retry to be allowed under ceiling")
	}
	if retry.ParentID != j.ID || retry.RetryCount != 1 {
		t.Fatalf("unexpected retry linkage: parent=%q retryCount=%d", retry.ParentID, retry.RetryCount)
	}

	s.Next()
	s.Fail(retry.ID, "boom again", nil)
	if s.Retry(retry.ID) != nil {
		t.Fatal("expected retry at ceiling to be refused")
	}
}

func TestSchedulerPauseResume(t *testing.T) {
	s := newTestScheduler(t)
	j := NewJob("a", "x", PriorityNormal)
	s.Submit(j)
	s.Next()

	if !s.Pause(j.ID) {
		t.Fatal("expected pause to succeed on running job")
	}
	if j.State != StatePaused {
		t.Fatalf("state = %s, want paused", j.State)
	}
	if !s.Resume(j.ID) {
		t.Fatal("expected resume to succeed on paused job")
	}
	if j.State != StateRunning {
		t.Fatalf("state = %s, want running", j.State)
	}
}

func TestSchedulerClearQueue(t *testing.T) {
	s := newTestScheduler(t)
	s.Submit(NewJob("a", "x", PriorityNormal))
	s.Submit(NewJob("b", "y", PriorityHigh))
	cleared := s.ClearQueue()
	if cleared != 2 {
		t.Fatalf("cleared = %d, want 2", cleared)
	}
	if s.QueuedCount() != 0 {
		t.Fatalf("queued count = %d, want 0", s.QueuedCount())
	}
}

func TestSchedulerLoadJobsResetsRunningToQueued(t *testing.T) {
	s := newTestScheduler(t)
	recovered := NewJob("a", "x", PriorityNormal)
	recovered.State = StateRunning
	s.LoadJobs([]*Job{recovered})

	if recovered.State != StateQueued {
		t.Fatalf("recovered job state = %s, want queued", recovered.State)
	}
	if s.QueuedCount() != 1 {
		t.Fatalf("queued count = %d, want 1", s.QueuedCount())
	}
}

func TestSchedulerEventCallbacksFire(t *testing.T) {
	s := newTestScheduler(t)
	kinds := make(chan EventKind, 8)
	s.AddEventCallback(func(ev Event) { kinds <- ev.Kind })

	j := NewJob("a", "x", PriorityNormal)
	s.Submit(j)
	s.Next()
	s.Complete(j.ID, "done", nil)

	// Every transition emits synchronously on the caller's goroutine, so
	// events for a single job arrive in canonical state-transition order.
	want := []EventKind{EventSubmitted, EventStarted, EventCompleted}
	for i, k := range want {
		select {
		case ev := <-kinds:
			if ev != k {
				t.Fatalf("event %d = %v, want %v", i, ev, k)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d (%v)", i, k)
		}
	}
}
