package queue

import (
	"testing"
	"time"
)

func TestPriorityOrderAscendingValue(t *testing.T) {
	if !(PriorityLow < PriorityNormal && PriorityNormal < PriorityHigh && PriorityHigh < PriorityUrgent) {
		t.Fatalf("priority values must ascend low < normal < high < urgent, got %d %d %d %d",
			PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent)
	}
}

func TestPriorityOrderDispatchSequence(t *testing.T) {
	want := []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}
	for i, p := range priorityOrder {
		if p != want[i] {
			t.Fatalf("priorityOrder[%d] = %v, want %v", i, p, want[i])
		}
	}
}

func TestParsePriority(t *testing.T) {
	cases := map[string]Priority{
		"low":     PriorityLow,
		"normal":  PriorityNormal,
		"high":    PriorityHigh,
		"urgent":  PriorityUrgent,
		"unknown": PriorityNormal,
		"":        PriorityNormal,
	}
	for in, want := range cases {
		if got := ParsePriority(in); got != want {
			t.Errorf("ParsePriority(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestStateIsTerminal(t *testing.T) {
	terminal := []State{StateSucceeded, StateFailed, StateCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	nonTerminal := []State{StateQueued, StateRunning, StatePaused}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestNewJobDefaults(t *testing.T) {
	j := NewJob("my-agent", "do the thing", PriorityHigh)
	if j.ID == "" {
		t.Fatal("expected a non-empty id")
	}
	if j.State != StateQueued {
		t.Fatalf("new job state = %s, want queued", j.State)
	}
	if j.Priority != PriorityHigh {
		t.Fatalf("priority = %v, want high", j.Priority)
	}
	if j.Context() == nil {
		t.Fatal("expected a non-nil context")
	}
}

func TestJobCanRetry(t *testing.T) {
	j := NewJob("a", "x", PriorityNormal)
	j.MaxRetries = 2

	if j.CanRetry() {
		t.Fatal("a queued job should not be retryable")
	}

	j.State = StateFailed
	j.RetryCount = 0
	if !j.CanRetry() {
		t.Fatal("a failed job under its retry ceiling should be retryable")
	}

	j.RetryCount = 2
	if j.CanRetry() {
		t.Fatal("a failed job at its retry ceiling should not be retryable")
	}
}

func TestJobDurationBeforeStart(t *testing.T) {
	j := NewJob("a", "x", PriorityNormal)
	if j.Duration() != 0 {
		t.Fatalf("duration before start = %v, want 0", j.Duration())
	}
}

func TestJobDurationAfterCompletion(t *testing.T) {
	j := NewJob("a", "x", PriorityNormal)
	j.StartedAt = time.Now().Add(-2 * time.Second)
	j.EndedAt = time.Now()
	if d := j.Duration(); d < time.Second {
		t.Fatalf("duration = %v, want >= 1s", d)
	}
}

func TestJobCloneIsIndependent(t *testing.T) {
	j := NewJob("a", "x", PriorityNormal)
	j.Config["k"] = "v"
	j.Metrics["tokens"] = 10
	j.ChatHistory = []map[string]string{{"role": "user", "content": "hi"}}

	clone := j.Clone()
	clone.Config["k"] = "changed"
	clone.Metrics["tokens"] = 99
	clone.ChatHistory[0]["content"] = "changed"

	if j.Config["k"] != "v" {
		t.Error("mutating clone.Config leaked into original")
	}
	if j.Metrics["tokens"] != 10 {
		t.Error("mutating clone.Metrics leaked into original")
	}
	if j.ChatHistory[0]["content"] != "hi" {
		t.Error("mutating clone.ChatHistory leaked into original")
	}
}

func TestJobCancelContextIdempotent(t *testing.T) {
	j := NewJob("a", "x", PriorityNormal)
	j.cancelContext()
	j.cancelContext()
	select {
	case <-j.Context().Done():
	default:
		t.Fatal("expected context to be done after cancelContext")
	}
}
