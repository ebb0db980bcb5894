package cli

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"testing"
	"time"

	"github.com/Dicklesworthstone/jobq/internal/queue"
)

type stubExecutor struct{ result string }

func (e *stubExecutor) Chat(ctx context.Context, input string) (string, error) {
	return e.result, nil
}

// fakeSessionStore is a minimal in-memory Store exercising only the session
// half of the contract, for CLI tests that need SaveSession/LoadSession
// without standing up a real SQLite file.
type fakeSessionStore struct {
	sessions map[string]*queue.Session
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[string]*queue.Session)}
}

func (f *fakeSessionStore) Initialize(ctx context.Context) error { return nil }
func (f *fakeSessionStore) SaveJob(ctx context.Context, job *queue.Job) error { return nil }
func (f *fakeSessionStore) LoadJob(ctx context.Context, id string) (*queue.Job, error) {
	return nil, queue.ErrNotFound
}
func (f *fakeSessionStore) ListJobs(ctx context.Context, filter queue.JobFilter, limit, offset int) ([]*queue.Job, error) {
	return nil, nil
}
func (f *fakeSessionStore) LoadPending(ctx context.Context) ([]*queue.Job, error) { return nil, nil }
func (f *fakeSessionStore) MarkInterruptedAsFailed(ctx context.Context) (int, error) {
	return 0, nil
}
func (f *fakeSessionStore) SaveSession(ctx context.Context, s *queue.Session) error {
	f.sessions[s.ID] = s
	return nil
}
func (f *fakeSessionStore) LoadSession(ctx context.Context, id string) (*queue.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	return s, nil
}
func (f *fakeSessionStore) ListSessions(ctx context.Context, userID string) ([]*queue.Session, error) {
	var out []*queue.Session
	for _, s := range f.sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}
func (f *fakeSessionStore) Cleanup(ctx context.Context, olderThanDays int) (int, error) {
	return 0, nil
}
func (f *fakeSessionStore) Close() error { return nil }

func newTestManagerWithSessions(t *testing.T) *queue.Manager {
	t.Helper()
	cfg := queue.DefaultConfig()
	cfg.EnablePersistence = false
	cfg.HeadroomEnabled = false

	mgr := queue.NewManager(cfg, newFakeSessionStore(), nil, queue.WithDefaultExecutor(&stubExecutor{result: "ok"}))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := mgr.Start(ctx, false); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	t.Cleanup(func() { mgr.Stop(time.Second) })
	return mgr
}

func newTestManager(t *testing.T) *queue.Manager {
	t.Helper()
	cfg := queue.DefaultConfig()
	cfg.EnablePersistence = false
	cfg.HeadroomEnabled = false

	mgr := queue.NewManager(cfg, nil, nil, queue.WithDefaultExecutor(&stubExecutor{result: "ok"}))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := mgr.Start(ctx, false); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	t.Cleanup(func() { mgr.Stop(time.Second) })
	return mgr
}

// newBlockedTestManager returns a manager configured so no job can ever be
// dispatched to a worker, keeping submitted jobs queued for assertions that
// need to observe pre-execution state deterministically.
func newBlockedTestManager(t *testing.T) *queue.Manager {
	t.Helper()
	cfg := queue.DefaultConfig()
	cfg.EnablePersistence = false
	cfg.HeadroomEnabled = false
	cfg.MaxConcurrentGlobal = 0

	mgr := queue.NewManager(cfg, nil, nil, queue.WithDefaultExecutor(&stubExecutor{result: "ok"}))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := mgr.Start(ctx, false); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	t.Cleanup(func() { mgr.Stop(time.Second) })
	return mgr
}

// runCmd executes root with args and captures whatever the command writes
// to os.Stdout, since jobs.go writes there directly rather than through
// cmd.OutOrStdout().
func runCmd(t *testing.T, mgr *queue.Manager, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd(mgr)
	root.SetArgs(args)

	orig := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w

	runErr := root.Execute()

	w.Close()
	os.Stdout = orig

	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read captured stdout: %v", err)
	}
	return string(data), runErr
}

func TestSubmitCommandSubmitsJob(t *testing.T) {
	mgr := newTestManager(t)

	out, err := runCmd(t, mgr, "submit", "--json", "--agent", "a", "do it")
	if err != nil {
		t.Fatalf("submit: %v, out=%s", err, out)
	}

	var resp map[string]any
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode output %q: %v", out, err)
	}
	if resp["id"] == "" || resp["id"] == nil {
		t.Fatalf("expected job id in output: %v", resp)
	}
}

func TestListCommandReturnsSubmittedJob(t *testing.T) {
	mgr := newBlockedTestManager(t)
	job := queue.NewJob("a", "hello", queue.PriorityNormal)
	if err := mgr.Submit(job); err != nil {
		t.Fatalf("submit: %v", err)
	}

	out, err := runCmd(t, mgr, "list", "--json")
	if err != nil {
		t.Fatalf("list: %v, out=%s", err, out)
	}

	var jobs []*queue.Job
	if err := json.Unmarshal([]byte(out), &jobs); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(jobs) != 1 || jobs[0].ID != job.ID {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}
}

func TestCancelCommandRejectsUnknownID(t *testing.T) {
	mgr := newTestManager(t)

	_, err := runCmd(t, mgr, "cancel", "nonexistent")
	if err == nil {
		t.Fatal("expected error cancelling an unknown job id")
	}
}

func TestStatsCommandReportsQueueDepth(t *testing.T) {
	mgr := newTestManager(t)
	mgr.Submit(queue.NewJob("a", "x", queue.PriorityNormal))

	out, err := runCmd(t, mgr, "stats", "--json")
	if err != nil {
		t.Fatalf("stats: %v, out=%s", err, out)
	}
	var stats queue.Stats
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
}

func TestResolveArgExactAndPrefixMatch(t *testing.T) {
	mgr := newBlockedTestManager(t)
	job := queue.NewJob("a", "x", queue.PriorityNormal)
	if err := mgr.Submit(job); err != nil {
		t.Fatalf("submit: %v", err)
	}

	id, err := resolveArg(mgr, job.ID)
	if err != nil || id != job.ID {
		t.Fatalf("exact resolve: id=%q err=%v", id, err)
	}

	prefix := job.ID[:8]
	id, err = resolveArg(mgr, prefix)
	if err != nil || id != job.ID {
		t.Fatalf("prefix resolve: id=%q err=%v", id, err)
	}
}

func TestResolveArgUnknownIDFails(t *testing.T) {
	mgr := newTestManager(t)
	if _, err := resolveArg(mgr, "no-such-job"); err == nil {
		t.Fatal("expected resolve error for unknown id")
	}
}

func TestRunCommandStreamsOutputAndExitsZeroOnSuccess(t *testing.T) {
	mgr := newTestManager(t)

	out, err := runCmd(t, mgr, "run", "do it")
	if err != nil {
		t.Fatalf("run: %v, out=%s", err, out)
	}
	if out == "" {
		t.Fatal("expected streamed output on stdout")
	}
}

func TestSessionsResumeLoadsExistingSession(t *testing.T) {
	mgr := newTestManagerWithSessions(t)
	sess := &queue.Session{ID: "s1", UserID: "u1", State: map[string]any{}}
	if err := mgr.SaveSession(context.Background(), sess); err != nil {
		t.Fatalf("save session: %v", err)
	}

	out, err := runCmd(t, mgr, "sessions", "resume", "s1", "--json")
	if err != nil {
		t.Fatalf("sessions resume: %v, out=%s", err, out)
	}

	var got queue.Session
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if got.ID != "s1" || got.UserID != "u1" {
		t.Fatalf("unexpected session: %+v", got)
	}
}

func TestSessionsResumeUnknownIDFails(t *testing.T) {
	mgr := newTestManager(t)
	if _, err := runCmd(t, mgr, "sessions", "resume", "nope"); err == nil {
		t.Fatal("expected error resuming an unknown session id")
	}
}
