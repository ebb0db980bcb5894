// Package store provides a pure-Go SQLite implementation of the queue's
// durability contract.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Dicklesworthstone/jobq/internal/queue"
)

const schemaVersion = "1.0"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
	version TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	parent_id TEXT,
	agent_name TEXT NOT NULL,
	input_content TEXT,
	output_content TEXT,
	state TEXT NOT NULL,
	priority INTEGER NOT NULL,
	session_id TEXT,
	workspace TEXT,
	user_id TEXT,
	created_at INTEGER NOT NULL,
	started_at INTEGER,
	ended_at INTEGER,
	error TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 0,
	config TEXT,
	metrics TEXT,
	chat_history TEXT,
	recovered INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
CREATE INDEX IF NOT EXISTS idx_jobs_session ON jobs(session_id);
CREATE INDEX IF NOT EXISTS idx_jobs_workspace ON jobs(workspace);
CREATE INDEX IF NOT EXISTS idx_jobs_priority_created ON jobs(priority DESC, created_at ASC);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT,
	state TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
`

// Store is a SQLite-backed implementation of queue.Store, using the
// pure-Go modernc.org/sqlite driver so the binary needs no cgo toolchain.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the SQLite database at path in WAL mode.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path != "" && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	return &Store{db: db, logger: logger}, nil
}

// Initialize creates the schema if absent and records the schema version.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("store: create schema: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		return fmt.Errorf("store: read schema version: %w", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("store: write schema version: %w", err)
		}
	}
	return nil
}

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMap(s string) map[string]any {
	if s == "" {
		return make(map[string]any)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return make(map[string]any)
	}
	return m
}

func marshalChatHistory(h []map[string]string) (string, error) {
	if h == nil {
		return "", nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalChatHistory(s string) []map[string]string {
	if s == "" {
		return nil
	}
	var h []map[string]string
	if err := json.Unmarshal([]byte(s), &h); err != nil {
		return nil
	}
	return h
}

func unixOrZero(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

func timeFromUnix(n sql.NullInt64) time.Time {
	if !n.Valid || n.Int64 == 0 {
		return time.Time{}
	}
	return time.Unix(n.Int64, 0)
}

// SaveJob inserts or replaces the persisted record for job.
func (s *Store) SaveJob(ctx context.Context, job *queue.Job) error {
	config, err := marshalMap(job.Config)
	if err != nil {
		return fmt.Errorf("store: marshal config: %w", err)
	}
	metrics, err := marshalMap(job.Metrics)
	if err != nil {
		return fmt.Errorf("store: marshal metrics: %w", err)
	}
	chatHistory, err := marshalChatHistory(job.ChatHistory)
	if err != nil {
		return fmt.Errorf("store: marshal chat history: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (
			id, parent_id, agent_name, input_content, output_content, state, priority,
			session_id, workspace, user_id, created_at, started_at, ended_at, error,
			retry_count, max_retries, config, metrics, chat_history, recovered
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			parent_id=excluded.parent_id, agent_name=excluded.agent_name,
			input_content=excluded.input_content, output_content=excluded.output_content,
			state=excluded.state, priority=excluded.priority, session_id=excluded.session_id,
			workspace=excluded.workspace, user_id=excluded.user_id,
			started_at=excluded.started_at, ended_at=excluded.ended_at, error=excluded.error,
			retry_count=excluded.retry_count, max_retries=excluded.max_retries,
			config=excluded.config, metrics=excluded.metrics, chat_history=excluded.chat_history,
			recovered=excluded.recovered`,
		job.ID, nullIfEmpty(job.ParentID), job.AgentName, job.Input, job.Output,
		string(job.State), int(job.Priority), nullIfEmpty(job.SessionID),
		nullIfEmpty(job.Workspace), nullIfEmpty(job.UserID), job.CreatedAt.Unix(),
		unixOrZero(job.StartedAt), unixOrZero(job.EndedAt), nullIfEmpty(job.Error),
		job.RetryCount, job.MaxRetries, config, metrics, chatHistory, boolToInt(job.Recovered),
	)
	if err != nil {
		return fmt.Errorf("store: save job %s: %w", job.ID, err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const jobColumns = `id, parent_id, agent_name, input_content, output_content, state, priority,
	session_id, workspace, user_id, created_at, started_at, ended_at, error,
	retry_count, max_retries, config, metrics, chat_history, recovered`

func scanJob(row interface{ Scan(...any) error }) (*queue.Job, error) {
	var (
		j                                               queue.Job
		parentID, sessionID, workspace, userID, errMsg  sql.NullString
		priority, retryCount, maxRetries, recovered     int
		createdAt                                       int64
		startedAt, endedAt                              sql.NullInt64
		config, metrics, chatHistory                    string
	)
	if err := row.Scan(
		&j.ID, &parentID, &j.AgentName, &j.Input, &j.Output, &j.State, &priority,
		&sessionID, &workspace, &userID, &createdAt, &startedAt, &endedAt, &errMsg,
		&retryCount, &maxRetries, &config, &metrics, &chatHistory, &recovered,
	); err != nil {
		return nil, err
	}

	j.ParentID = parentID.String
	j.SessionID = sessionID.String
	j.Workspace = workspace.String
	j.UserID = userID.String
	j.Error = errMsg.String
	j.Priority = queue.Priority(priority)
	j.RetryCount = retryCount
	j.MaxRetries = maxRetries
	j.Recovered = recovered != 0
	j.CreatedAt = time.Unix(createdAt, 0)
	j.StartedAt = timeFromUnix(startedAt)
	j.EndedAt = timeFromUnix(endedAt)
	j.Config = unmarshalMap(config)
	j.Metrics = unmarshalMap(metrics)
	j.ChatHistory = unmarshalChatHistory(chatHistory)
	return &j, nil
}

// LoadJob retrieves a single job by id.
func (s *Store) LoadJob(ctx context.Context, id string) (*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, queue.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load job %s: %w", id, err)
	}
	return job, nil
}

// ListJobs returns jobs matching filter, priority desc then created_at asc.
func (s *Store) ListJobs(ctx context.Context, filter queue.JobFilter, limit, offset int) ([]*queue.Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs WHERE 1=1"
	var args []any
	if filter.State != "" {
		query += " AND state = ?"
		args = append(args, string(filter.State))
	}
	if filter.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	if filter.Workspace != "" {
		query += " AND workspace = ?"
		args = append(args, filter.Workspace)
	}
	query += " ORDER BY priority DESC, created_at ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
		if offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", offset)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	defer rows.Close()

	var out []*queue.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// LoadPending returns every job in a non-terminal state.
func (s *Store) LoadPending(ctx context.Context) ([]*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE state IN ('queued','running','paused') ORDER BY priority DESC, created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("store: load pending: %w", err)
	}
	defer rows.Close()

	var out []*queue.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan pending job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// MarkInterruptedAsFailed flips RUNNING/PAUSED records to FAILED.
func (s *Store) MarkInterruptedAsFailed(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = 'failed', error = ?, ended_at = ? WHERE state IN ('running', 'paused')`,
		queue.InterruptedMessage, time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: mark interrupted: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Cleanup deletes terminal job records older than olderThanDays.
func (s *Store) Cleanup(ctx context.Context, olderThanDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays).Unix()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE state IN ('succeeded','failed','cancelled') AND created_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("store: cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SaveSession inserts or replaces a session record.
func (s *Store) SaveSession(ctx context.Context, sess *queue.Session) error {
	state, err := marshalMap(sess.State)
	if err != nil {
		return fmt.Errorf("store: marshal session state: %w", err)
	}

	now := time.Now().Unix()
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state=excluded.state, updated_at=excluded.updated_at`,
		sess.ID, nullIfEmpty(sess.UserID), state, now, now,
	)
	if err != nil {
		return fmt.Errorf("store: save session %s: %w", sess.ID, err)
	}
	return nil
}

func scanSession(row interface{ Scan(...any) error }) (*queue.Session, error) {
	var (
		sess          queue.Session
		userID, state sql.NullString
		createdAt     int64
		updatedAt     int64
	)
	if err := row.Scan(&sess.ID, &userID, &state, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	sess.UserID = userID.String
	sess.State = unmarshalMap(state.String)
	sess.CreatedAt = createdAt
	sess.UpdatedAt = updatedAt
	return &sess, nil
}

// LoadSession retrieves a session by id.
func (s *Store) LoadSession(ctx context.Context, id string) (*queue.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, "SELECT id, user_id, state, created_at, updated_at FROM sessions WHERE id = ?", id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, queue.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load session %s: %w", id, err)
	}
	return sess, nil
}

// ListSessions returns every session owned by userID.
func (s *Store) ListSessions(ctx context.Context, userID string) ([]*queue.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id, user_id, state, created_at, updated_at FROM sessions WHERE user_id = ? ORDER BY updated_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var out []*queue.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Debug("closing store")
	return s.db.Close()
}
