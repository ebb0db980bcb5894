package facade

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// AuditAction names a recorded job lifecycle transition.
type AuditAction string

const (
	AuditActionSubmit   AuditAction = "submit"
	AuditActionCancel   AuditAction = "cancel"
	AuditActionRetry    AuditAction = "retry"
	AuditActionPause    AuditAction = "pause"
	AuditActionResume   AuditAction = "resume"
	AuditActionComplete AuditAction = "complete"
	AuditActionFail     AuditAction = "fail"
)

// AuditRecord is a single audit trail entry for a job action.
type AuditRecord struct {
	ID         int64       `json:"id"`
	Timestamp  time.Time   `json:"timestamp"`
	JobID      string      `json:"job_id"`
	Action     AuditAction `json:"action"`
	UserID     string      `json:"user_id,omitempty"`
	RemoteAddr string      `json:"remote_addr,omitempty"`
	Details    string      `json:"details,omitempty"`
}

// AuditStore persists job action audit records to SQLite and an
// append-only JSONL file, mirroring each other.
type AuditStore struct {
	mu          sync.Mutex
	db          *sql.DB
	jsonlFile   *os.File
	retention   time.Duration
	stopCleanup chan struct{}
	logger      *slog.Logger
}

// AuditStoreConfig configures an AuditStore.
type AuditStoreConfig struct {
	DBPath          string
	JSONLPath       string
	Retention       time.Duration
	CleanupInterval time.Duration
}

// DefaultAuditStoreConfig returns sensible defaults rooted at dataDir.
func DefaultAuditStoreConfig(dataDir string) AuditStoreConfig {
	return AuditStoreConfig{
		DBPath:          filepath.Join(dataDir, "audit.db"),
		JSONLPath:       filepath.Join(dataDir, "audit.jsonl"),
		Retention:       90 * 24 * time.Hour,
		CleanupInterval: 24 * time.Hour,
	}
}

// NewAuditStore opens or creates the audit store described by cfg.
func NewAuditStore(cfg AuditStoreConfig, logger *slog.Logger) (*AuditStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 90 * 24 * time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 24 * time.Hour
	}

	store := &AuditStore{retention: cfg.Retention, stopCleanup: make(chan struct{}), logger: logger}

	if cfg.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("facade: create audit db dir: %w", err)
		}
		db, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)")
		if err != nil {
			return nil, fmt.Errorf("facade: open audit db: %w", err)
		}
		if _, err := db.Exec(`
			CREATE TABLE IF NOT EXISTS audit_records (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp TEXT NOT NULL,
				job_id TEXT NOT NULL,
				action TEXT NOT NULL,
				user_id TEXT,
				remote_addr TEXT,
				details TEXT
			);
			CREATE INDEX IF NOT EXISTS idx_audit_job ON audit_records(job_id);
			CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_records(action);
		`); err != nil {
			db.Close()
			return nil, fmt.Errorf("facade: init audit schema: %w", err)
		}
		store.db = db
	}

	if cfg.JSONLPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.JSONLPath), 0o755); err != nil {
			store.closeDB()
			return nil, fmt.Errorf("facade: create audit log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.JSONLPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			store.closeDB()
			return nil, fmt.Errorf("facade: open audit log: %w", err)
		}
		store.jsonlFile = f
	}

	go store.cleanupLoop(cfg.CleanupInterval)
	return store, nil
}

func (s *AuditStore) closeDB() {
	if s.db != nil {
		s.db.Close()
	}
}

// Record stores rec to both the JSONL log and the SQLite table.
func (s *AuditStore) Record(rec *AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	if s.jsonlFile != nil {
		data, err := json.Marshal(rec)
		if err != nil {
			s.logger.Error("audit: marshal failed", "error", err)
		} else {
			s.jsonlFile.Write(append(data, '\n'))
		}
	}

	if s.db != nil {
		_, err := s.db.Exec(
			`INSERT INTO audit_records (timestamp, job_id, action, user_id, remote_addr, details)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			rec.Timestamp.Format(time.RFC3339Nano), rec.JobID, string(rec.Action),
			rec.UserID, rec.RemoteAddr, rec.Details,
		)
		if err != nil {
			return fmt.Errorf("facade: insert audit record: %w", err)
		}
	}

	s.logger.Debug("audit", "job", rec.JobID, "action", rec.Action, "user", rec.UserID)
	return nil
}

// AuditFilter narrows Query.
type AuditFilter struct {
	JobID  string
	Action AuditAction
	Since  time.Time
	Limit  int
}

// Query retrieves audit records matching filter, newest first.
func (s *AuditStore) Query(filter AuditFilter) ([]AuditRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("facade: audit db not configured")
	}

	query := `SELECT id, timestamp, job_id, action, user_id, remote_addr, details FROM audit_records WHERE 1=1`
	var args []any
	if filter.JobID != "" {
		query += " AND job_id = ?"
		args = append(args, filter.JobID)
	}
	if filter.Action != "" {
		query += " AND action = ?"
		args = append(args, string(filter.Action))
	}
	if !filter.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since.Format(time.RFC3339Nano))
	}
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("facade: query audit records: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var tsStr string
		var userID, remoteAddr, details sql.NullString
		if err := rows.Scan(&rec.ID, &tsStr, &rec.JobID, &rec.Action, &userID, &remoteAddr, &details); err != nil {
			return nil, fmt.Errorf("facade: scan audit record: %w", err)
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, tsStr)
		rec.UserID = userID.String
		rec.RemoteAddr = remoteAddr.String
		rec.Details = details.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *AuditStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *AuditStore) cleanup() {
	if s.db == nil {
		return
	}
	cutoff := time.Now().Add(-s.retention).Format(time.RFC3339Nano)
	res, err := s.db.Exec("DELETE FROM audit_records WHERE timestamp < ?", cutoff)
	if err != nil {
		s.logger.Error("audit cleanup failed", "error", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("audit cleanup removed old records", "count", n, "retention", s.retention)
	}
}

// Close stops the cleanup loop and releases the JSONL file and database.
func (s *AuditStore) Close() error {
	close(s.stopCleanup)

	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if s.jsonlFile != nil {
		if err := s.jsonlFile.Close(); err != nil {
			firstErr = err
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
