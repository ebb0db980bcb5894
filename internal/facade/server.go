// Package facade exposes the job queue over HTTP and WebSocket, so a
// non-Go client can submit jobs, inspect state, and watch live events
// without linking the queue package directly.
package facade

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/Dicklesworthstone/jobq/internal/queue"
)

// Server wires the queue Manager to HTTP routes and a WebSocket event hub.
type Server struct {
	mgr    *queue.Manager
	audit  *AuditStore
	logger *slog.Logger
	router chi.Router

	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[string]*WSClient
}

// NewServer constructs a facade Server. audit may be nil to disable the
// audit trail.
func NewServer(mgr *queue.Manager, audit *AuditStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mgr:     mgr,
		audit:   audit,
		logger:  logger,
		clients: make(map[string]*WSClient),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs", s.handleList)
	r.Get("/jobs/{id}", s.handleGet)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Post("/jobs/{id}/retry", s.handleRetry)
	r.Post("/jobs/{id}/pause", s.handlePause)
	r.Post("/jobs/{id}/resume", s.handleResume)
	r.Get("/stats", s.handleStats)
	r.Get("/ws", s.handleWS)
	s.router = r

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("facade: encode response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) recordAudit(jobID string, action AuditAction, r *http.Request) {
	if s.audit == nil {
		return
	}
	rec := &AuditRecord{JobID: jobID, Action: action, RemoteAddr: r.RemoteAddr}
	if err := s.audit.Record(rec); err != nil {
		s.logger.Error("facade: audit record failed", "error", err)
	}
}

type submitRequest struct {
	Agent      string `json:"agent"`
	Input      string `json:"input"`
	Priority   string `json:"priority"`
	SessionID  string `json:"session_id"`
	Workspace  string `json:"workspace"`
	UserID     string `json:"user_id"`
	MaxRetries int    `json:"max_retries"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	job := queue.NewJob(req.Agent, req.Input, queue.ParsePriority(req.Priority))
	job.SessionID = req.SessionID
	job.Workspace = req.Workspace
	job.UserID = req.UserID
	if req.MaxRetries > 0 {
		job.MaxRetries = req.MaxRetries
	}

	if err := s.mgr.Submit(job); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.recordAudit(job.ID, AuditActionSubmit, r)
	s.writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	filter := queue.JobFilter{
		State:     queue.State(r.URL.Query().Get("state")),
		SessionID: r.URL.Query().Get("session_id"),
		Workspace: r.URL.Query().Get("workspace"),
	}
	jobs, err := s.mgr.ListJobs(ctx, filter, 0, 0)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	job, err := s.mgr.GetJob(ctx, id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.mgr.Cancel(id) {
		s.writeError(w, http.StatusConflict, errJobNotCancellable(id))
		return
	}
	s.recordAudit(id, AuditActionCancel, r)
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": "cancelled"})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	newJob := s.mgr.Retry(id)
	if newJob == nil {
		s.writeError(w, http.StatusConflict, errJobNotRetryable(id))
		return
	}
	s.recordAudit(newJob.ID, AuditActionRetry, r)
	s.writeJSON(w, http.StatusCreated, newJob)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.mgr.Pause(id) {
		s.writeError(w, http.StatusConflict, errJobNotRunning(id))
		return
	}
	s.recordAudit(id, AuditActionPause, r)
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.mgr.Resume(id) {
		s.writeError(w, http.StatusConflict, errJobNotPaused(id))
		return
	}
	s.recordAudit(id, AuditActionResume, r)
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": "running"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.mgr.Stats())
}

// BroadcastEvent pushes ev as JSON to every client subscribed to "events"
// or to "jobs:<id>".
func (s *Server) BroadcastEvent(ev queue.Event) {
	payload, err := json.Marshal(map[string]any{"type": "event", "event": ev})
	if err != nil {
		s.logger.Error("facade: marshal event failed", "error", err)
		return
	}
	s.broadcast("events", payload)
	s.broadcast("jobs:"+ev.JobID, payload)
}

// BroadcastChunk pushes a streamed output chunk to subscribers of
// "jobs:<id>".
func (s *Server) BroadcastChunk(jobID string, chunk queue.StreamChunk) {
	payload, err := json.Marshal(map[string]any{"type": "chunk", "chunk": chunk})
	if err != nil {
		s.logger.Error("facade: marshal chunk failed", "error", err)
		return
	}
	s.broadcast("jobs:"+jobID, payload)
}

func (s *Server) broadcast(topic string, payload []byte) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for _, c := range s.clients {
		if c.canSubscribe(topic) && c.subscribed(topic) {
			select {
			case c.send <- payload:
			default:
				s.logger.Warn("facade: client send buffer full, dropping message", "client", c.id)
			}
		}
	}
}
