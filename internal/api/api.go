// Package api implements the task service's HTTP surface: health probe,
// task intake, task status, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/antigravity-dev/agentd/internal/config"
	"github.com/antigravity-dev/agentd/internal/sandbox"
	"github.com/antigravity-dev/agentd/internal/task"
)

// version is the service version reported by the API. It is a plain
// constant; the build does not set it.
const version = "0.1.0"

// Server is the task service's HTTP API server.
type Server struct {
	cfg            *config.Config
	tasks          *task.Service
	logger         *slog.Logger
	startTime      time.Time
	httpServer     *http.Server
	authMiddleware *AuthMiddleware
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, tasks *task.Service, logger *slog.Logger) (*Server, error) {
	authMiddleware, err := NewAuthMiddleware(&cfg.API.Security, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize auth middleware: %w", err)
	}

	return &Server{
		cfg:            cfg,
		tasks:          tasks,
		logger:         logger,
		startTime:      time.Now(),
		authMiddleware: authMiddleware,
	}, nil
}

// Close closes the server and cleans up resources.
func (s *Server) Close() error {
	if s.authMiddleware != nil {
		return s.authMiddleware.Close()
	}
	return nil
}

// Start begins listening on the configured bind address. Blocks until
// context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/tasks/execute", s.authMiddleware.RequireAuth(s.handleTasksExecute))
	mux.HandleFunc("/tasks/", s.handleTaskStatus)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:        s.cfg.API.Bind,
		Handler:     mux,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "bind", s.cfg.API.Bind)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sandboxReady := sandbox.IsDockerAvailable()

	resp := map[string]any{
		"status":        "ok",
		"version":       version,
		"sandbox_ready": sandboxReady,
	}
	if !sandboxReady {
		resp["status"] = "degraded"
	}
	writeJSON(w, resp)
}

// taskRequest is the inbound Task JSON (§6).
type taskRequest struct {
	TaskID      string  `json:"task_id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Prompt      string  `json:"prompt"`
	Priority    string  `json:"priority"`
	UserID      string  `json:"user_id"`
	ProjectID   *string `json:"project_id"`
}

// POST /tasks/execute
func (s *Server) handleTasksExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req taskRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed task JSON")
		return
	}
	if req.TaskID == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}

	err = s.tasks.Execute(task.Task{
		TaskID:      req.TaskID,
		Title:       req.Title,
		Description: req.Description,
		Prompt:      req.Prompt,
		Priority:    req.Priority,
		UserID:      req.UserID,
		ProjectID:   req.ProjectID,
	})
	if err != nil {
		if _, ok := err.(*task.ErrDuplicateTask); ok {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("task execute failed", "task_id", req.TaskID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to accept task")
		return
	}

	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "accepted", "message": "task accepted"})
}

// GET /tasks/{task_id}/status
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/tasks/")
	taskID := strings.TrimSuffix(path, "/status")
	if taskID == "" || taskID == path {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	rec, ok := s.tasks.Status(taskID)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	resp := map[string]any{
		"task_id":    rec.TaskID,
		"status":     rec.Status,
		"started_at": rec.StartedAt.Format(time.RFC3339),
	}
	if !rec.CompletedAt.IsZero() {
		resp["completed_at"] = rec.CompletedAt.Format(time.RFC3339)
	}
	if rec.Error != "" {
		resp["error"] = rec.Error
	}
	writeJSON(w, resp)
}
