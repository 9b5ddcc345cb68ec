// File path: internal/api/server.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	chi "github.com/go-chi/chi/v5"

	"github.com/nicodishanthj/codeatlas/internal/agent"
	"github.com/nicodishanthj/codeatlas/internal/common"
	"github.com/nicodishanthj/codeatlas/internal/common/telemetry"
	"github.com/nicodishanthj/codeatlas/internal/ingest"
	"github.com/nicodishanthj/codeatlas/internal/registry"
	"github.com/nicodishanthj/codeatlas/internal/session"
	"github.com/nicodishanthj/codeatlas/internal/vector"
)

type Server struct {
	router     chi.Router
	registry   *registry.Store
	vector     vector.Store
	sessions   *session.Store
	engine     *agent.Engine
	ingest     *ingest.Manager
	uploadRoot string
	maxUpload  int64
}

func NewServer(reg *registry.Store, store vector.Store, sessions *session.Store, engine *agent.Engine, ingestMgr *ingest.Manager, uploadRoot string, maxUploadBytes int64) (*Server, error) {
	logger := common.Logger()
	if reg == nil {
		return nil, fmt.Errorf("registry required")
	}
	if strings.TrimSpace(uploadRoot) == "" {
		uploadRoot = filepath.Join(os.TempDir(), "codeatlas_uploads")
	}
	if err := os.MkdirAll(uploadRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create upload root: %w", err)
	}
	if maxUploadBytes <= 0 {
		maxUploadBytes = 100 << 20
	}
	srv := &Server{
		router:     chi.NewRouter(),
		registry:   reg,
		vector:     store,
		sessions:   sessions,
		engine:     engine,
		ingest:     ingestMgr,
		uploadRoot: uploadRoot,
		maxUpload:  maxUploadBytes,
	}
	srv.routes()
	logger.Info("api: server ready",
		"vector_available", store != nil && store.Available(),
		"upload_root", uploadRoot,
		"max_upload_bytes", maxUploadBytes)
	return srv, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	logger := common.Logger()
	logger.Info("api: configuring routes")
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("request", "method", r.Method, "path", r.URL.Path, "dur", time.Since(start), "remote", r.RemoteAddr)
		})
	})

	s.router.Get("/healthz", s.handleHealth)
	s.router.Method(http.MethodGet, "/metrics", telemetry.Handler())

	s.router.Post("/v1/codebases", s.handleCodebaseCreate)
	s.router.Get("/v1/codebases", s.handleCodebaseList)
	s.router.Get("/v1/codebases/{id}", s.handleCodebaseGet)
	s.router.Delete("/v1/codebases/{id}", s.handleCodebaseDelete)
	s.router.Post("/v1/chat", s.handleChat)
	s.router.Get("/v1/sessions", s.handleSessionList)
	s.router.Delete("/v1/sessions/{id}", s.handleSessionDelete)
	s.router.Get("/v1/logs", s.handleLogs)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"registry": "ok",
		"vector":   s.vector != nil && s.vector.Available(),
	}
	if err := s.registry.Ping(ctx); err != nil {
		status["registry"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.ingest == nil {
		writeJSON(w, http.StatusOK, []ingest.LogEntry{})
		return
	}
	writeJSON(w, http.StatusOK, s.ingest.Logs())
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	logger := common.Logger()
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "status", status, "error", err)
	} else {
		logger.Warn("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, session.ErrExpired),
		errors.Is(err, ingest.ErrIngestNotFound):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrCodebaseNotReady),
		errors.Is(err, registry.ErrConflict),
		errors.Is(err, ingest.ErrIngestRunning):
		return http.StatusConflict
	case errors.Is(err, agent.ErrOverloaded),
		errors.Is(err, ingest.ErrTooManyIngests):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
