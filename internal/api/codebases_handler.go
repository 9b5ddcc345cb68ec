// File path: internal/api/codebases_handler.go
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	chi "github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nicodishanthj/codeatlas/internal/common"
	"github.com/nicodishanthj/codeatlas/internal/ingest"
	"github.com/nicodishanthj/codeatlas/internal/registry"
)

type createCodebaseRequest struct {
	Name   string `json:"name"`
	GitURL string `json:"git_url"`
	Path   string `json:"path"`
}

type createCodebaseResponse struct {
	CodebaseID string `json:"codebase_id"`
	Status     string `json:"status"`
}

type codebaseDetail struct {
	registry.Codebase
	Ingest *ingest.State    `json:"ingest,omitempty"`
	Events []registry.Event `json:"events,omitempty"`
}

func (s *Server) handleCodebaseCreate(w http.ResponseWriter, r *http.Request) {
	logger := common.Logger()
	name, source, sourceType, err := s.decodeCreate(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cb, err := s.registry.Create(r.Context(), name, source, sourceType)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err := s.ingest.Start(cb); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	logger.Info("api: codebase accepted", "codebase", cb.ID, "source_type", sourceType)
	writeJSON(w, http.StatusAccepted, createCodebaseResponse{CodebaseID: cb.ID, Status: string(cb.Status)})
}

// decodeCreate accepts either a multipart zip upload or a JSON body
// pointing at a git URL or local path.
func (s *Server) decodeCreate(r *http.Request) (name, source, sourceType string, err error) {
	contentType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if contentType == "multipart/form-data" {
		return s.decodeUpload(r)
	}
	var req createCodebaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", "", "", fmt.Errorf("decode request: %w", err)
	}
	name = strings.TrimSpace(req.Name)
	switch {
	case strings.TrimSpace(req.GitURL) != "":
		source, sourceType = strings.TrimSpace(req.GitURL), registry.SourceGit
	case strings.TrimSpace(req.Path) != "":
		source, sourceType = strings.TrimSpace(req.Path), registry.SourcePath
	default:
		return "", "", "", fmt.Errorf("git_url, path, or archive upload required")
	}
	if name == "" {
		name = filepath.Base(strings.TrimSuffix(source, ".git"))
	}
	return name, source, sourceType, nil
}

func (s *Server) decodeUpload(r *http.Request) (name, source, sourceType string, err error) {
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		return "", "", "", fmt.Errorf("parse upload: %w", err)
	}
	file, header, err := r.FormFile("archive")
	if err != nil {
		return "", "", "", fmt.Errorf("archive field required: %w", err)
	}
	defer file.Close()
	if !strings.HasSuffix(strings.ToLower(header.Filename), ".zip") {
		return "", "", "", fmt.Errorf("archive must be a zip file")
	}
	dest := filepath.Join(s.uploadRoot, uuid.NewString()+".zip")
	out, err := os.Create(dest)
	if err != nil {
		return "", "", "", fmt.Errorf("store upload: %w", err)
	}
	defer out.Close()
	// Copy one byte past the cap so an oversized archive is rejected
	// instead of silently truncated.
	written, err := io.Copy(out, io.LimitReader(file, s.maxUpload+1))
	if err != nil {
		os.Remove(dest)
		return "", "", "", fmt.Errorf("store upload: %w", err)
	}
	if written > s.maxUpload {
		os.Remove(dest)
		return "", "", "", fmt.Errorf("archive exceeds upload limit of %d bytes", s.maxUpload)
	}
	name = strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		name = strings.TrimSuffix(header.Filename, ".zip")
	}
	return name, dest, registry.SourceZip, nil
}

func (s *Server) handleCodebaseList(w http.ResponseWriter, r *http.Request) {
	codebases, err := s.registry.List(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, codebases)
}

func (s *Server) handleCodebaseGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cb, err := s.registry.Get(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	detail := codebaseDetail{Codebase: cb}
	if state, err := s.ingest.Status(id); err == nil {
		detail.Ingest = &state
	}
	if events, err := s.registry.Events(r.Context(), id); err == nil {
		detail.Events = events
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleCodebaseDelete(w http.ResponseWriter, r *http.Request) {
	logger := common.Logger()
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	cb, err := s.registry.Get(ctx, id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err := s.ingest.Cancel(id); err != nil &&
		!errors.Is(err, ingest.ErrIngestNotFound) && !errors.Is(err, ingest.ErrIngestNotRunning) {
		writeError(w, statusFor(err), err)
		return
	}
	if cb.Status != registry.StatusCompleted && cb.Status != registry.StatusFailed && cb.Status != registry.StatusDeleted {
		if err := s.registry.MarkFailed(ctx, id, fmt.Errorf("deleted by request")); err != nil && !errors.Is(err, registry.ErrConflict) {
			writeError(w, statusFor(err), err)
			return
		}
	}
	if err := s.registry.Delete(ctx, id); err != nil && !errors.Is(err, registry.ErrConflict) {
		writeError(w, statusFor(err), err)
		return
	}
	if s.vector != nil && s.vector.Available() {
		if err := s.vector.DeleteByCodebase(ctx, id); err != nil {
			logger.Warn("api: vector cleanup failed", "codebase", id, "error", err)
		}
	}
	removed := 0
	if s.sessions != nil {
		removed = s.sessions.DeleteByCodebase(id)
	}
	logger.Info("api: codebase deleted", "codebase", id, "sessions_removed", removed)
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": id, "sessions_removed": removed})
}
