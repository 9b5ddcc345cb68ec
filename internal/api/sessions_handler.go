// File path: internal/api/sessions_handler.go
package api

import (
	"net/http"
	"strings"
	"time"

	chi "github.com/go-chi/chi/v5"
)

type sessionSummary struct {
	ID         string `json:"id"`
	CodebaseID string `json:"codebase_id"`
	Messages   int    `json:"messages"`
	CreatedAt  string `json:"created_at"`
	LastActive string `json:"last_active"`
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	codebaseID := strings.TrimSpace(r.URL.Query().Get("codebase_id"))
	summaries := make([]sessionSummary, 0)
	for _, sess := range s.sessions.List() {
		if codebaseID != "" && sess.CodebaseID != codebaseID {
			continue
		}
		summaries = append(summaries, sessionSummary{
			ID:         sess.ID,
			CodebaseID: sess.CodebaseID,
			Messages:   len(sess.Messages),
			CreatedAt:  sess.CreatedAt.UTC().Format(time.RFC3339),
			LastActive: sess.LastActive.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.sessions.Get(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.sessions.Delete(id)
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}
