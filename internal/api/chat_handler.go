// File path: internal/api/chat_handler.go
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/nicodishanthj/codeatlas/internal/agent"
	"github.com/nicodishanthj/codeatlas/internal/common"
)

// handleChat streams the agent's answer as server-sent events. The first
// event carries the session id; the stream ends with a done or error event.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	logger := common.Logger()
	var req agent.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if strings.TrimSpace(req.CodebaseID) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("codebase_id required"))
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("message required"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	streaming := false
	emit := func(ev agent.Event) error {
		// An error before anything streamed becomes a plain HTTP error
		// instead of an SSE stream with a single error event.
		if !streaming && ev.Type == agent.EventError {
			return nil
		}
		if !streaming {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			streaming = true
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := s.engine.Query(r.Context(), req, emit); err != nil {
		if !streaming {
			writeError(w, statusFor(err), err)
			return
		}
		// Headers already sent; the engine emitted an error event.
		logger.Warn("api: chat stream ended with error", "codebase", req.CodebaseID, "error", err)
	}
}
