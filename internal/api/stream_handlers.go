package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/stepbatch/stepbatch/internal/metrics"
	"github.com/stepbatch/stepbatch/internal/progress"
	"github.com/stepbatch/stepbatch/internal/store"
)

// streamProgress handles GET /api/progress/{step_id}/stream as server-sent
// events. The session is validated here rather than in middleware: browser
// EventSource clients cannot read a 401 body, so failures are delivered as a
// terminal stream event instead.
func (s *Server) streamProgress(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	stepID := chi.URLParam(r, "step_id")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sessionID := extractSessionID(r)
	if sessionID == "" {
		writeStreamError(w, flusher, "Missing session")
		return
	}
	valid, err := s.deps.Sessions.Validate(r.Context(), sessionID)
	if err != nil {
		s.logger.Error("session validation failed", zap.Error(err))
		writeStreamError(w, flusher, "session validation failed")
		return
	}
	if !valid {
		writeStreamError(w, flusher, "Invalid session")
		return
	}

	metrics.IncStreamSubscribers()
	defer metrics.DecStreamSubscribers()

	key := store.Key{SessionID: sessionID, StepID: stepID}
	snaps := progress.Watch(r.Context(), s.deps.Hub, s.deps.Progress, key, s.watch)
	for snap := range snaps {
		if err := writeStreamEvent(w, flusher, snap); err != nil {
			// Client went away; the batch keeps running.
			return
		}
	}
}

func writeStreamEvent(w http.ResponseWriter, flusher http.Flusher, snap store.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	flusher.Flush()
	return nil
}

func writeStreamError(w http.ResponseWriter, flusher http.Flusher, msg string) {
	payload, _ := json.Marshal(map[string]any{"error": msg, "done": true})
	_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}
