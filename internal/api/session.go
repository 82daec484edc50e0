package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/stepbatch/stepbatch/internal/metrics"
)

type sessionIDKey struct{}

// sessionIDFrom returns the validated session id stored by the middleware.
func sessionIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return id
	}
	return ""
}

// extractSessionID checks the header, then the query parameter, then the
// cookie.
func extractSessionID(r *http.Request) string {
	if id := r.Header.Get("X-Session-ID"); id != "" {
		return id
	}
	if id := r.URL.Query().Get("session_id"); id != "" {
		return id
	}
	if c, err := r.Cookie("session_id"); err == nil && c.Value != "" {
		return c.Value
	}
	return ""
}

// sessionMiddleware rejects requests without a valid session and refreshes
// the session's expiry on every authenticated request.
func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := extractSessionID(r)
		if id == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error":   "Missing session",
				"message": "No session ID provided in request",
			})
			return
		}
		valid, err := s.deps.Sessions.Validate(r.Context(), id)
		if err != nil {
			s.logger.Error("session validation failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "session validation failed")
			return
		}
		if !valid {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error":   "Invalid session",
				"message": "Session is invalid or expired",
			})
			return
		}
		if err := s.deps.Sessions.Touch(r.Context(), id); err != nil {
			s.logger.Warn("session touch failed", zap.String("session_id", id), zap.Error(err))
		}
		ctx := context.WithValue(r.Context(), sessionIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// createSession handles POST /api/sessions.
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Create(r.Context())
	if err != nil {
		s.logger.Error("session create failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	metrics.IncSessionsCreated()

	http.SetCookie(w, &http.Cookie{
		Name:     "session_id",
		Value:    sess.ID,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusCreated, sessionResponse{
		SessionID: sess.ID,
		CreatedAt: sess.CreatedAt,
		ExpiresAt: sess.ExpiresAt,
	})
}

type sessionResponse struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
