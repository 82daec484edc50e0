package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/stepbatch/stepbatch/internal/config"
	"github.com/stepbatch/stepbatch/internal/dispatcher"
	"github.com/stepbatch/stepbatch/internal/executor"
	"github.com/stepbatch/stepbatch/internal/id/uuid"
	"github.com/stepbatch/stepbatch/internal/metrics"
	"github.com/stepbatch/stepbatch/internal/progress"
	"github.com/stepbatch/stepbatch/internal/publisher"
	"github.com/stepbatch/stepbatch/internal/store"
)

// BatchRunner runs one batch to completion. Satisfied by *dispatcher.Dispatcher.
type BatchRunner interface {
	Run(
		ctx context.Context,
		sessionID string,
		stepID string,
		items []json.RawMessage,
		phase progress.Phase,
	) (dispatcher.BatchResult, error)
}

// Deps bundles everything the HTTP layer talks to.
type Deps struct {
	Logger    *zap.Logger
	Sessions  store.SessionStore
	Runner    BatchRunner
	Executor  executor.Executor
	Hub       *progress.Hub
	Progress  store.ProgressStore
	Archive   store.BlobStore
	Hasher    Hasher
	Publisher publisher.Publisher
	Cfg       config.Config
}

// Hasher digests archived batch results.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Server wires HTTP handlers to the dispatcher, stores, and hub.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
	ids    *uuid.Generator
	watch  progress.WatchConfig
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:   deps,
		logger: logger,
		ids:    uuid.New(),
		watch: progress.WatchConfig{
			Tick:      deps.Cfg.StreamTick(),
			IdleTicks: deps.Cfg.Progress.IdleTicks,
		},
	}

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.With(timeoutMiddleware(10*time.Second)).Post("/sessions", s.createSession)

		// The stream validates its own session so failures surface as
		// stream events; everything else goes through the guard.
		r.Get("/progress/{step_id}/stream", s.streamProgress)

		r.Group(func(r chi.Router) {
			r.Use(s.sessionMiddleware)
			r.Post("/execute", s.executeItem)
			r.Post("/execute/batch", s.executeBatch)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// healthz reports process liveness plus the progress tiers' reachability.
// A degraded primary still returns 200: batches keep running on the
// in-process fallback.
func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Progress: "ok"}
	if p, ok := s.deps.Progress.(interface{ Ping(context.Context) error }); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn("progress primary unreachable", zap.Error(err))
			resp.Progress = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type healthResponse struct {
	Status   string `json:"status"`
	Progress string `json:"progress"`
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID, err := s.ids.NewV4ID()
		if err != nil {
			reqID = "unknown"
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", requestIDFrom(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying writer so the progress stream keeps
// flushing behind the logging middleware.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
