package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stepbatch/stepbatch/internal/dispatcher"
	"github.com/stepbatch/stepbatch/internal/executor"
	"github.com/stepbatch/stepbatch/internal/progress"
	"github.com/stepbatch/stepbatch/internal/publisher"
)

// completionTopic names the Pub/Sub topic handed to the publisher; the pubsub
// implementation is bound to a topic at construction so the name is advisory.
const completionTopic = "batch-events"

// executeItem handles POST /api/execute: one work item, synchronous.
func (s *Server) executeItem(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.StepID) == "" {
		writeError(w, http.StatusBadRequest, "step_id is required")
		return
	}
	if len(req.Input) == 0 {
		writeError(w, http.StatusBadRequest, "input is required")
		return
	}

	out, err := s.deps.Executor.Execute(r.Context(), req.StepID, req.Input)
	if err != nil {
		// Item failures are part of the response contract, not HTTP errors.
		writeJSON(w, http.StatusOK, executeResponse{
			StepID:    req.StepID,
			Error:     err.Error(),
			ErrorKind: executor.KindOf(err).String(),
		})
		return
	}
	writeJSON(w, http.StatusOK, executeResponse{
		StepID:  req.StepID,
		Success: true,
		Data:    out,
	})
}

// executeBatch handles POST /api/execute/batch. The run is detached from the
// request context so a dropped client connection does not abort in-flight
// items; progress remains observable on the stream either way.
func (s *Server) executeBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.StepID) == "" {
		writeError(w, http.StatusBadRequest, "step_id is required")
		return
	}
	phase, err := req.Phase.toPhase()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sessionID := sessionIDFrom(r.Context())

	runCtx := context.WithoutCancel(r.Context())
	res, err := s.deps.Runner.Run(runCtx, sessionID, req.StepID, req.Items, phase)
	if err != nil {
		var initErr *dispatcher.BatchInitError
		if errors.As(err, &initErr) {
			writeError(w, http.StatusServiceUnavailable, "progress tracking unavailable")
			return
		}
		s.logger.Error("batch run failed",
			zap.String("session_id", sessionID),
			zap.String("step_id", req.StepID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "batch execution failed")
		return
	}

	resultURI, digest := s.archiveResult(runCtx, sessionID, req.StepID, res)
	s.publishCompletion(runCtx, sessionID, req.StepID, res, resultURI)

	writeJSON(w, http.StatusOK, batchResponse{
		StepID:     req.StepID,
		Results:    res.Results,
		Total:      res.Total,
		Successful: res.Successful,
		Failed:     res.Failed,
		Elapsed:    res.Elapsed,
		ResultURI:  resultURI,
		Digest:     digest,
	})
}

// archiveResult stores the finished batch as an immutable object. Archive
// failures are logged, never surfaced: the caller already has the results.
func (s *Server) archiveResult(
	ctx context.Context,
	sessionID string,
	stepID string,
	res dispatcher.BatchResult,
) (uri, digest string) {
	if s.deps.Archive == nil {
		return "", ""
	}
	body, err := json.Marshal(res)
	if err != nil {
		s.logger.Warn("marshal batch result for archive failed", zap.Error(err))
		return "", ""
	}
	if s.deps.Hasher != nil {
		if d, err := s.deps.Hasher.Hash(body); err == nil {
			digest = d
		}
	}
	prefix := strings.Trim(s.deps.Cfg.Archive.Prefix, "/")
	if prefix == "" {
		prefix = "sessions"
	}
	path := fmt.Sprintf("%s/%s/steps/%s.json", prefix, sessionID, stepID)
	uri, err = s.deps.Archive.PutObject(ctx, path, "application/json", bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("archive batch result failed",
			zap.String("session_id", sessionID),
			zap.String("step_id", stepID),
			zap.Error(err),
		)
		return "", digest
	}
	return uri, digest
}

// publishCompletion announces the finished batch. Best effort.
func (s *Server) publishCompletion(
	ctx context.Context,
	sessionID string,
	stepID string,
	res dispatcher.BatchResult,
	resultURI string,
) {
	if s.deps.Publisher == nil {
		return
	}
	event := publisher.Event{
		SessionID:  sessionID,
		StepID:     stepID,
		Total:      res.Total,
		Successful: res.Successful,
		Failed:     res.Failed,
		Elapsed:    res.Elapsed,
		ResultURI:  resultURI,
		FinishedAt: time.Now().UTC(),
	}
	if _, err := s.deps.Publisher.Publish(ctx, completionTopic, event); err != nil {
		s.logger.Warn("publish completion event failed",
			zap.String("session_id", sessionID),
			zap.String("step_id", stepID),
			zap.Error(err),
		)
	}
}

type executeRequest struct {
	StepID string          `json:"step_id"`
	Input  json.RawMessage `json:"input"`
}

type executeResponse struct {
	StepID    string          `json:"step_id"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
}

type batchRequest struct {
	StepID string            `json:"step_id"`
	Items  []json.RawMessage `json:"items"`
	Phase  phaseInfo         `json:"phase"`
}

// phaseInfo maps a batch onto a segment of a larger pipeline's progress bar.
// Omitted, it spans the full 0..100 range.
type phaseInfo struct {
	Start *float64 `json:"start"`
	Span  *float64 `json:"span"`
}

func (p phaseInfo) toPhase() (progress.Phase, error) {
	if p.Start == nil && p.Span == nil {
		return progress.FullRange, nil
	}
	if p.Start == nil || p.Span == nil {
		return progress.Phase{}, errors.New("phase requires both start and span")
	}
	start, span := *p.Start, *p.Span
	if start < 0 || span <= 0 || start+span > 100 {
		return progress.Phase{}, errors.New("phase must satisfy 0 <= start, 0 < span, start+span <= 100")
	}
	return progress.Phase{Start: start, Span: span}, nil
}

type batchResponse struct {
	StepID     string                  `json:"step_id"`
	Results    []dispatcher.ItemResult `json:"results"`
	Total      int                     `json:"total"`
	Successful int                     `json:"successful"`
	Failed     int                     `json:"failed"`
	Elapsed    float64                 `json:"elapsed"`
	ResultURI  string                  `json:"result_uri,omitempty"`
	Digest     string                  `json:"digest,omitempty"`
}
