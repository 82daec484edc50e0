package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/stepbatch/stepbatch/internal/store"
)

// LogSink emits structured logs for each progress snapshot. It is useful
// during development or audits where no metrics backend is available.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs the snapshot using structured fields.
func (s *LogSink) Consume(_ context.Context, key store.Key, snap store.Snapshot) error {
	s.logger.Info("batch progress",
		zap.String("session_id", key.SessionID),
		zap.String("step_id", key.StepID),
		zap.Int("completed", snap.Completed),
		zap.Int("total", snap.Total),
		zap.Int("successful", snap.Successful),
		zap.Int("failed", snap.Failed),
		zap.Float64("elapsed_s", snap.Elapsed),
		zap.Float64("eta_s", snap.ETA),
		zap.Float64("percent", snap.Percent),
		zap.Bool("done", snap.Done),
		zap.Bool("timeout", snap.TimedOut),
	)
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
