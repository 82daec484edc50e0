// Package publisher defines the batch completion event surface.
package publisher

import (
	"context"
	"time"
)

// Event announces one finished batch to downstream consumers.
type Event struct {
	SessionID  string    `json:"session_id"`
	StepID     string    `json:"step_id"`
	Total      int       `json:"total"`
	Successful int       `json:"successful"`
	Failed     int       `json:"failed"`
	// Elapsed is the batch wall time in seconds.
	Elapsed    float64   `json:"elapsed"`
	ResultURI  string    `json:"result_uri,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Publisher delivers payloads to a named topic and returns the message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}
