// Package remote defines the upstream executor call surface.
package remote

import (
	"context"
	"encoding/json"
)

// Request is one unit of work submitted to the upstream executor.
type Request struct {
	// StepID selects the upstream processing profile.
	StepID string `json:"step_id"`
	// Input is the work item payload, passed through opaquely.
	Input json.RawMessage `json:"input"`
	// MaxTokens caps the generation budget for this call.
	MaxTokens int `json:"max_tokens"`
}

// Response carries the raw upstream output. Callers are responsible for
// validating the payload shape.
type Response struct {
	Output json.RawMessage `json:"output"`
}

// Caller submits one request to the upstream executor and returns its raw
// response. Implementations must honor ctx cancellation and deadlines.
type Caller interface {
	Call(ctx context.Context, req Request) (Response, error)
}
