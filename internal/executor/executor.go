// Package executor runs single work items against the upstream service and
// classifies failures. Every error it returns is one of three kinds; the
// dispatcher treats all of them as per-item failures, never batch-fatal.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/stepbatch/stepbatch/internal/policy"
	"github.com/stepbatch/stepbatch/internal/remote"
)

// Kind classifies a work item failure.
type Kind int

const (
	// KindTransport covers network failures and upstream error statuses.
	KindTransport Kind = iota
	// KindTimeout marks an item that exceeded its step budget.
	KindTimeout
	// KindMalformedOutput marks an upstream reply that was not usable JSON.
	KindMalformedOutput
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindMalformedOutput:
		return "malformed_output"
	default:
		return "transport"
	}
}

// Error is a classified work item failure.
type Error struct {
	Kind   Kind
	Detail string
	// Raw preserves a snippet of the unusable upstream payload for debugging.
	Raw string
	err  error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Unwrap exposes the underlying cause for errors.Is checks.
func (e *Error) Unwrap() error { return e.err }

// KindOf extracts the failure kind, defaulting to transport for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransport
}

// maxRawSnippet bounds how much unusable output is carried in an Error.
const maxRawSnippet = 512

// Executor runs one work item to completion.
type Executor interface {
	Execute(ctx context.Context, stepID string, item json.RawMessage) (json.RawMessage, error)
}

// Remote executes work items via an upstream caller, applying the step's
// timeout and token budget.
type Remote struct {
	caller remote.Caller
	policy policy.Policy
	logger *zap.Logger
}

// NewRemote builds the production executor.
func NewRemote(caller remote.Caller, pol policy.Policy, logger *zap.Logger) *Remote {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Remote{caller: caller, policy: pol, logger: logger}
}

// Execute runs one item under the step budget and validates the output.
func (r *Remote) Execute(ctx context.Context, stepID string, item json.RawMessage) (json.RawMessage, error) {
	budget := r.policy.BudgetFor(stepID)
	ctx, cancel := context.WithTimeout(ctx, budget.Timeout)
	defer cancel()

	resp, err := r.caller.Call(ctx, remote.Request{
		StepID:    stepID,
		Input:     item,
		MaxTokens: budget.MaxTokens,
	})
	if err != nil {
		return nil, classify(err, budget)
	}

	if len(resp.Output) == 0 || !json.Valid(resp.Output) {
		r.logger.Debug("unusable executor output",
			zap.String("step_id", stepID),
			zap.Int("output_bytes", len(resp.Output)),
		)
		return nil, &Error{
			Kind:   KindMalformedOutput,
			Detail: "output is not valid JSON",
			Raw:    snippet(resp.Output),
		}
	}
	return resp.Output, nil
}

func classify(err error, budget policy.StepBudget) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Kind:   KindTimeout,
			Detail: fmt.Sprintf("exceeded %s budget", budget.Timeout),
			err:    err,
		}
	}
	return &Error{Kind: KindTransport, Detail: err.Error(), err: err}
}

func snippet(raw []byte) string {
	if len(raw) > maxRawSnippet {
		raw = raw[:maxRawSnippet]
	}
	return string(raw)
}
