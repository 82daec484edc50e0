package store

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrUnavailable signals that a store backend could not be reached. Callers
// composed with a fallback tier treat it as a routing decision, not a failure.
var ErrUnavailable = errors.New("store unavailable")

// MaxItemLog caps the rolling log of recent item outcomes kept per batch.
const MaxItemLog = 20

// Key scopes progress state to one in-flight batch.
type Key struct {
	// SessionID is an opaque namespace component owned by the session store.
	SessionID string
	// StepID identifies the step being fanned out.
	StepID string
}

// ItemOutcome is one compact entry of the rolling outcome log.
type ItemOutcome struct {
	// Index is the item's original position in the batch.
	Index int `json:"index"`
	// Success reports whether the item produced a usable result.
	Success bool `json:"success"`
	// Error holds the failure reason when Success is false.
	Error string `json:"error,omitempty"`
}

// Snapshot is one observation of batch progress. All derived fields (Elapsed,
// ETA, Percent) are computed by the dispatcher before the snapshot is written;
// stores only persist and return them.
type Snapshot struct {
	// Completed counts finished items; monotonic for the life of one batch.
	Completed int `json:"completed"`
	// Total is fixed at batch start and never changes.
	Total int `json:"total"`
	// Successful and Failed always sum to Completed.
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	// Elapsed is wall time since batch start, in seconds.
	Elapsed float64 `json:"elapsed"`
	// ETA estimates seconds remaining (avg-per-item x remaining).
	ETA float64 `json:"eta"`
	// Percent is the phase-weighted global completion percentage (0..100).
	Percent float64 `json:"percent"`
	// Items holds the last <= MaxItemLog item outcomes, oldest first.
	Items []ItemOutcome `json:"items"`
	// UpdatedAt is the time of the write that produced this snapshot.
	UpdatedAt time.Time `json:"updated_at"`
	// Done marks the terminal snapshot of a batch or stream.
	Done bool `json:"done,omitempty"`
	// TimedOut marks a stream that gave up after an idle bound.
	TimedOut bool `json:"timeout,omitempty"`
}

// ProgressStore persists batch progress keyed by (session, step). Updates are
// full-snapshot writes that must be atomic at the field-group level: a reader
// never observes a partially applied update.
type ProgressStore interface {
	// Update writes the snapshot for key, creating the record if absent.
	Update(ctx context.Context, key Key, snap Snapshot) error
	// Get loads the current snapshot or returns ErrNotFound.
	Get(ctx context.Context, key Key) (Snapshot, error)
	// Clear removes the record; clearing an untracked key is a no-op.
	Clear(ctx context.Context, key Key) error
}

// Session carries the externally owned identity that scopes progress keys.
type Session struct {
	ID             string
	CreatedAt      time.Time
	LastAccessedAt time.Time
	ExpiresAt      time.Time
	Active         bool
}

// SessionStore owns session lifecycle. The engine only requires that a session
// id stays stable for the duration of one batch.
type SessionStore interface {
	// Create mints a new session with the store's default expiry.
	Create(ctx context.Context) (Session, error)
	// Validate reports whether the session exists, is active, and is unexpired.
	Validate(ctx context.Context, id string) (bool, error)
	// Touch refreshes last-accessed and extends expiry.
	Touch(ctx context.Context, id string) error
}

// BlobStore archives finished batch results as immutable objects.
type BlobStore interface {
	// PutObject uploads data under path and returns a backend-specific URI.
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}
