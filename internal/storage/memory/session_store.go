package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stepbatch/stepbatch/internal/store"
)

// SessionStore keeps sessions in-process for tests and storeless dev mode.
// Semantics match the Postgres store: a session is valid while it is active
// and unexpired, and Touch extends expiry from now.
type SessionStore struct {
	mu       sync.RWMutex
	expiry   time.Duration
	sessions map[string]store.Session
}

// NewSessionStore constructs a SessionStore with the given session expiry.
func NewSessionStore(expiry time.Duration) *SessionStore {
	if expiry <= 0 {
		expiry = 7 * 24 * time.Hour
	}
	return &SessionStore{
		expiry:   expiry,
		sessions: make(map[string]store.Session),
	}
}

// Create mints a new active session.
func (s *SessionStore) Create(_ context.Context) (store.Session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return store.Session{}, fmt.Errorf("generate session id: %w", err)
	}
	now := time.Now().UTC()
	sess := store.Session{
		ID:             id.String(),
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(s.expiry),
		Active:         true,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return sess, nil
}

// Validate reports whether the session exists, is active, and is unexpired.
func (s *SessionStore) Validate(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return false, nil
	}
	return sess.Active && sess.ExpiresAt.After(time.Now().UTC()), nil
}

// Touch refreshes last-accessed and extends expiry; unknown ids return
// store.ErrNotFound.
func (s *SessionStore) Touch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	sess.LastAccessedAt = now
	sess.ExpiresAt = now.Add(s.expiry)
	s.sessions[id] = sess
	return nil
}

// Deactivate marks a session inactive (primarily for tests).
func (s *SessionStore) Deactivate(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.Active = false
		s.sessions[id] = sess
	}
}
