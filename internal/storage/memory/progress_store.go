package memory

import (
	"context"
	"sync"
	"time"

	"github.com/stepbatch/stepbatch/internal/store"
)

// ProgressStore is the in-process fallback tier for batch progress. Every
// read/write takes the mutex; records self-expire on read once their TTL
// passes, mirroring the primary tier's behavior for crashed batches.
type ProgressStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[store.Key]progressEntry
}

type progressEntry struct {
	snap      store.Snapshot
	expiresAt time.Time
}

// DefaultTTL matches the primary tier's record expiry.
const DefaultTTL = time.Hour

// NewProgressStore constructs a ProgressStore. A non-positive ttl falls back
// to DefaultTTL.
func NewProgressStore(ttl time.Duration) *ProgressStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ProgressStore{
		ttl:     ttl,
		entries: make(map[store.Key]progressEntry),
	}
}

// Update stores the snapshot for key and refreshes its expiry.
func (s *ProgressStore) Update(_ context.Context, key store.Key, snap store.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.Items = append([]store.ItemOutcome(nil), snap.Items...)
	s.entries[key] = progressEntry{
		snap:      snap,
		expiresAt: time.Now().Add(s.ttl),
	}
	return nil
}

// Get returns the current snapshot or store.ErrNotFound. Expired entries are
// removed lazily here.
func (s *ProgressStore) Get(_ context.Context, key store.Key) (store.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return store.Snapshot{}, store.ErrNotFound
	}
	if time.Now().After(entry.expiresAt) {
		delete(s.entries, key)
		return store.Snapshot{}, store.ErrNotFound
	}
	snap := entry.snap
	snap.Items = append([]store.ItemOutcome(nil), entry.snap.Items...)
	return snap, nil
}

// Clear removes the record; clearing an untracked key is a no-op.
func (s *ProgressStore) Clear(_ context.Context, key store.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
