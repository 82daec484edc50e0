// Package storage hosts the progress-store failover wrapper shared by the
// concrete backends in its subpackages.
package storage

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/stepbatch/stepbatch/internal/store"
)

// FailoverProgressStore routes progress operations to a primary store and
// falls back to a secondary when the primary reports store.ErrUnavailable.
// Batches keep running on the fallback tier; the outage is logged, not
// surfaced to callers.
type FailoverProgressStore struct {
	primary  store.ProgressStore
	fallback store.ProgressStore
	logger   *zap.Logger

	warnInterval time.Duration
	lastWarn     atomic.Int64
}

// NewFailoverProgressStore wires the two tiers. primary may be nil when the
// distributed tier is not configured, in which case every call goes straight
// to the fallback.
func NewFailoverProgressStore(primary, fallback store.ProgressStore, logger *zap.Logger) *FailoverProgressStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FailoverProgressStore{
		primary:      primary,
		fallback:     fallback,
		logger:       logger,
		warnInterval: 30 * time.Second,
	}
}

// Pinger is implemented by backends that can probe their connection, such as
// the Redis tier.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping probes the primary tier. A nil primary, or one without a probe,
// reports healthy: the in-process fallback is always reachable.
func (s *FailoverProgressStore) Ping(ctx context.Context) error {
	p, ok := s.primary.(Pinger)
	if !ok {
		return nil
	}
	return p.Ping(ctx)
}

// Update writes to the primary tier, degrading to the fallback on outage.
func (s *FailoverProgressStore) Update(ctx context.Context, key store.Key, snap store.Snapshot) error {
	if s.primary == nil {
		return s.fallback.Update(ctx, key, snap)
	}
	err := s.primary.Update(ctx, key, snap)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrUnavailable) {
		return err
	}
	s.warnOutage("update", key, err)
	return s.fallback.Update(ctx, key, snap)
}

// Get reads from the primary tier. On outage it degrades to the fallback;
// a clean miss also checks the fallback so observers still see batches that
// ran while the primary was down.
func (s *FailoverProgressStore) Get(ctx context.Context, key store.Key) (store.Snapshot, error) {
	if s.primary == nil {
		return s.fallback.Get(ctx, key)
	}
	snap, err := s.primary.Get(ctx, key)
	if err == nil {
		return snap, nil
	}
	if errors.Is(err, store.ErrUnavailable) {
		s.warnOutage("get", key, err)
		return s.fallback.Get(ctx, key)
	}
	if errors.Is(err, store.ErrNotFound) {
		return s.fallback.Get(ctx, key)
	}
	return store.Snapshot{}, err
}

// Clear removes the record from both tiers so a record written during an
// outage does not resurface later.
func (s *FailoverProgressStore) Clear(ctx context.Context, key store.Key) error {
	var primaryErr error
	if s.primary != nil {
		if err := s.primary.Clear(ctx, key); err != nil {
			if !errors.Is(err, store.ErrUnavailable) {
				primaryErr = err
			} else {
				s.warnOutage("clear", key, err)
			}
		}
	}
	if err := s.fallback.Clear(ctx, key); err != nil {
		return err
	}
	return primaryErr
}

// warnOutage logs primary failures at most once per warnInterval so a
// sustained outage does not flood the log at per-item-completion rate.
func (s *FailoverProgressStore) warnOutage(op string, key store.Key, err error) {
	now := time.Now().UnixNano()
	last := s.lastWarn.Load()
	if now-last < int64(s.warnInterval) {
		return
	}
	if !s.lastWarn.CompareAndSwap(last, now) {
		return
	}
	s.logger.Warn("primary progress store unavailable, using fallback",
		zap.String("op", op),
		zap.String("session_id", key.SessionID),
		zap.String("step_id", key.StepID),
		zap.Error(err),
	)
}
