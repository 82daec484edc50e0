package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stepbatch/stepbatch/internal/storage/memory"
	"github.com/stepbatch/stepbatch/internal/store"
)

func TestFailoverUsesPrimaryWhenHealthy(t *testing.T) {
	t.Parallel()

	primary := memory.NewProgressStore(0)
	fallback := memory.NewProgressStore(0)
	s := NewFailoverProgressStore(primary, fallback, zap.NewNop())

	ctx := context.Background()
	key := store.Key{SessionID: "sess", StepID: "4"}
	require.NoError(t, s.Update(ctx, key, store.Snapshot{Completed: 2, Total: 5}))

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, 2, got.Completed)

	// The fallback tier never saw the write.
	_, err = fallback.Get(ctx, key)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestFailoverDegradesOnOutage(t *testing.T) {
	t.Parallel()

	primary := &flakyStore{err: fmt.Errorf("dial tcp: %w", store.ErrUnavailable)}
	fallback := memory.NewProgressStore(0)
	s := NewFailoverProgressStore(primary, fallback, zap.NewNop())

	ctx := context.Background()
	key := store.Key{SessionID: "sess", StepID: "6"}
	require.NoError(t, s.Update(ctx, key, store.Snapshot{Completed: 1, Total: 3}))

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, 1, got.Completed)
}

func TestFailoverGetMissChecksFallback(t *testing.T) {
	t.Parallel()

	primary := memory.NewProgressStore(0)
	fallback := memory.NewProgressStore(0)
	s := NewFailoverProgressStore(primary, fallback, zap.NewNop())

	ctx := context.Background()
	key := store.Key{SessionID: "sess", StepID: "7"}
	require.NoError(t, fallback.Update(ctx, key, store.Snapshot{Completed: 4, Total: 4}))

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, 4, got.Completed)
}

func TestFailoverClearRemovesBothTiers(t *testing.T) {
	t.Parallel()

	primary := memory.NewProgressStore(0)
	fallback := memory.NewProgressStore(0)
	s := NewFailoverProgressStore(primary, fallback, zap.NewNop())

	ctx := context.Background()
	key := store.Key{SessionID: "sess", StepID: "8"}
	require.NoError(t, primary.Update(ctx, key, store.Snapshot{Total: 1}))
	require.NoError(t, fallback.Update(ctx, key, store.Snapshot{Total: 1}))

	require.NoError(t, s.Clear(ctx, key))

	_, err := primary.Get(ctx, key)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = fallback.Get(ctx, key)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestFailoverNilPrimary(t *testing.T) {
	t.Parallel()

	fallback := memory.NewProgressStore(0)
	s := NewFailoverProgressStore(nil, fallback, nil)

	ctx := context.Background()
	key := store.Key{SessionID: "sess", StepID: "9"}
	require.NoError(t, s.Update(ctx, key, store.Snapshot{Completed: 1, Total: 1}))

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, 1, got.Completed)
}

func TestFailoverPing(t *testing.T) {
	t.Parallel()

	fallback := memory.NewProgressStore(0)
	ctx := context.Background()

	// Healthy pingable primary.
	s := NewFailoverProgressStore(&flakyStore{}, fallback, nil)
	require.NoError(t, s.Ping(ctx))

	// Unreachable primary surfaces the probe error.
	down := fmt.Errorf("dial tcp: %w", store.ErrUnavailable)
	s = NewFailoverProgressStore(&flakyStore{err: down}, fallback, nil)
	require.ErrorIs(t, s.Ping(ctx), store.ErrUnavailable)

	// No primary means the in-process tier serves alone; that is healthy.
	s = NewFailoverProgressStore(nil, fallback, nil)
	require.NoError(t, s.Ping(ctx))

	// A primary without a probe reports healthy too.
	s = NewFailoverProgressStore(memory.NewProgressStore(0), fallback, nil)
	require.NoError(t, s.Ping(ctx))
}

func TestFailoverPropagatesNonOutageErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("corrupt record")
	primary := &flakyStore{err: boom}
	fallback := memory.NewProgressStore(0)
	s := NewFailoverProgressStore(primary, fallback, zap.NewNop())

	err := s.Update(context.Background(), store.Key{SessionID: "sess", StepID: "4"}, store.Snapshot{})
	require.ErrorIs(t, err, boom)
}

type flakyStore struct {
	err error
}

func (f *flakyStore) Update(context.Context, store.Key, store.Snapshot) error {
	return f.err
}

func (f *flakyStore) Get(context.Context, store.Key) (store.Snapshot, error) {
	return store.Snapshot{}, f.err
}

func (f *flakyStore) Clear(context.Context, store.Key) error {
	return f.err
}

func (f *flakyStore) Ping(context.Context) error {
	return f.err
}
