package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stepbatch/stepbatch/internal/clock/system"
	"github.com/stepbatch/stepbatch/internal/executor"
	"github.com/stepbatch/stepbatch/internal/policy"
	"github.com/stepbatch/stepbatch/internal/progress"
	"github.com/stepbatch/stepbatch/internal/storage"
	"github.com/stepbatch/stepbatch/internal/storage/memory"
	"github.com/stepbatch/stepbatch/internal/store"
)

func TestRunPreservesIndexesWithMixedOutcomes(t *testing.T) {
	t.Parallel()

	ex := &stubExecutor{
		fn: func(_ context.Context, _ string, item json.RawMessage) (json.RawMessage, error) {
			var in struct {
				Fail bool `json:"fail"`
			}
			require.NoError(t, json.Unmarshal(item, &in))
			if in.Fail {
				return nil, &executor.Error{Kind: executor.KindTransport, Detail: "connection refused"}
			}
			return json.RawMessage(`{"ok":true}`), nil
		},
	}
	d := newTestDispatcher(ex, fixedPolicy{concurrency: 2}, nil)

	items := rawItems(`{"fail":true}`, `{"fail":false}`, `{"fail":true}`)
	res, err := d.Run(context.Background(), "sess", "4", items, progress.Phase{})
	require.NoError(t, err)

	require.Len(t, res.Results, 3)
	require.Equal(t, 3, res.Total)
	require.Equal(t, 1, res.Successful)
	require.Equal(t, 2, res.Failed)

	require.False(t, res.Results[0].Success)
	require.Equal(t, 0, res.Results[0].Index)
	require.Equal(t, "transport", res.Results[0].ErrorKind)

	require.True(t, res.Results[1].Success)
	require.JSONEq(t, `{"ok":true}`, string(res.Results[1].Data))

	require.False(t, res.Results[2].Success)
	require.Equal(t, 2, res.Results[2].Index)
}

func TestRunEmptyBatch(t *testing.T) {
	t.Parallel()

	calls := atomic.Int32{}
	ex := &stubExecutor{
		fn: func(context.Context, string, json.RawMessage) (json.RawMessage, error) {
			calls.Add(1)
			return nil, nil
		},
	}
	hub := &captureHub{}
	d := newTestDispatcher(ex, fixedPolicy{concurrency: 5}, hub)

	res, err := d.Run(context.Background(), "sess", "6", nil, progress.Phase{})
	require.NoError(t, err)
	require.Zero(t, calls.Load())
	require.Empty(t, res.Results)
	require.Equal(t, 0, res.Total)

	// Observers still see a terminal snapshot.
	snaps := hub.published()
	require.NotEmpty(t, snaps)
	last := snaps[len(snaps)-1]
	require.True(t, last.Done)
	require.InDelta(t, 100.0, last.Percent, 1e-9)
}

func TestRunBoundsConcurrency(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	ex := &stubExecutor{
		fn: func(context.Context, string, json.RawMessage) (json.RawMessage, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			return json.RawMessage(`{}`), nil
		},
	}
	d := newTestDispatcher(ex, fixedPolicy{concurrency: 3}, nil)

	items := make([]json.RawMessage, 12)
	for i := range items {
		items[i] = json.RawMessage(`{}`)
	}
	res, err := d.Run(context.Background(), "sess", "7", items, progress.Phase{})
	require.NoError(t, err)
	require.Equal(t, 12, res.Successful)
	require.LessOrEqual(t, peak.Load(), int32(3))
}

func TestRunInitFailureIsFatal(t *testing.T) {
	t.Parallel()

	calls := atomic.Int32{}
	ex := &stubExecutor{
		fn: func(context.Context, string, json.RawMessage) (json.RawMessage, error) {
			calls.Add(1)
			return json.RawMessage(`{}`), nil
		},
	}
	boom := errors.New("store down")
	d := New(ex, fixedPolicy{concurrency: 2}, failingStore{err: boom}, nil, system.New(), nil)

	_, err := d.Run(context.Background(), "sess", "4", rawItems(`{}`, `{}`), progress.Phase{})
	var initErr *BatchInitError
	require.ErrorAs(t, err, &initErr)
	require.ErrorIs(t, err, boom)

	// No worker ran.
	require.Zero(t, calls.Load())
}

func TestRunPublishesMonotonicProgress(t *testing.T) {
	t.Parallel()

	ex := &stubExecutor{
		fn: func(context.Context, string, json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		},
	}
	hub := &captureHub{}
	progressStore := memory.NewProgressStore(0)
	d := New(ex, fixedPolicy{concurrency: 2}, progressStore, hub, system.New(), nil)

	items := rawItems(`{}`, `{}`, `{}`, `{}`)
	_, err := d.Run(context.Background(), "sess", "8", items, progress.Phase{Start: 10, Span: 90})
	require.NoError(t, err)

	snaps := hub.published()
	require.NotEmpty(t, snaps)

	seen := -1
	for _, s := range snaps {
		require.GreaterOrEqual(t, s.Completed, seen)
		seen = s.Completed
		require.Equal(t, 4, s.Total)
		require.Equal(t, s.Completed, s.Successful+s.Failed)
	}
	last := snaps[len(snaps)-1]
	require.True(t, last.Done)
	require.Equal(t, 4, last.Completed)
	require.InDelta(t, 100.0, last.Percent, 1e-9)

	// The record is cleared once the batch finishes.
	_, err = progressStore.Get(context.Background(), store.Key{SessionID: "sess", StepID: "8"})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunPhaseWeightedPercent(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	ex := &stubExecutor{
		fn: func(context.Context, string, json.RawMessage) (json.RawMessage, error) {
			<-release
			return json.RawMessage(`{}`), nil
		},
	}
	hub := &captureHub{}
	d := newTestDispatcher(ex, fixedPolicy{concurrency: 1}, hub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = d.Run(context.Background(), "sess", "4", rawItems(`{}`, `{}`), progress.Phase{Start: 10, Span: 90})
	}()

	release <- struct{}{} // first item completes: 1/2 of a 10..100 phase
	require.Eventually(t, func() bool {
		snaps := hub.published()
		return len(snaps) > 0 && snaps[len(snaps)-1].Completed == 1
	}, time.Second, 5*time.Millisecond)

	snaps := hub.published()
	require.InDelta(t, 55.0, snaps[len(snaps)-1].Percent, 1e-9)

	release <- struct{}{}
	<-done
}

func TestRunItemPanicIsIsolated(t *testing.T) {
	t.Parallel()

	ex := &stubExecutor{
		fn: func(_ context.Context, _ string, item json.RawMessage) (json.RawMessage, error) {
			if string(item) == `"boom"` {
				panic("exploded")
			}
			return json.RawMessage(`{}`), nil
		},
	}
	d := newTestDispatcher(ex, fixedPolicy{concurrency: 2}, nil)

	res, err := d.Run(context.Background(), "sess", "9", rawItems(`"boom"`, `"fine"`), progress.Phase{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Successful)
	require.Equal(t, 1, res.Failed)
	require.False(t, res.Results[0].Success)
	require.Contains(t, res.Results[0].Error, "panic")
	require.True(t, res.Results[1].Success)
}

func TestRunSurvivesMidBatchPrimaryOutage(t *testing.T) {
	t.Parallel()

	primary := &outageStore{inner: memory.NewProgressStore(0)}
	fallback := memory.NewProgressStore(0)
	tiered := storage.NewFailoverProgressStore(primary, fallback, nil)

	var completed atomic.Int32
	ex := &stubExecutor{
		fn: func(_ context.Context, _ string, item json.RawMessage) (json.RawMessage, error) {
			if completed.Add(1) == 2 {
				primary.down.Store(true)
			}
			return item, nil
		},
	}
	d := New(ex, fixedPolicy{concurrency: 1}, tiered, nil, system.New(), nil)

	items := rawItems(`0`, `1`, `2`, `3`)
	res, err := d.Run(context.Background(), "sess", "6", items, progress.Phase{})
	require.NoError(t, err)

	require.Equal(t, 4, res.Total)
	require.Equal(t, 4, res.Successful)
	for i, r := range res.Results {
		require.True(t, r.Success)
		require.Equal(t, i, r.Index)
		require.Equal(t, strconv.Itoa(i), string(r.Data))
	}

	// Progress written before the outage reached the primary; the rest
	// landed on the fallback.
	require.Positive(t, primary.updates.Load())

	// Neither tier keeps the record once the batch finishes.
	key := store.Key{SessionID: "sess", StepID: "6"}
	_, err = fallback.Get(context.Background(), key)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = tiered.Get(context.Background(), key)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunItemLogKeepsRecentOutcomes(t *testing.T) {
	t.Parallel()

	ex := &stubExecutor{
		fn: func(context.Context, string, json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		},
	}
	hub := &captureHub{}
	d := newTestDispatcher(ex, fixedPolicy{concurrency: 1}, hub)

	items := make([]json.RawMessage, store.MaxItemLog+10)
	for i := range items {
		items[i] = json.RawMessage(`{}`)
	}
	_, err := d.Run(context.Background(), "sess", "4", items, progress.Phase{})
	require.NoError(t, err)

	snaps := hub.published()
	last := snaps[len(snaps)-1]
	require.Len(t, last.Items, store.MaxItemLog)
	// Oldest entries are evicted first.
	require.Equal(t, 10, last.Items[0].Index)
}

func newTestDispatcher(ex executor.Executor, pol policy.Policy, hub progress.Publisher) *Dispatcher {
	return New(ex, pol, memory.NewProgressStore(0), hub, system.New(), nil)
}

func rawItems(raw ...string) []json.RawMessage {
	items := make([]json.RawMessage, len(raw))
	for i, r := range raw {
		items[i] = json.RawMessage(r)
	}
	return items
}

type stubExecutor struct {
	fn func(ctx context.Context, stepID string, item json.RawMessage) (json.RawMessage, error)
}

func (s *stubExecutor) Execute(ctx context.Context, stepID string, item json.RawMessage) (json.RawMessage, error) {
	return s.fn(ctx, stepID, item)
}

type fixedPolicy struct {
	concurrency int
}

func (p fixedPolicy) BudgetFor(string) policy.StepBudget {
	return policy.StepBudget{Timeout: time.Minute, MaxTokens: 24000, Concurrency: p.concurrency}
}

type captureHub struct {
	mu    sync.Mutex
	snaps []store.Snapshot
}

func (h *captureHub) Publish(_ store.Key, snap store.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snaps = append(h.snaps, snap)
}

func (h *captureHub) published() []store.Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]store.Snapshot, len(h.snaps))
	copy(out, h.snaps)
	return out
}

type outageStore struct {
	inner   store.ProgressStore
	down    atomic.Bool
	updates atomic.Int32
}

func (o *outageStore) Update(ctx context.Context, key store.Key, snap store.Snapshot) error {
	if o.down.Load() {
		return fmt.Errorf("primary update: %w", store.ErrUnavailable)
	}
	o.updates.Add(1)
	return o.inner.Update(ctx, key, snap)
}

func (o *outageStore) Get(ctx context.Context, key store.Key) (store.Snapshot, error) {
	if o.down.Load() {
		return store.Snapshot{}, fmt.Errorf("primary get: %w", store.ErrUnavailable)
	}
	return o.inner.Get(ctx, key)
}

func (o *outageStore) Clear(ctx context.Context, key store.Key) error {
	if o.down.Load() {
		return fmt.Errorf("primary clear: %w", store.ErrUnavailable)
	}
	return o.inner.Clear(ctx, key)
}

type failingStore struct {
	err error
}

func (f failingStore) Update(context.Context, store.Key, store.Snapshot) error { return f.err }
func (f failingStore) Get(context.Context, store.Key) (store.Snapshot, error) {
	return store.Snapshot{}, f.err
}
func (f failingStore) Clear(context.Context, store.Key) error { return f.err }
