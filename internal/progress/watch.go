package progress

import (
	"context"
	"time"

	"github.com/stepbatch/stepbatch/internal/store"
)

// WatchConfig bounds the observer loop.
//   - Tick: interval between store polls; the polls back the hub subscription
//     so an observer that starts before the batch exists still converges
//     (default 1s).
//   - IdleTicks: consecutive ticks without a change of completed before the
//     watch gives up with a timeout marker (default 300).
type WatchConfig struct {
	Tick      time.Duration
	IdleTicks int
}

const (
	defaultWatchTick      = time.Second
	defaultWatchIdleTicks = 300
)

// SnapshotReader is the read-side subset of store.ProgressStore that Watch
// needs.
type SnapshotReader interface {
	Get(ctx context.Context, key store.Key) (store.Snapshot, error)
}

// Watch observes progress for key and relays snapshots on the returned
// channel until the batch finishes or the idle bound is hit. It emits only
// when the completed counter changes, appends a final done=true snapshot
// (done+timeout when idle), and then closes the channel. A missing store
// entry is not an error: the batch may not have started yet, or may have just
// been cleared.
func Watch(ctx context.Context, hub *Hub, reader SnapshotReader, key store.Key, cfg WatchConfig) <-chan store.Snapshot {
	if cfg.Tick <= 0 {
		cfg.Tick = defaultWatchTick
	}
	if cfg.IdleTicks <= 0 {
		cfg.IdleTicks = defaultWatchIdleTicks
	}
	out := make(chan store.Snapshot, 1)
	go watch(ctx, hub, reader, key, cfg, out)
	return out
}

func watch(
	ctx context.Context,
	hub *Hub,
	reader SnapshotReader,
	key store.Key,
	cfg WatchConfig,
	out chan<- store.Snapshot,
) {
	defer close(out)
	sub := hub.Subscribe(key)
	defer sub.Close()

	ticker := time.NewTicker(cfg.Tick)
	defer ticker.Stop()

	w := watchState{lastCompleted: -1}
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-sub.C():
			if !ok {
				return
			}
			if done := w.observe(ctx, out, snap); done {
				return
			}
		case <-ticker.C:
			snap, err := reader.Get(ctx, key)
			if err != nil {
				// Entry absent or backend unreachable: keep waiting.
				if w.tickIdle(ctx, out, cfg.IdleTicks) {
					return
				}
				continue
			}
			changed := snap.Completed != w.lastCompleted
			if done := w.observe(ctx, out, snap); done {
				return
			}
			if !changed && w.tickIdle(ctx, out, cfg.IdleTicks) {
				return
			}
		}
	}
}

type watchState struct {
	lastCompleted int
	lastSeen      store.Snapshot
	idle          int
}

// observe applies the emit-on-change rule and reports whether the watch is
// finished. A snapshot is terminal when it carries done=true or when its
// counters show the batch complete.
func (w *watchState) observe(ctx context.Context, out chan<- store.Snapshot, snap store.Snapshot) bool {
	terminal := snap.Done || (snap.Total > 0 && snap.Completed >= snap.Total)
	changed := snap.Completed != w.lastCompleted
	if !changed && !terminal {
		return false
	}
	w.lastCompleted = snap.Completed
	w.lastSeen = snap
	w.idle = 0
	if terminal {
		snap.Done = true
	}
	emit(ctx, out, snap)
	return terminal
}

// tickIdle advances the idle counter and, once the bound is reached, emits the
// done+timeout marker. Returns true when the watch should stop.
func (w *watchState) tickIdle(ctx context.Context, out chan<- store.Snapshot, bound int) bool {
	w.idle++
	if w.idle < bound {
		return false
	}
	final := w.lastSeen
	final.Done = true
	final.TimedOut = true
	emit(ctx, out, final)
	return true
}

func emit(ctx context.Context, out chan<- store.Snapshot, snap store.Snapshot) {
	select {
	case out <- snap:
	case <-ctx.Done():
	}
}
