// Package dispatcher fans a batch of work items out over a bounded worker
// pool, tracking shared progress as items finish. Item failures never abort
// the batch; the only fatal failure is being unable to initialize progress
// tracking before dispatch.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stepbatch/stepbatch/internal/clock"
	"github.com/stepbatch/stepbatch/internal/executor"
	"github.com/stepbatch/stepbatch/internal/metrics"
	"github.com/stepbatch/stepbatch/internal/policy"
	"github.com/stepbatch/stepbatch/internal/progress"
	"github.com/stepbatch/stepbatch/internal/store"
)

// BatchInitError reports that progress tracking could not be initialized.
// It is returned before any worker starts; a batch is never half-dispatched.
type BatchInitError struct {
	Key store.Key
	err error
}

func (e *BatchInitError) Error() string {
	return fmt.Sprintf("initialize batch progress for %s/%s: %v", e.Key.SessionID, e.Key.StepID, e.err)
}

// Unwrap exposes the underlying store failure.
func (e *BatchInitError) Unwrap() error { return e.err }

// ItemResult is the outcome of one work item, at its original index.
type ItemResult struct {
	Index   int             `json:"index"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	// ErrorKind is the failure classification when Success is false.
	ErrorKind string `json:"error_kind,omitempty"`
}

// BatchResult aggregates a finished batch. Results is always len(items) long
// and ordered by input index.
type BatchResult struct {
	Results    []ItemResult `json:"results"`
	Total      int          `json:"total"`
	Successful int          `json:"successful"`
	Failed     int          `json:"failed"`
	// Elapsed is the batch wall time in seconds.
	Elapsed float64 `json:"elapsed"`
}

// Dispatcher runs batches against the executor under per-step budgets.
type Dispatcher struct {
	executor executor.Executor
	policy   policy.Policy
	progress store.ProgressStore
	hub      progress.Publisher
	clock    clock.Clock
	logger   *zap.Logger
}

// New constructs a Dispatcher. hub may be nil when no live observers exist.
func New(
	ex executor.Executor,
	pol policy.Policy,
	progressStore store.ProgressStore,
	hub progress.Publisher,
	clk clock.Clock,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		executor: ex,
		policy:   pol,
		progress: progressStore,
		hub:      hub,
		clock:    clk,
		logger:   logger,
	}
}

// Run executes all items for one step, bounded by the step's concurrency
// budget, and returns every item's outcome in input order. Progress is
// written after each item completion and cleared once the batch finishes;
// the terminal snapshot reaches observers through the hub before the clear.
func (d *Dispatcher) Run(
	ctx context.Context,
	sessionID string,
	stepID string,
	items []json.RawMessage,
	phase progress.Phase,
) (BatchResult, error) {
	key := store.Key{SessionID: sessionID, StepID: stepID}

	// A stale record from a previous run of the same step must not leak into
	// this batch's observers.
	if err := d.progress.Clear(ctx, key); err != nil {
		return BatchResult{}, &BatchInitError{Key: key, err: err}
	}
	tracker := newTracker(d, key, len(items), phase)
	if err := d.progress.Update(ctx, key, tracker.snapshot()); err != nil {
		return BatchResult{}, &BatchInitError{Key: key, err: err}
	}

	results := make([]ItemResult, len(items))
	if len(items) > 0 {
		d.fanOut(ctx, stepID, items, results, tracker)
	}

	final := tracker.finalSnapshot()
	if d.hub != nil {
		d.hub.Publish(key, final)
	}
	if err := d.progress.Update(ctx, key, final); err != nil {
		d.logger.Warn("final progress write failed",
			zap.String("session_id", key.SessionID),
			zap.String("step_id", key.StepID),
			zap.Error(err),
		)
	}
	if err := d.progress.Clear(ctx, key); err != nil {
		d.logger.Warn("progress clear failed",
			zap.String("session_id", key.SessionID),
			zap.String("step_id", key.StepID),
			zap.Error(err),
		)
	}

	out := BatchResult{
		Results:    results,
		Total:      len(items),
		Successful: final.Successful,
		Failed:     final.Failed,
		Elapsed:    final.Elapsed,
	}
	d.logger.Info("batch finished",
		zap.String("session_id", key.SessionID),
		zap.String("step_id", key.StepID),
		zap.Int("total", out.Total),
		zap.Int("successful", out.Successful),
		zap.Int("failed", out.Failed),
		zap.Float64("elapsed_s", out.Elapsed),
	)
	return out, nil
}

// fanOut drains the index channel with a bounded worker pool. Workers write
// results at their own index, so the slice needs no locking.
func (d *Dispatcher) fanOut(
	ctx context.Context,
	stepID string,
	items []json.RawMessage,
	results []ItemResult,
	tracker *batchTracker,
) {
	workers := d.policy.BudgetFor(stepID).Concurrency
	if workers <= 0 {
		workers = 1
	}
	if workers > len(items) {
		workers = len(items)
	}

	indexes := make(chan int)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range indexes {
				results[idx] = d.runItem(ctx, stepID, idx, items[idx])
				tracker.record(ctx, results[idx])
			}
		}()
	}
	for idx := range items {
		indexes <- idx
	}
	close(indexes)
	wg.Wait()
}

// runItem executes one item, converting panics and typed errors into a
// failed result so neighbors keep running.
func (d *Dispatcher) runItem(ctx context.Context, stepID string, idx int, item json.RawMessage) (res ItemResult) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("work item panicked",
				zap.String("step_id", stepID),
				zap.Int("index", idx),
				zap.Any("panic", r),
			)
			metrics.ObserveItemFailure(stepID, executor.KindTransport.String())
			res = ItemResult{
				Index:     idx,
				Error:     fmt.Sprintf("panic: %v", r),
				ErrorKind: executor.KindTransport.String(),
			}
		}
	}()

	data, err := d.executor.Execute(ctx, stepID, item)
	if err != nil {
		kind := executor.KindOf(err).String()
		metrics.ObserveItemFailure(stepID, kind)
		return ItemResult{
			Index:     idx,
			Error:     err.Error(),
			ErrorKind: kind,
		}
	}
	return ItemResult{Index: idx, Success: true, Data: data}
}

// batchTracker owns the shared progress counters. Every item completion
// produces one consistent snapshot that is stored and broadcast.
type batchTracker struct {
	d     *Dispatcher
	key   store.Key
	phase progress.Phase
	start time.Time

	mu         sync.Mutex
	total      int
	completed  int
	successful int
	failed     int
	items      []store.ItemOutcome
}

func newTracker(d *Dispatcher, key store.Key, total int, phase progress.Phase) *batchTracker {
	return &batchTracker{
		d:     d,
		key:   key,
		phase: phase,
		start: d.clock.Now(),
		total: total,
	}
}

// record folds one item outcome into the counters and pushes the resulting
// snapshot to the store and the hub. Store failures are logged and dropped:
// progress is advisory once the batch is running.
func (t *batchTracker) record(ctx context.Context, res ItemResult) {
	t.mu.Lock()
	t.completed++
	if res.Success {
		t.successful++
	} else {
		t.failed++
	}
	t.items = append(t.items, store.ItemOutcome{
		Index:   res.Index,
		Success: res.Success,
		Error:   res.Error,
	})
	if len(t.items) > store.MaxItemLog {
		t.items = t.items[len(t.items)-store.MaxItemLog:]
	}
	snap := t.snapshotLocked()
	t.mu.Unlock()

	if err := t.d.progress.Update(ctx, t.key, snap); err != nil {
		t.d.logger.Warn("progress update failed",
			zap.String("session_id", t.key.SessionID),
			zap.String("step_id", t.key.StepID),
			zap.Error(err),
		)
	}
	if t.d.hub != nil {
		t.d.hub.Publish(t.key, snap)
	}
}

func (t *batchTracker) snapshot() store.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *batchTracker) finalSnapshot() store.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := t.snapshotLocked()
	snap.Done = true
	return snap
}

// snapshotLocked derives elapsed, ETA, and the phase-weighted percentage.
// ETA is the observed per-item average applied to the remaining count.
func (t *batchTracker) snapshotLocked() store.Snapshot {
	now := t.d.clock.Now()
	elapsed := now.Sub(t.start).Seconds()

	var eta float64
	if t.completed > 0 && t.completed < t.total {
		eta = elapsed / float64(t.completed) * float64(t.total-t.completed)
	}

	fraction := 1.0
	if t.total > 0 {
		fraction = float64(t.completed) / float64(t.total)
	}

	items := make([]store.ItemOutcome, len(t.items))
	copy(items, t.items)

	return store.Snapshot{
		Completed:  t.completed,
		Total:      t.total,
		Successful: t.successful,
		Failed:     t.failed,
		Elapsed:    elapsed,
		ETA:        eta,
		Percent:    t.phase.Weight(fraction),
		Items:      items,
		UpdatedAt:  now,
	}
}
