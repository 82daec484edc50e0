package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stepbatch/stepbatch/internal/store"
)

// PrometheusSink exports batch progress via Prometheus. It owns all collectors
// for batches started/completed/running and per-step item counters.
type PrometheusSink struct {
	batchesStarted   *prometheus.CounterVec
	batchesCompleted *prometheus.CounterVec
	batchesRunning   prometheus.Gauge
	batchRuntime     *prometheus.HistogramVec

	itemsCompleted *prometheus.CounterVec

	tracker *batchTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		batchesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepbatch_batches_started_total",
			Help: "Total batches observed starting, partitioned by step.",
		}, []string{"step"}),
		batchesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepbatch_batches_completed_total",
			Help: "Total batches finished, partitioned by step and result.",
		}, []string{"step", "result"}),
		batchesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stepbatch_batches_running",
			Help: "Current number of in-flight batches.",
		}),
		batchRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stepbatch_batch_runtime_seconds",
			Help:    "Wall time per completed batch.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"step"}),
		itemsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepbatch_items_completed_total",
			Help: "Item completions partitioned by step and result.",
		}, []string{"step", "result"}),
		tracker: newBatchTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.batchesStarted,
		s.batchesCompleted,
		s.batchesRunning,
		s.batchRuntime,
		s.itemsCompleted,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from a snapshot. Item counters are derived
// from deltas against the previously observed snapshot for the same key, so
// re-deliveries never double count.
func (s *PrometheusSink) Consume(_ context.Context, key store.Key, snap store.Snapshot) error {
	prev, started := s.tracker.observe(key, snap)
	if !started {
		s.batchesStarted.WithLabelValues(key.StepID).Inc()
		s.batchesRunning.Inc()
	}
	if d := snap.Successful - prev.Successful; d > 0 {
		s.itemsCompleted.WithLabelValues(key.StepID, "success").Add(float64(d))
	}
	if d := snap.Failed - prev.Failed; d > 0 {
		s.itemsCompleted.WithLabelValues(key.StepID, "failure").Add(float64(d))
	}
	if snap.Done && s.tracker.complete(key) {
		result := "success"
		if snap.TimedOut {
			result = "timeout"
		} else if snap.Failed > 0 {
			result = "partial"
		}
		s.batchesCompleted.WithLabelValues(key.StepID, result).Inc()
		s.batchesRunning.Dec()
		if snap.Elapsed > 0 {
			s.batchRuntime.WithLabelValues(key.StepID).Observe(snap.Elapsed)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type batchTracker struct {
	mu      sync.Mutex
	running map[store.Key]store.Snapshot
}

func newBatchTracker() *batchTracker {
	return &batchTracker{running: make(map[store.Key]store.Snapshot)}
}

// observe records the latest snapshot and returns the previous one plus
// whether the key was already tracked.
func (t *batchTracker) observe(key store.Key, snap store.Snapshot) (store.Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.running[key]
	t.running[key] = snap
	return prev, ok
}

func (t *batchTracker) complete(key store.Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[key]; !ok {
		return false
	}
	delete(t.running, key)
	return true
}
