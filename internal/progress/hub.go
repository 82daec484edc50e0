package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/stepbatch/stepbatch/internal/store"
)

// Config controls buffering for the Hub.
//   - CommandBuffer: size of the internal command channel (default 256).
//   - SubscriberBuffer: per-subscription snapshot buffer (default 16).
//   - SinkTimeout: per-sink timeout while consuming a snapshot (default 5s).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	CommandBuffer    int
	SubscriberBuffer int
	SinkTimeout      time.Duration
	BaseContext      context.Context
	Logger           *zap.Logger
}

const (
	defaultCommandBuffer    = 256
	defaultSubscriberBuffer = 16
	defaultSinkTimeout      = 5 * time.Second
	dropLogInterval         = 5 * time.Second
)

// Hub fans batch snapshots out to per-key subscribers and static sinks. A
// single goroutine owns the subscriber registry; all access goes through the
// command channel, so publishers and subscribers never share a lock.
type Hub struct {
	cfg         Config
	sinks       []Sink
	cmds        chan command
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *zap.Logger
	dropLimiter rateLimiter
	dropped     atomic.Int64
	closed      atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// Subscription is one observer's view of a progress key. Snapshots arrive on
// C; the channel is closed when the subscription or the hub shuts down.
type Subscription struct {
	key       store.Key
	ch        chan store.Snapshot
	hub       *Hub
	closeOnce sync.Once
}

// C returns the snapshot delivery channel.
func (s *Subscription) C() <-chan store.Snapshot {
	return s.ch
}

// Close detaches the subscription from the hub. Safe to call multiple times;
// the delivery channel is closed by the hub goroutine.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.hub.send(command{unsubscribe: s})
	})
}

type command struct {
	subscribe   *Subscription
	unsubscribe *Subscription
	publish     *publishCmd
}

type publishCmd struct {
	key  store.Key
	snap store.Snapshot
}

// NewHub initializes a Hub and starts the background goroutine with the
// supplied sinks. The returned Hub is immediately ready for use.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.CommandBuffer <= 0 {
		cfg.CommandBuffer = defaultCommandBuffer
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		cmds:        make(chan command, cfg.CommandBuffer),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger,
		dropLimiter: rateLimiter{interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Subscribe registers an observer for key. The caller must Close the returned
// Subscription when done watching.
func (h *Hub) Subscribe(key store.Key) *Subscription {
	sub := &Subscription{
		key: key,
		ch:  make(chan store.Snapshot, h.cfg.SubscriberBuffer),
		hub: h,
	}
	if !h.send(command{subscribe: sub}) {
		close(sub.ch)
	}
	return sub
}

// Publish relays a snapshot to every subscriber of key and to all sinks. It
// never blocks; if the hub is saturated the snapshot is dropped and a
// rate-limited warning is logged.
func (h *Hub) Publish(key store.Key, snap store.Snapshot) {
	if h == nil {
		return
	}
	if !h.send(command{publish: &publishCmd{key: key, snap: snap}}) {
		h.dropped.Add(1)
		if h.dropLimiter.Allow(time.Now()) {
			count := h.dropped.Swap(0)
			h.logger.Warn("progress snapshots dropped due to backpressure", zap.Int64("dropped", count))
		}
	}
}

// Close drains pending commands, closes subscriber channels and sinks, and
// blocks until the background goroutine exits. Safe to call multiple times.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) send(cmd command) bool {
	if h.closed.Load() {
		return false
	}
	select {
	case h.cmds <- cmd:
		return true
	case <-h.stopCh:
		return false
	default:
		return false
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	subs := make(map[store.Key]map[*Subscription]struct{})
	for {
		select {
		case cmd := <-h.cmds:
			h.handle(subs, cmd)
		case <-h.stopCh:
			h.drain(subs)
			return
		}
	}
}

func (h *Hub) handle(subs map[store.Key]map[*Subscription]struct{}, cmd command) {
	switch {
	case cmd.subscribe != nil:
		sub := cmd.subscribe
		if subs[sub.key] == nil {
			subs[sub.key] = make(map[*Subscription]struct{})
		}
		subs[sub.key][sub] = struct{}{}
	case cmd.unsubscribe != nil:
		sub := cmd.unsubscribe
		if set, ok := subs[sub.key]; ok {
			if _, ok := set[sub]; ok {
				delete(set, sub)
				close(sub.ch)
			}
			if len(set) == 0 {
				delete(subs, sub.key)
			}
		}
	case cmd.publish != nil:
		h.deliver(subs[cmd.publish.key], cmd.publish.snap)
		h.consumeSinks(cmd.publish.key, cmd.publish.snap)
	}
}

// deliver pushes the snapshot to each subscriber without blocking. A full
// buffer sheds its oldest entry first so slow observers always converge on the
// most recent counters.
func (h *Hub) deliver(set map[*Subscription]struct{}, snap store.Snapshot) {
	for sub := range set {
		select {
		case sub.ch <- snap:
			continue
		default:
		}
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- snap:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) consumeSinks(key store.Key, snap store.Snapshot) {
	baseCtx := h.cfg.BaseContext
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(baseCtx, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, key, snap); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) drain(subs map[store.Key]map[*Subscription]struct{}) {
	for {
		select {
		case cmd := <-h.cmds:
			h.handle(subs, cmd)
		default:
			for _, set := range subs {
				for sub := range set {
					close(sub.ch)
				}
			}
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
