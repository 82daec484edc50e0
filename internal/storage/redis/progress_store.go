// Package redis implements the primary progress tier on Redis hashes.
// Counters live as individual hash fields under progress:{session}:{step}
// with a TTL so crashed batches self-expire. Connection failures surface as
// store.ErrUnavailable so the failover layer can route to the fallback tier.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stepbatch/stepbatch/internal/store"
)

// DefaultTTL is applied to every progress record so abandoned batches expire.
const DefaultTTL = time.Hour

// Config controls the Redis connection and record expiry.
type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// ProgressStore implements store.ProgressStore on a Redis hash per key.
type ProgressStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

// New dials Redis with the provided config.
func New(cfg Config) *ProgressStore {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	return NewWithClient(client, cfg.TTL)
}

// NewWithClient wraps an existing client (primarily for testing).
func NewWithClient(client redis.Cmdable, ttl time.Duration) *ProgressStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ProgressStore{client: client, ttl: ttl}
}

// Close releases the connection pool when the store owns its client.
func (s *ProgressStore) Close() error {
	if closer, ok := s.client.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// Ping probes connectivity for health reporting.
func (s *ProgressStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("redis ping", err)
	}
	return nil
}

// Update writes the full snapshot as one HSET and refreshes the TTL. The
// single HSET keeps the field group atomic: a concurrent HGETALL sees either
// the old counters or the new ones, never a mix.
func (s *ProgressStore) Update(ctx context.Context, key store.Key, snap store.Snapshot) error {
	items, err := json.Marshal(snap.Items)
	if err != nil {
		return fmt.Errorf("marshal item log: %w", err)
	}
	fields := map[string]any{
		"completed":  snap.Completed,
		"total":      snap.Total,
		"successful": snap.Successful,
		"failed":     snap.Failed,
		"elapsed":    snap.Elapsed,
		"eta":        snap.ETA,
		"percent":    snap.Percent,
		"items":      string(items),
		"updated_at": snap.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if err := s.client.HSet(ctx, progressKey(key), fields).Err(); err != nil {
		return unavailable("redis hset", err)
	}
	if err := s.client.Expire(ctx, progressKey(key), s.ttl).Err(); err != nil {
		return unavailable("redis expire", err)
	}
	return nil
}

// Get loads the snapshot or returns store.ErrNotFound when no record exists.
func (s *ProgressStore) Get(ctx context.Context, key store.Key) (store.Snapshot, error) {
	data, err := s.client.HGetAll(ctx, progressKey(key)).Result()
	if err != nil {
		return store.Snapshot{}, unavailable("redis hgetall", err)
	}
	if len(data) == 0 {
		return store.Snapshot{}, store.ErrNotFound
	}
	return parseSnapshot(data)
}

// Clear deletes the record; a missing key is a no-op.
func (s *ProgressStore) Clear(ctx context.Context, key store.Key) error {
	if err := s.client.Del(ctx, progressKey(key)).Err(); err != nil {
		return unavailable("redis del", err)
	}
	return nil
}

func progressKey(key store.Key) string {
	return fmt.Sprintf("progress:%s:%s", key.SessionID, key.StepID)
}

func unavailable(op string, err error) error {
	if errors.Is(err, redis.Nil) {
		return store.ErrNotFound
	}
	return fmt.Errorf("%s: %v: %w", op, err, store.ErrUnavailable)
}

func parseSnapshot(data map[string]string) (store.Snapshot, error) {
	var snap store.Snapshot
	var err error
	if snap.Completed, err = intField(data, "completed"); err != nil {
		return store.Snapshot{}, err
	}
	if snap.Total, err = intField(data, "total"); err != nil {
		return store.Snapshot{}, err
	}
	if snap.Successful, err = intField(data, "successful"); err != nil {
		return store.Snapshot{}, err
	}
	if snap.Failed, err = intField(data, "failed"); err != nil {
		return store.Snapshot{}, err
	}
	if snap.Elapsed, err = floatField(data, "elapsed"); err != nil {
		return store.Snapshot{}, err
	}
	if snap.ETA, err = floatField(data, "eta"); err != nil {
		return store.Snapshot{}, err
	}
	if snap.Percent, err = floatField(data, "percent"); err != nil {
		return store.Snapshot{}, err
	}
	if raw := data["items"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &snap.Items); err != nil {
			return store.Snapshot{}, fmt.Errorf("decode item log: %w", err)
		}
	}
	if raw := data["updated_at"]; raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return store.Snapshot{}, fmt.Errorf("decode updated_at: %w", err)
		}
		snap.UpdatedAt = ts
	}
	return snap, nil
}

func intField(data map[string]string, field string) (int, error) {
	raw, ok := data[field]
	if !ok || raw == "" {
		return 0, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("decode %s: %w", field, err)
	}
	return val, nil
}

func floatField(data map[string]string, field string) (float64, error) {
	raw, ok := data[field]
	if !ok || raw == "" {
		return 0, nil
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("decode %s: %w", field, err)
	}
	return val, nil
}
