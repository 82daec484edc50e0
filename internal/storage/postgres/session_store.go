// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stepbatch/stepbatch/internal/store"
)

// DefaultSessionExpiry matches the week-long session lifetime granted at creation.
const DefaultSessionExpiry = 7 * 24 * time.Hour

// SessionStoreConfig controls the Postgres connection pool used for session rows.
type SessionStoreConfig struct {
	DSN             string
	Expiry          time.Duration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type sessionPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// SessionStore persists sessions in a Postgres table.
type SessionStore struct {
	pool   sessionPool
	expiry time.Duration
}

// NewSessionStore creates a Postgres-backed SessionStore using the provided config.
func NewSessionStore(ctx context.Context, cfg SessionStoreConfig) (*SessionStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &SessionStore{pool: pool, expiry: normalizeExpiry(cfg.Expiry)}, nil
}

// NewSessionStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewSessionStoreWithPool(pool sessionPool, expiry time.Duration) (*SessionStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &SessionStore{pool: pool, expiry: normalizeExpiry(expiry)}, nil
}

// Close releases the underlying pool resources.
func (s *SessionStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Create inserts a new active session with the configured expiry.
func (s *SessionStore) Create(ctx context.Context) (store.Session, error) {
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
	query := `
INSERT INTO sessions (id, created_at, last_accessed_at, expires_at, is_active)
VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.pool.Exec(ctx, query, sess.ID, sess.CreatedAt, sess.LastAccessedAt, sess.ExpiresAt, sess.Active); err != nil {
		return store.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// Validate reports whether the session exists, is active, and has not expired.
func (s *SessionStore) Validate(ctx context.Context, id string) (bool, error) {
	query := `SELECT is_active, expires_at FROM sessions WHERE id = $1`
	var active bool
	var expiresAt time.Time
	err := s.pool.QueryRow(ctx, query, id).Scan(&active, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query session: %w", err)
	}
	return active && expiresAt.After(time.Now().UTC()), nil
}

// Touch refreshes last-accessed and extends the expiry window.
func (s *SessionStore) Touch(ctx context.Context, id string) error {
	now := time.Now().UTC()
	query := `
UPDATE sessions
SET last_accessed_at = $2, expires_at = $3
WHERE id = $1 AND is_active`
	tag, err := s.pool.Exec(ctx, query, id, now, now.Add(s.expiry))
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func normalizeExpiry(expiry time.Duration) time.Duration {
	if expiry <= 0 {
		return DefaultSessionExpiry
	}
	return expiry
}
