package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stepbatch/stepbatch/internal/store"
)

// TestSessionStoreLifecycle exercises create/validate/touch for a healthy
// session.
func TestSessionStoreLifecycle(t *testing.T) {
	t.Parallel()

	s := NewSessionStore(time.Hour)
	ctx := context.Background()

	sess, err := s.Create(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	require.True(t, sess.Active)

	ok, err := s.Validate(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Touch(ctx, sess.ID))
}

// TestSessionStoreRejectsUnknownAndInactive covers the invalid-session paths.
func TestSessionStoreRejectsUnknownAndInactive(t *testing.T) {
	t.Parallel()

	s := NewSessionStore(time.Hour)
	ctx := context.Background()

	ok, err := s.Validate(ctx, "nope")
	require.NoError(t, err)
	require.False(t, ok)

	require.ErrorIs(t, s.Touch(ctx, "nope"), store.ErrNotFound)

	sess, err := s.Create(ctx)
	require.NoError(t, err)
	s.Deactivate(sess.ID)

	ok, err = s.Validate(ctx, sess.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

// TestSessionStoreExpiry ensures an expired session fails validation.
func TestSessionStoreExpiry(t *testing.T) {
	t.Parallel()

	s := NewSessionStore(10 * time.Millisecond)
	ctx := context.Background()

	sess, err := s.Create(ctx)
	require.NoError(t, err)
	time.Sleep(25 * time.Millisecond)

	ok, err := s.Validate(ctx, sess.ID)
	require.NoError(t, err)
	require.False(t, ok)
}
