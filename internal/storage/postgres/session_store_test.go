package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/stepbatch/stepbatch/internal/store"
)

func TestSessionStoreCreate(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO sessions").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), true).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	s, err := NewSessionStoreWithPool(mock, time.Hour)
	require.NoError(t, err)

	sess, err := s.Create(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	require.True(t, sess.Active)
	require.WithinDuration(t, sess.CreatedAt.Add(time.Hour), sess.ExpiresAt, time.Second)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionStoreValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		active    bool
		expiresAt time.Time
		want      bool
	}{
		{name: "active unexpired", active: true, expiresAt: time.Now().Add(time.Hour), want: true},
		{name: "inactive", active: false, expiresAt: time.Now().Add(time.Hour), want: false},
		{name: "expired", active: true, expiresAt: time.Now().Add(-time.Minute), want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			mock, err := pgxmock.NewPool()
			require.NoError(t, err)
			defer mock.Close()

			mock.ExpectQuery("SELECT is_active, expires_at FROM sessions").
				WithArgs("sess-1").
				WillReturnRows(pgxmock.NewRows([]string{"is_active", "expires_at"}).
					AddRow(tc.active, tc.expiresAt))

			s, err := NewSessionStoreWithPool(mock, time.Hour)
			require.NoError(t, err)

			ok, err := s.Validate(context.Background(), "sess-1")
			require.NoError(t, err)
			require.Equal(t, tc.want, ok)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSessionStoreValidateUnknown(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT is_active, expires_at FROM sessions").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"is_active", "expires_at"}))

	s, err := NewSessionStoreWithPool(mock, time.Hour)
	require.NoError(t, err)

	ok, err := s.Validate(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionStoreTouch(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE sessions").
		WithArgs("sess-1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	s, err := NewSessionStoreWithPool(mock, time.Hour)
	require.NoError(t, err)

	require.NoError(t, s.Touch(context.Background(), "sess-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionStoreTouchUnknown(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE sessions").
		WithArgs("missing", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	s, err := NewSessionStoreWithPool(mock, time.Hour)
	require.NoError(t, err)

	err = s.Touch(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
