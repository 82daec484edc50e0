package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/stepbatch/stepbatch/internal/config"
)

func testConfig() config.Config {
	cfg := config.Config{}
	cfg.Server.Port = 8080
	cfg.Session.Provider = "memory"
	cfg.Session.ExpiryDays = 7
	cfg.Archive.Provider = "memory"
	cfg.Archive.Prefix = "sessions"
	cfg.Remote.BaseURL = "http://executor.test/v1/complete"
	cfg.Progress.TTLSeconds = 3600
	cfg.Progress.TickMs = 1000
	cfg.Progress.IdleTicks = 300
	return cfg
}

func TestNewAppMemoryProviders(t *testing.T) {
	ctx := context.Background()
	a, err := NewApp(ctx, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, a.Close(context.Background()))
	})

	require.NotNil(t, a.Server())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	a.Server().Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	a.Server().Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Remote.BaseURL = ""
	_, err := NewApp(context.Background(), cfg, zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestNewAppUnknownSessionProvider(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Session.Provider = "etcd"
	_, err := NewApp(context.Background(), cfg, zaptest.NewLogger(t))
	require.Error(t, err)
	require.Contains(t, err.Error(), "session")
}
