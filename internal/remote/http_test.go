package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPCallerRoundTrip(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "4", req.StepID)
		require.Equal(t, 32000, req.MaxTokens)
		require.JSONEq(t, `{"text":"analyze this"}`, string(req.Input))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"output":{"answer":42}}`))
	}))
	defer srv.Close()

	c, err := NewHTTPCaller(HTTPConfig{BaseURL: srv.URL, APIKey: "secret"}, nil)
	require.NoError(t, err)

	resp, err := c.Call(context.Background(), Request{
		StepID:    "4",
		Input:     json.RawMessage(`{"text":"analyze this"}`),
		MaxTokens: 32000,
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"answer":42}`, string(resp.Output))
}

func TestHTTPCallerUpstreamError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "executor overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := NewHTTPCaller(HTTPConfig{BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	_, err = c.Call(context.Background(), Request{StepID: "6"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "503")
	require.Contains(t, err.Error(), "executor overloaded")
}

func TestHTTPCallerHonorsContextDeadline(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := NewHTTPCaller(HTTPConfig{BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = c.Call(ctx, Request{StepID: "7"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHTTPCallerRequiresBaseURL(t *testing.T) {
	t.Parallel()

	_, err := NewHTTPCaller(HTTPConfig{}, nil)
	require.Error(t, err)
}

func TestHTTPCallerMalformedResponseBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json at all"))
	}))
	defer srv.Close()

	c, err := NewHTTPCaller(HTTPConfig{BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	_, err = c.Call(context.Background(), Request{StepID: "8"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode response")
}
