package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/stepbatch/stepbatch/internal/policy/ratelimit"
)

// maxErrorBody bounds how much of an upstream error body is kept for logs.
const maxErrorBody = 2048

// HTTPConfig controls the HTTP executor client.
type HTTPConfig struct {
	// BaseURL is the executor endpoint, e.g. https://executor.internal/v1/complete.
	BaseURL string `mapstructure:"base_url"`
	// APIKey is sent as a bearer token when set.
	APIKey string `mapstructure:"api_key"`
	// Timeout bounds the whole request when the caller's context carries no
	// deadline. Per-item budgets normally arrive via ctx.
	Timeout time.Duration `mapstructure:"timeout"`
}

// HTTPCaller submits work items to the upstream executor over HTTP.
type HTTPCaller struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter *ratelimit.Limiter
}

// NewHTTPCaller builds the client. limiter may be nil to disable rate limiting.
func NewHTTPCaller(cfg HTTPConfig, limiter *ratelimit.Limiter) (*HTTPCaller, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("remote.base_url is required")
	}
	return &HTTPCaller{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: newHTTPTransport(),
		},
		limiter: limiter,
	}, nil
}

// Call posts the request and decodes the JSON response. All failures to reach
// the endpoint or read the body come back as plain errors; the executor layer
// classifies them.
func (c *HTTPCaller) Call(ctx context.Context, req Request) (Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, c.cfg.BaseURL); err != nil {
			return Response{}, err
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return Response{}, fmt.Errorf("executor returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
