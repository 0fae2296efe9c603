// Package upstreamprobe implements spec.md §4.D: a short-timeout HTTP GET
// against a browser's own debugging port, used both to extract the
// WebSocket debugger URL for the proxy and for ad hoc diagnostics.
package upstreamprobe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"bpgateway/utils/recovery"
)

// Prober performs fetch_chrome_data against localhost debugging ports.
type Prober struct {
	client  *http.Client
	retrier *recovery.Retrier
	log     *zap.Logger
}

// New builds a Prober with the given per-request timeout. A freshly
// launched instance's debugging port can refuse connections for the
// first few milliseconds, so Fetch retries connection-level failures a
// handful of times before giving up.
func New(timeout time.Duration, log *zap.Logger) *Prober {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	retryCfg := recovery.DefaultRetryConfig()
	retryCfg.MaxAttempts = 3
	retryCfg.InitialDelay = 25 * time.Millisecond
	retryCfg.MaxDelay = 200 * time.Millisecond
	return &Prober{
		client:  &http.Client{Timeout: timeout},
		retrier: recovery.NewRetrier(retryCfg),
		log:     log,
	}
}

// Fetch performs a GET against http://localhost:{port}{path} and returns
// the parsed JSON body, or nil if the instance is unreachable or
// responded with anything other than 200.
func (p *Prober) Fetch(ctx context.Context, port int, path string) (map[string]any, error) {
	url := fmt.Sprintf("http://localhost:%d%s", port, path)

	result, err := p.retrier.DoWithResult(ctx, func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("connection error: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("non-retryable status %d", resp.StatusCode)
		}

		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("non-retryable decode error: %w", err)
		}
		return body, nil
	})
	if err != nil {
		p.log.Debug("upstreamprobe: fetch failed", zap.Int("port", port), zap.String("path", path), zap.Error(err))
		return nil, nil
	}
	return result.(map[string]any), nil
}

// WebSocketDebuggerURL fetches /json/version and extracts
// webSocketDebuggerUrl, returning "" if the endpoint is unreachable or
// the field is absent (spec.md §4.F's close-code-4004 trigger).
func (p *Prober) WebSocketDebuggerURL(ctx context.Context, port int) string {
	body, _ := p.Fetch(ctx, port, "/json/version")
	if body == nil {
		return ""
	}
	url, _ := body["webSocketDebuggerUrl"].(string)
	return url
}
