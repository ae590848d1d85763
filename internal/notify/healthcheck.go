package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Healthcheck pings a dead-man's-switch endpoint (healthchecks.io or
// compatible) after each successful cycle, so a silent crash raises an
// alert when the pings stop.
type Healthcheck struct {
	url    string
	client *http.Client
}

// NewHealthcheck creates a Healthcheck pinger. An empty URL disables it.
func NewHealthcheck(url string) *Healthcheck {
	return &Healthcheck{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Ping signals liveness. A no-op when no URL is configured.
func (h *Healthcheck) Ping(ctx context.Context) error {
	if h.url == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return fmt.Errorf("healthcheck: create request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("healthcheck: ping: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("healthcheck: unexpected status %d", resp.StatusCode)
	}
	return nil
}
