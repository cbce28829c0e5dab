package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redisbridge/redisbridge/internal/status"
)

// Client talks to one redisbridged instance's Status Surface over
// HTTP. Unlike a long-lived session, a fresh *http.Client request is
// made per call: an operator CLI has no state worth keeping warm
// across invocations.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a Client pointed at a redisbridged status server's
// base URL, e.g. "http://127.0.0.1:9090".
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Status fetches the current status snapshot.
func (c *Client) Status(ctx context.Context) (*status.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status request failed: %s", describeResponse(resp))
	}

	var snap status.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return &snap, nil
}

// Cooldown manually re-enables target by clearing its Disabled flag; a
// target the Health & Failover Monitor put into Cooling stays Cooling
// until its recovery delay elapses.
func (c *Client) Cooldown(ctx context.Context, target string) error {
	url := fmt.Sprintf("%s/targets/%s/cooldown", c.baseURL, target)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cooldown request failed: %s", describeResponse(resp))
	}
	return nil
}

// Ping verifies the status server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Status(ctx)
	return err
}

func describeResponse(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if len(body) == 0 {
		return resp.Status
	}
	return fmt.Sprintf("%s: %s", resp.Status, body)
}
