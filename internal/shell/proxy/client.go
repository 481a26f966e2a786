package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-cleanhttp"
)

// AdminClient talks to the proxy's loopback admin API. The one-shot deploy
// command uses it to perform the cutover against the long-lived proxy.
type AdminClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewAdminClient creates a client for the admin API at addr (host:port).
func NewAdminClient(addr string) *AdminClient {
	return &AdminClient{
		baseURL:    fmt.Sprintf("http://%s", addr),
		httpClient: cleanhttp.DefaultClient(),
	}
}

// Swap points the public proxy at a new upstream target (host:port).
func (c *AdminClient) Swap(ctx context.Context, target string) error {
	body, err := json.Marshal(upstreamPayload{Target: target})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/v1/upstream", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("proxy admin unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("upstream swap rejected: %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	return nil
}

// Current returns the proxy's current upstream target, or ErrNoUpstream.
func (c *AdminClient) Current(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/upstream", nil)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("proxy admin unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrNoUpstream
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected admin response: %s", resp.Status)
	}

	var payload upstreamPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", err
	}
	return payload.Target, nil
}
