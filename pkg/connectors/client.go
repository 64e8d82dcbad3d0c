package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/shelfsync/shelfsync/pkg/errors"
	"github.com/shelfsync/shelfsync/pkg/platforms"
)

// Client is the shared HTTP plumbing for platform connectors: a rate
// limiter in front of every request and uniform translation of transport
// and status failures into the engine's error taxonomy.
type Client struct {
	platform platforms.Platform
	http     *http.Client
	limiter  *rate.Limiter
}

// NewClient creates a rate-limited API client for a platform. The limiter
// applies across all connections of the platform, which is what the
// marketplaces actually meter.
func NewClient(platform platforms.Platform, limiter *rate.Limiter) *Client {
	return &Client{
		platform: platform,
		http:     &http.Client{Timeout: 30 * time.Second},
		limiter:  limiter,
	}
}

// WithHTTPClient overrides the underlying HTTP client, used by tests to
// point a connector at a stub server.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// DoJSON performs one rate-limited request and decodes the JSON response
// into out (when out is non-nil). The returned response headers let callers
// follow pagination links.
func (c *Client) DoJSON(ctx context.Context, method, url string, headers map[string]string, body, out any) (http.Header, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.NewConnectorTransientError(c.platform, method+" "+url, 0, err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, errors.NewConnectorDataError(c.platform, "encode request", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, errors.NewConnectorDataError(c.platform, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.NewConnectorTransientError(c.platform, method+" "+url, 0, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errors.NewConnectorAuthError(c.platform, method+" "+url,
			fmt.Sprintf("credentials rejected (status %d)", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, errors.NewConnectorTransientError(c.platform, method+" "+url, resp.StatusCode,
			fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, errors.NewConnectorDataError(c.platform, method+" "+url,
			fmt.Errorf("status %d: %s", resp.StatusCode, raw))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, errors.NewConnectorDataError(c.platform, "decode response", err)
		}
	}
	return resp.Header, nil
}
