// Package sapi talks to the streaming availability provider: an HTTP client
// with a retry decorator, page decoding and the pure show extraction.
package sapi

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultEndpoint is the cursor-paginated catalog search
const DefaultEndpoint = "/shows/search/filters"

// maxErrorBody caps how much of a failed response is kept on HTTPError
const maxErrorBody = 4096

// Fetcher retrieves one response body for endpoint and params
type Fetcher interface {
	Fetch(ctx context.Context, endpoint string, params url.Values) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher
type FetcherFunc func(ctx context.Context, endpoint string, params url.Values) ([]byte, error)

// Fetch calls f
func (f FetcherFunc) Fetch(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	return f(ctx, endpoint, params)
}

// HTTPError is returned for any non-2xx response
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("sapi: %s", e.Status)
	}
	return fmt.Sprintf("sapi: %s: %s", e.Status, e.Body)
}

// ClientConfig holds credentials and transport settings
type ClientConfig struct {
	BaseURL string
	APIKey  string
	APIHost string
	Timeout time.Duration
}

// Client is a thin HTTP client for the provider API
type Client struct {
	baseURL string
	apiKey  string
	apiHost string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a client. A nil logger discards request logs.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		apiHost: cfg.APIHost,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Fetch issues GET {base_url}/{endpoint}?params and returns the body verbatim
func (c *Client) Fetch(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	u := c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("x-rapidapi-key", c.apiKey)
	req.Header.Set("x-rapidapi-host", c.apiHost)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	c.logger.Debug("sapi request", "endpoint", endpoint, "params", params.Encode())

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("sapi request failed",
			"endpoint", endpoint,
			"latency_ms", time.Since(start).Milliseconds(),
			"error", err)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		httpErr := &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(body)),
		}
		c.logger.Error("sapi request failed",
			"endpoint", endpoint,
			"status", resp.StatusCode,
			"latency_ms", time.Since(start).Milliseconds(),
			"error", httpErr)
		return nil, httpErr
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	c.logger.Info("sapi request ok",
		"endpoint", endpoint,
		"status", resp.StatusCode,
		"latency_ms", time.Since(start).Milliseconds())

	return body, nil
}
