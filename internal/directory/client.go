package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ErrUpstream marks any failure to obtain a usable dataset from the upstream
// directory: network errors, timeouts, non-2xx statuses, and payloads that do
// not parse into the expected shape. Callers test with errors.Is.
var ErrUpstream = errors.New("licensee directory upstream unavailable")

const defaultMaxResponseBytes = 16 << 20

// payload is the envelope the upstream wraps the dataset in.
type payload struct {
	Success bool     `json:"success"`
	Data    []Record `json:"data"`
}

// Client fetches the full licensee dataset from the configured endpoint.
// It performs a single attempt per call; retry policy belongs to the caller.
type Client struct {
	url        string
	httpClient *http.Client
	maxBytes   int64
	logger     *slog.Logger

	// Metric hooks, set by the server during wiring. May be nil.
	OnFetch   func()
	OnError   func()
	OnLatency func(seconds float64)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout bounds a single dataset fetch. Default: 10s.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithMaxResponseBytes caps the upstream response body. Default: 16 MiB.
func WithMaxResponseBytes(n int64) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxBytes = n
		}
	}
}

// WithClientLogger sets the logger for fetch diagnostics.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithHTTPClient replaces the underlying HTTP client. Mostly for tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates an upstream directory client for the given endpoint.
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		maxBytes:   defaultMaxResponseBytes,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// FetchAll retrieves the complete dataset. Any failure — transport, status,
// oversized body, or shape mismatch — wraps ErrUpstream. Malformed records
// fail the whole fetch rather than flowing downstream.
func (c *Client) FetchAll(ctx context.Context) ([]Record, error) {
	if c.OnFetch != nil {
		c.OnFetch()
	}
	start := time.Now()

	records, err := c.fetch(ctx)

	if c.OnLatency != nil {
		c.OnLatency(time.Since(start).Seconds())
	}
	if err != nil {
		if c.OnError != nil {
			c.OnError()
		}
		c.logger.Warn("upstream fetch failed", "url", c.url, "error", err)
		return nil, err
	}

	c.logger.Debug("upstream fetch succeeded", "url", c.url, "records", len(records))
	return records, nil
}

func (c *Client) fetch(ctx context.Context) ([]Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrUpstream, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUpstream, err)
	}
	if int64(len(body)) > c.maxBytes {
		return nil, fmt.Errorf("%w: response exceeds %d bytes", ErrUpstream, c.maxBytes)
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: decode payload: %v", ErrUpstream, err)
	}
	if !p.Success || p.Data == nil {
		return nil, fmt.Errorf("%w: unexpected payload shape", ErrUpstream)
	}

	for i, rec := range p.Data {
		if !rec.Valid() {
			return nil, fmt.Errorf("%w: record %d missing required fields", ErrUpstream, i)
		}
	}

	return p.Data, nil
}
