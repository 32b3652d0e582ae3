// Package httpclient provides a resilient HTTP client with bounded
// retries for transient failures. It is shared by the stream source and
// the download client adapters.
package httpclient

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Default configuration values.
const (
	DefaultTimeout       = 10 * time.Second
	DefaultRetryAttempts = 2
	DefaultRetryDelay    = 250 * time.Millisecond
)

// Config holds client settings.
type Config struct {
	// Timeout is the overall per-request cap. Callers that need
	// per-call deadlines should use request contexts instead.
	Timeout time.Duration

	// RetryAttempts is the number of retries after the first failure.
	// Only network errors and 5xx responses are retried.
	RetryAttempts int

	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration

	// UserAgent is set on every request when non-empty.
	UserAgent string

	// Jar enables cookie-session upstreams (qBittorrent, Deluge).
	Jar http.CookieJar

	// Logger for retry diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:       DefaultTimeout,
		RetryAttempts: DefaultRetryAttempts,
		RetryDelay:    DefaultRetryDelay,
	}
}

// Client wraps http.Client with retry behavior.
type Client struct {
	cfg  Config
	http *http.Client
}

// New creates a Client from the config.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Jar:     cfg.Jar,
		},
	}
}

// Do executes the request, retrying network errors and 5xx responses.
// Requests with a non-rewindable body are attempted once.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.cfg.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	retries := c.cfg.RetryAttempts
	if req.Body != nil && req.GetBody == nil {
		retries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("rewinding request body: %w", err)
				}
				req.Body = body
			}
			select {
			case <-req.Context().Done():
				return nil, req.Context().Err()
			case <-time.After(c.cfg.RetryDelay):
			}
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if req.Context().Err() != nil {
				return nil, err
			}
			c.cfg.Logger.Debug("request failed, retrying",
				slog.String("url", req.URL.String()),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()))
			continue
		}
		if resp.StatusCode >= 500 && attempt < retries {
			lastErr = fmt.Errorf("server error: %s", resp.Status)
			resp.Body.Close()
			c.cfg.Logger.Debug("server error, retrying",
				slog.String("url", req.URL.String()),
				slog.String("status", resp.Status),
				slog.Int("attempt", attempt+1))
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("request to %s failed after %d attempts: %w", req.URL, retries+1, lastErr)
}

// StandardClient returns an *http.Client whose transport routes through
// this client's retry logic, for code that expects the standard type.
func (c *Client) StandardClient() *http.Client {
	return &http.Client{
		Transport: roundTripper{c},
		Jar:       c.cfg.Jar,
	}
}

type roundTripper struct {
	client *Client
}

func (rt roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return rt.client.Do(req)
}
