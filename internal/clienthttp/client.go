package clienthttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sheerbytes/hfrelay/internal/logging"
)

// DefaultBaseDelay is the backoff unit: retry n waits DefaultBaseDelay * 2^n.
const DefaultBaseDelay = time.Second

const userAgent = "hfrelay/0.1"

// FetchError is returned once every attempt of a GET has failed.
type FetchError struct {
	URL        string
	Attempts   int
	StatusCode int // last HTTP status, 0 for network failures
	Reason     string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempts: %s", e.URL, e.Attempts, e.Reason)
}

// StatusError reports a non-2xx response for a single attempt.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	if e.Status != "" {
		return "HTTP " + e.Status
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// Client performs GET requests with bounded exponential-backoff retry.
type Client struct {
	httpClient *http.Client
	baseDelay  time.Duration
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseDelay sets the backoff unit (tests use a few milliseconds).
func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) { c.baseDelay = d }
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client. Content downloads can be many gigabytes, so there is
// no overall request timeout; only the wait for response headers is bounded.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 30 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				IdleConnTimeout:       90 * time.Second,
				MaxIdleConnsPerHost:   4,
			},
		},
		baseDelay: DefaultBaseDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrDiscard(c.logger)
	return c
}

// BaseDelay returns the configured backoff unit.
func (c *Client) BaseDelay() time.Duration {
	return c.baseDelay
}

// Get issues a GET with up to maxAttempts attempts. A bearer header is added
// when token is non-empty. Non-2xx responses and network errors count as
// failed attempts. On success the caller owns the response body.
func (c *Client) Get(ctx context.Context, url, token string, maxAttempts int) (*http.Response, error) {
	return c.GetNotify(ctx, url, token, maxAttempts, nil)
}

// GetNotify is Get with a hook invoked before each backoff wait.
func (c *Client) GetNotify(ctx context.Context, url, token string, maxAttempts int, notify RetryNotify) (*http.Response, error) {
	var resp *http.Response
	attempts, err := Retry(ctx, c.baseDelay, maxAttempts, func(attempt int) error {
		r, err := c.GetOnce(ctx, url, token)
		if err != nil {
			c.logger.Debug("get attempt failed", "url", url, "attempt", attempt, "error", err)
			return err
		}
		resp = r
		return nil
	}, notify)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, err
		}
		fe := &FetchError{URL: url, Attempts: attempts, Reason: err.Error()}
		var se *StatusError
		if errors.As(err, &se) {
			fe.StatusCode = se.StatusCode
		}
		return nil, fe
	}
	return resp, nil
}

// GetOnce performs a single GET attempt. Non-2xx responses are closed and
// returned as *StatusError.
func (c *Client) GetOnce(ctx context.Context, url, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		_ = resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return resp, nil
}
