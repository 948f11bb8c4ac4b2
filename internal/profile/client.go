// Package profile fetches member profiles from the external profile API.
//
// Every attempt runs through a circuit breaker shared by all callers and is
// bounded by a per-attempt timeout; attempts are driven by a backoff retrier.
// A 404 is an answer, not a failure: it returns ErrNotFound and leaves the
// breaker untouched.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tally/pkg/platform/circuit"
	"tally/pkg/platform/retry"
	"tally/pkg/platform/ttlcache"
)

const (
	DefaultTimeout = 10 * time.Second
	// maxErrorBody caps how much of an error response is kept for logs.
	maxErrorBody = 512
)

// Client calls GET {base}/profiles/{id}.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *circuit.Breaker
	retrier *retry.Retrier
	cache   *ttlcache.Cache[*Profile]
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithBreaker shares a breaker with other users of the same API.
func WithBreaker(b *circuit.Breaker) Option {
	return func(c *Client) {
		if b != nil {
			c.breaker = b
		}
	}
}

// WithRetrier sets the retry policy for Fetch.
func WithRetrier(r *retry.Retrier) Option {
	return func(c *Client) {
		if r != nil {
			c.retrier = r
		}
	}
}

// WithCache caches found profiles. Absent profiles are not cached.
func WithCache(cache *ttlcache.Cache[*Profile]) Option {
	return func(c *Client) {
		c.cache = cache
	}
}

// WithTimeout bounds each attempt. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    http.DefaultClient,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = circuit.New("profile_api", circuit.WithLogger(c.logger))
	}
	if c.retrier == nil {
		c.retrier = retry.New(retry.DefaultPolicy(), retry.WithName("profile_fetch"), retry.WithLogger(c.logger))
	}
	return c
}

// Breaker exposes the breaker for status reporting.
func (c *Client) Breaker() *circuit.Breaker {
	return c.breaker
}

// Fetch returns the profile for id.
//
// Errors: ErrNotFound when the API has no such profile; an *APIError with
// ErrorBadRequest when the API rejected the request; an error matching
// ErrUnavailable when the breaker rejected the call or retries ran out (the
// cause, including circuit.ErrOpen, is still reachable with errors.Is); the
// caller's context error when ctx ends first.
func (c *Client) Fetch(ctx context.Context, id string) (*Profile, error) {
	if c.cache != nil {
		if p, ok := c.cache.Get(id); ok {
			return p, nil
		}
	}
	var gen uint64
	if c.cache != nil {
		gen = c.cache.Generation(id)
	}

	p, err := retry.Value(ctx, c.retrier, func(attemptCtx context.Context) (*Profile, error) {
		p, err := c.attempt(attemptCtx, id)
		if err != nil && ctx.Err() != nil {
			return nil, retry.Stop(err)
		}
		return p, err
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound), isCategory(err, ErrorBadRequest):
			return nil, err
		case ctx.Err() != nil:
			return nil, err
		}
		c.logger.WarnContext(ctx, "profile lookup unavailable",
			"profile_id", id,
			"breaker_state", c.breaker.State().String(),
			"error", err,
		)
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	if c.cache != nil {
		c.cache.SetIfGeneration(id, p, gen)
	}
	return p, nil
}

// attempt makes one breaker-guarded call and tells the retrier whether
// another attempt is worthwhile.
func (c *Client) attempt(ctx context.Context, id string) (*Profile, error) {
	// Answers that say nothing about the API's health are carried out of the
	// breaker here so it records the call as a success.
	var answered error
	p, err := circuit.Run(ctx, c.breaker, func(ctx context.Context) (*Profile, error) {
		p, err := c.get(ctx, id)
		if errors.Is(err, ErrNotFound) || isCategory(err, ErrorBadRequest) {
			answered = err
			return nil, nil
		}
		return p, err
	})
	if answered != nil {
		return nil, retry.Stop(answered)
	}
	if err == nil {
		return p, nil
	}
	if circuit.IsOpen(err) || !IsRetryable(err) {
		return nil, retry.Stop(err)
	}
	return nil, err
}

func (c *Client) get(ctx context.Context, id string) (*Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.baseURL + "/profiles/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &APIError{Category: ErrorBadRequest, Message: "build request", Underlying: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &APIError{Category: ErrorTimeout, Message: "request timed out", Underlying: err}
		}
		return nil, &APIError{Category: ErrorTransport, Message: "request failed", Underlying: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("profile %s: %w", id, ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, statusError(resp, ErrorRateLimited)
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, statusError(resp, ErrorUpstream)
	default:
		return nil, statusError(resp, ErrorBadRequest)
	}

	var p Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &APIError{Category: ErrorTimeout, Message: "reading response timed out", Underlying: err}
		}
		return nil, &APIError{Category: ErrorBadData, Message: "decode profile", Underlying: err}
	}
	if p.ID == "" {
		p.ID = id
	}
	return &p, nil
}

func statusError(resp *http.Response, category ErrorCategory) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{Category: category, StatusCode: resp.StatusCode, Message: msg}
}

func isCategory(err error, category ErrorCategory) bool {
	got, ok := CategoryOf(err)
	return ok && got == category
}
