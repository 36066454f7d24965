// Package httpclient wraps net/http with retry and backoff behaviour shared
// by the LLM adapters, the remote-agent proxy and multimodal resource
// fetching. Retries respect Retry-After when the upstream provides one.
package httpclient

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"
)

// RetryStrategy classifies a response for the retry loop.
type RetryStrategy int

const (
	NoRetry RetryStrategy = iota
	ConservativeRetry
	SmartRetry
)

// Client is a retrying HTTP client. The zero value is not usable; use New.
type Client struct {
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
	strategy   func(int) RetryStrategy
}

// Option customises a Client.
type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

func WithMaxRetries(max int) Option {
	return func(c *Client) {
		c.maxRetries = max
	}
}

func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = delay
	}
}

func WithRetryStrategy(strategy func(int) RetryStrategy) Option {
	return func(c *Client) {
		c.strategy = strategy
	}
}

func New(opts ...Option) *Client {
	c := &Client{
		client:     &http.Client{Timeout: 60 * time.Second},
		maxRetries: 3,
		baseDelay:  2 * time.Second,
		strategy:   DefaultRetryStrategy,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultRetryStrategy retries rate limits and transient upstream failures.
func DefaultRetryStrategy(statusCode int) RetryStrategy {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusServiceUnavailable:
		return SmartRetry
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusGatewayTimeout:
		return ConservativeRetry
	default:
		return NoRetry
	}
}

// Do executes req, retrying per the configured strategy. The request body
// must be rewindable (GetBody set) for retries to re-send it.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("recreating request body for retry: %w", err)
			}
			req.Body = body
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			if req.Context().Err() != nil {
				return nil, err
			}
			if attempt < c.maxRetries {
				if waitErr := c.sleep(req.Context(), c.delay(ConservativeRetry, attempt, 0)); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, lastErr
		}

		strategy := c.strategy(resp.StatusCode)
		if strategy == NoRetry || attempt >= c.maxRetries {
			return resp, nil
		}

		retryAfter := parseRetryAfter(resp.Header)
		resp.Body.Close()
		if waitErr := c.sleep(req.Context(), c.delay(strategy, attempt, retryAfter)); waitErr != nil {
			return nil, waitErr
		}
	}
	return nil, lastErr
}

func (c *Client) delay(strategy RetryStrategy, attempt int, retryAfter time.Duration) time.Duration {
	if strategy == SmartRetry && retryAfter > 0 {
		return retryAfter
	}
	return time.Duration(float64(c.baseDelay) * math.Pow(2, float64(attempt)))
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
