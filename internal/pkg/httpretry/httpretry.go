// Package httpretry provides an HTTP client with automatic retry logic,
// exponential backoff, and jitter for resilient external API calls.
// The retry decision itself lives in Policy so it can be tested without I/O.
package httpretry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ignite/attribution-pipeline/internal/pkg/logger"
)

// HTTPDoer is the interface for executing HTTP requests.
// Both *http.Client and *RetryClient satisfy this interface.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Limiter gates outbound attempts against a shared budget. Wait blocks
// until an attempt may proceed or the context is done.
type Limiter interface {
	Wait(ctx context.Context) error
}

// RetryClient wraps an HTTPDoer with the retry Policy.
type RetryClient struct {
	client  HTTPDoer
	policy  Policy
	limiter Limiter
}

// NewRetryClient creates a RetryClient around the given HTTPDoer.
// If client is nil, a default http.Client with 30s timeout is used.
func NewRetryClient(client HTTPDoer, policy Policy) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &RetryClient{client: client, policy: policy}
}

// WithLimiter makes every attempt, including retries, pass through the
// shared limiter so concurrent callers back off collectively rather than
// per-worker.
func (rc *RetryClient) WithLimiter(l Limiter) *RetryClient {
	rc.limiter = l
	return rc
}

// Do executes the HTTP request, retrying per the policy on transient
// failures (429, 5xx, network errors). Client errors (other 4xx) and
// context cancellation are returned immediately. On the final attempt the
// response is returned as-is so the caller can inspect status and body.
// A Retry-After header on a 429 extends the backoff when it is longer.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 1; ; attempt++ {
		if req.Context().Err() != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, req.Context().Err()
		}

		if attempt > 1 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("httpretry: failed to reset request body: %w", err)
			}
			req.Body = body
		}

		if rc.limiter != nil {
			if err := rc.limiter.Wait(req.Context()); err != nil {
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, err
			}
		}

		resp, err := rc.client.Do(req)
		if err != nil {
			lastErr = err
			if req.Context().Err() != nil {
				return nil, err
			}
			d := rc.policy.Decide(attempt, KindNetwork)
			if !d.Retry {
				return nil, lastErr
			}
			if !rc.wait(req, d.After) {
				return nil, lastErr
			}
			continue
		}

		if !Retryable(resp.StatusCode) {
			return resp, nil
		}

		d := rc.policy.Decide(attempt, KindFromStatus(resp.StatusCode))
		if !d.Retry {
			// Out of attempts. Hand the response back for inspection.
			return resp, nil
		}

		delay := d.After
		if ra := retryAfter(resp); ra > delay {
			delay = ra
		}

		// Drain body for connection reuse, then retry.
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: server returned retryable status %d", resp.StatusCode)

		logger.Debug("retrying request",
			"attempt", attempt,
			"max_attempts", rc.policy.MaxAttempts,
			"method", req.Method,
			"host", req.URL.Host,
			"delay", delay.String())

		if !rc.wait(req, delay) {
			return nil, lastErr
		}
	}
}

// wait sleeps for d or until the request context is done. It reports
// whether the full delay elapsed.
func (rc *RetryClient) wait(req *http.Request, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-req.Context().Done():
		return false
	}
}

// retryAfter parses a Retry-After header given in seconds. Absent or
// malformed headers yield 0.
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
