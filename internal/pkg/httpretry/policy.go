package httpretry

import (
	"math"
	"math/rand"
	"net/http"
	"time"
)

// ErrorKind classifies a failed attempt for the retry decision.
type ErrorKind int

const (
	// KindNetwork is a connection, timeout, or other transport error.
	KindNetwork ErrorKind = iota
	// KindRateLimited is an HTTP 429 from the service.
	KindRateLimited
	// KindServerError is an HTTP 5xx from the service.
	KindServerError
	// KindClientError is any other HTTP 4xx; never retried.
	KindClientError
)

// Decision is the outcome of the retry policy for one failed attempt.
type Decision struct {
	Retry bool
	After time.Duration
}

// Policy decides whether a failed attempt should be retried and after how
// long. It is a pure function of (attempt, kind) apart from jitter, so it is
// unit-testable without any network dependency.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// jitter returns a value in [0,1). Tests may pin it.
	jitter func() float64
}

// NewPolicy creates a retry policy with full-jitter exponential backoff.
func NewPolicy(maxAttempts int, baseDelay time.Duration) Policy {
	if maxAttempts <= 0 {
		maxAttempts = 4
	}
	if baseDelay <= 0 {
		baseDelay = 1 * time.Second
	}
	return Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    30 * time.Second,
		jitter:      rand.Float64,
	}
}

// Decide returns the retry decision after attempt failures of the given
// kind. attempt is 1-based: attempt=1 means the first try just failed.
func (p Policy) Decide(attempt int, kind ErrorKind) Decision {
	if kind == KindClientError {
		return Decision{Retry: false}
	}
	if attempt >= p.MaxAttempts {
		return Decision{Retry: false}
	}

	// Exponential backoff capped at MaxDelay, then full jitter.
	expDelay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if expDelay > float64(p.MaxDelay) {
		expDelay = float64(p.MaxDelay)
	}
	jittered := time.Duration(p.jitter() * expDelay)
	if jittered < 100*time.Millisecond {
		jittered = 100 * time.Millisecond
	}
	return Decision{Retry: true, After: jittered}
}

// KindFromStatus maps an HTTP status code to an error kind.
// 2xx statuses never reach the policy.
func KindFromStatus(statusCode int) ErrorKind {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return KindRateLimited
	case statusCode >= 500:
		return KindServerError
	default:
		return KindClientError
	}
}

// Retryable reports whether an HTTP status code indicates a transient error.
func Retryable(statusCode int) bool {
	k := KindFromStatus(statusCode)
	return k == KindRateLimited || k == KindServerError
}
