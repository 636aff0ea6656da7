// Package ratelimit enforces the scoring service's shared request budget.
// The budget is collective: all workers and all retries draw from the same
// counter, so backoff happens across the fleet rather than per-worker.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// pollInterval bounds how often a blocked waiter re-checks the budget.
const pollInterval = 250 * time.Millisecond

// Lua script for an atomic fixed-window counter. Checks the limit BEFORE
// incrementing so a denied caller never consumes budget.
const windowLimitScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", key) or "0")
if current + 1 > limit then
    local remaining = redis.call("PTTL", key)
    return {0, remaining}
end

local newVal = redis.call("INCR", key)
if newVal == 1 then
    redis.call("PEXPIRE", key, ttl)
end
return {1, 0}
`

// RedisLimiter is a per-minute fixed-window limiter shared across processes.
type RedisLimiter struct {
	redis     *redis.Client
	keyPrefix string
	perMinute int
	script    *redis.Script
}

// NewRedisLimiter creates a limiter with a pre-compiled Lua script.
func NewRedisLimiter(client *redis.Client, keyPrefix string, perMinute int) *RedisLimiter {
	return &RedisLimiter{
		redis:     client,
		keyPrefix: keyPrefix,
		perMinute: perMinute,
		script:    redis.NewScript(windowLimitScript),
	}
}

// NewRedisLimiterFromURL creates a limiter by connecting to Redis.
func NewRedisLimiterFromURL(redisURL, keyPrefix string, perMinute int) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return NewRedisLimiter(redis.NewClient(opts), keyPrefix, perMinute), nil
}

// Wait blocks until a request slot is granted or the context is done.
func (l *RedisLimiter) Wait(ctx context.Context) error {
	for {
		allowed, wait, err := l.tryAcquire(ctx)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		if wait <= 0 || wait > pollInterval {
			wait = pollInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func (l *RedisLimiter) tryAcquire(ctx context.Context) (bool, time.Duration, error) {
	key := fmt.Sprintf("%s:%s", l.keyPrefix, time.Now().UTC().Format("2006-01-02T15:04"))
	res, err := l.script.Run(ctx, l.redis, []string{key}, l.perMinute, time.Minute.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check: %w", err)
	}
	if len(res) < 2 {
		return false, 0, fmt.Errorf("rate limit check: unexpected script result %v", res)
	}
	if res[0] == 1 {
		return true, 0, nil
	}
	return false, time.Duration(res[1]) * time.Millisecond, nil
}

// LocalLimiter is the in-process fallback used when Redis is not configured.
// It enforces the same fixed per-minute window for a single process.
type LocalLimiter struct {
	mu        sync.Mutex
	perMinute int
	window    time.Time
	count     int
}

// NewLocalLimiter creates a single-process per-minute limiter.
func NewLocalLimiter(perMinute int) *LocalLimiter {
	return &LocalLimiter{perMinute: perMinute}
}

// Wait blocks until a request slot is granted or the context is done.
func (l *LocalLimiter) Wait(ctx context.Context) error {
	for {
		if l.tryAcquire() {
			return nil
		}
		timer := time.NewTimer(pollInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func (l *LocalLimiter) tryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	window := time.Now().UTC().Truncate(time.Minute)
	if !window.Equal(l.window) {
		l.window = window
		l.count = 0
	}
	if l.count >= l.perMinute {
		return false
	}
	l.count++
	return true
}
