package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisLimiterGrantsWithinBudget(t *testing.T) {
	client := newTestRedis(t)
	l := NewRedisLimiter(client, "test:scoring", 5)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Wait(ctx))
	}

	// The 6th acquire in the same window must block until the context dies.
	ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisLimiterCollectiveUnderConcurrency(t *testing.T) {
	client := newTestRedis(t)
	l := NewRedisLimiter(client, "test:scoring", 10)

	var granted int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
			defer cancel()
			if err := l.Wait(ctx); err == nil {
				atomic.AddInt32(&granted, 1)
			}
		}()
	}
	wg.Wait()

	// The shared budget holds no matter how many workers race for it.
	assert.Equal(t, int32(10), atomic.LoadInt32(&granted))
}

func TestRedisLimiterFromURL(t *testing.T) {
	mr := miniredis.RunT(t)
	l, err := NewRedisLimiterFromURL("redis://"+mr.Addr(), "test:scoring", 3)
	require.NoError(t, err)
	require.NoError(t, l.Wait(context.Background()))

	_, err = NewRedisLimiterFromURL("://bad", "test:scoring", 3)
	assert.Error(t, err)
}

func TestLocalLimiter(t *testing.T) {
	l := NewLocalLimiter(3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait(ctx))
	}

	blocked, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Wait(blocked), context.DeadlineExceeded)
}

func TestLocalLimiterConcurrent(t *testing.T) {
	l := NewLocalLimiter(8)

	var granted int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			if err := l.Wait(ctx); err == nil {
				atomic.AddInt32(&granted, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(8), atomic.LoadInt32(&granted))
}
