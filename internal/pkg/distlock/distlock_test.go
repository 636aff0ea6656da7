package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowKey(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	assert.Equal(t, WindowKey(start, end), WindowKey(start, end))
	assert.NotEqual(t, WindowKey(start, end), WindowKey(start, end.Add(time.Hour)))
}

func TestRedisLockMutualExclusion(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	first := NewRunLock(client, nil, start, end, time.Minute)
	second := NewRunLock(client, nil, start, end, time.Minute)

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// Same window: denied while held.
	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// A different window does not contend.
	other := NewRunLock(client, nil, end, end.Add(24*time.Hour), time.Minute)
	ok, err = other.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, first.Release(ctx))
	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockReleaseOnlyByOwner(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	holder := NewRedisLock(client, "k", time.Minute)
	intruder := NewRedisLock(client, "k", time.Minute)

	ok, err := holder.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// Intruder's release is a no-op: it does not own the lock.
	require.NoError(t, intruder.Release(ctx))
	ok, err = intruder.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisLockExtendRefreshesTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	holder := NewRedisLock(client, "k", time.Minute)
	intruder := NewRedisLock(client, "k", time.Minute)

	ok, err := holder.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(30 * time.Second)
	require.NoError(t, holder.Extend(ctx))
	assert.Equal(t, time.Minute, mr.TTL("lock:k"))

	// A non-owner's extend leaves the TTL alone.
	mr.FastForward(30 * time.Second)
	require.NoError(t, intruder.Extend(ctx))
	assert.Equal(t, 30*time.Second, mr.TTL("lock:k"))
}

func TestPGAdvisoryLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	lock := NewPGAdvisoryLock(db, "attribution:run:1..2")

	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	ok, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	// Advisory locks have no TTL; extend touches nothing.
	require.NoError(t, lock.Extend(context.Background()))

	mock.ExpectExec("SELECT pg_advisory_unlock").
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, lock.Release(context.Background()))

	require.NoError(t, mock.ExpectationsWereMet())
}
