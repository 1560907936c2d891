package locks

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestLocker creates a Redis locker connected to a miniredis instance
func setupTestLocker(t *testing.T) (*Redis, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	locker, err := NewRedis(rdb, RedisConfig{
		Prefix:        "test:lock:",
		TTL:           time.Second,
		RetryInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(locker.Close)

	return locker, mr
}

func TestNewRedis(t *testing.T) {
	t.Run("rejects nil client", func(t *testing.T) {
		_, err := NewRedis(nil, RedisConfig{})
		assert.Error(t, err)
	})

	t.Run("applies defaults", func(t *testing.T) {
		l, err := NewRedis(redis.NewClient(&redis.Options{}), RedisConfig{})
		require.NoError(t, err)
		assert.Equal(t, "teamcloud:lock:", l.config.Prefix)
		assert.Equal(t, 30*time.Second, l.config.TTL)
	})
}

func TestRedisAcquireRelease(t *testing.T) {
	locker, mr := setupTestLocker(t)
	ctx := context.Background()

	require.NoError(t, locker.Acquire(ctx, "project/p1", "inst-a"))

	owner, err := mr.Get("test:lock:project/p1")
	require.NoError(t, err)
	assert.Equal(t, "inst-a", owner)

	require.NoError(t, locker.Release(ctx, "project/p1", "inst-a"))
	assert.False(t, mr.Exists("test:lock:project/p1"))
}

func TestRedisReentrantForOwner(t *testing.T) {
	locker, _ := setupTestLocker(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, locker.Acquire(ctx, "project/p1", "inst-a"))
	require.NoError(t, locker.Acquire(ctx, "project/p1", "inst-a"))
}

func TestRedisBlocksOtherOwners(t *testing.T) {
	locker, _ := setupTestLocker(t)
	ctx := context.Background()

	require.NoError(t, locker.Acquire(ctx, "project/p1", "inst-a"))

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := locker.Acquire(short, "project/p1", "inst-b")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, locker.Release(ctx, "project/p1", "inst-a"))

	long, cancel2 := context.WithTimeout(ctx, time.Second)
	defer cancel2()
	assert.NoError(t, locker.Acquire(long, "project/p1", "inst-b"))
}

func TestRedisReleaseByOtherOwner(t *testing.T) {
	locker, mr := setupTestLocker(t)
	ctx := context.Background()

	require.NoError(t, locker.Acquire(ctx, "k", "inst-a"))
	assert.ErrorIs(t, locker.Release(ctx, "k", "inst-b"), ErrNotOwner)
	assert.True(t, mr.Exists("test:lock:k"))

	assert.NoError(t, locker.Release(ctx, "missing", "inst-b"))
}

func TestRedisExpiredLeaseCanBeTaken(t *testing.T) {
	locker, mr := setupTestLocker(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("test:lock:k", "crashed-node"))
	mr.SetTTL("test:lock:k", time.Second)
	mr.FastForward(2 * time.Second)

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, locker.Acquire(waitCtx, "k", "inst-a"))

	owner, err := mr.Get("test:lock:k")
	require.NoError(t, err)
	assert.Equal(t, "inst-a", owner)
}
