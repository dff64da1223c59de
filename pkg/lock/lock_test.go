package lock

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

func newRedisLocker(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})

	t.Cleanup(func() { _ = client.Close() })

	return NewRedis(client, WithRetryInterval(5*time.Millisecond)), server
}

func lockers(t *testing.T) map[string]Locker {
	t.Helper()

	r, _ := newRedisLocker(t)

	return map[string]Locker{
		"local": NewLocal(),
		"redis": r,
	}
}

func TestLocker_MutualExclusion(t *testing.T) {
	for name, locker := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			var (
				inside  atomic.Int32
				maxSeen atomic.Int32
				wg      sync.WaitGroup
			)

			for range 8 {
				wg.Add(1)

				go func() {
					defer wg.Done()

					release, err := locker.Acquire(context.Background(), TreeKey("root"))
					if !assert.NoError(t, err) {
						return
					}

					n := inside.Add(1)
					if n > maxSeen.Load() {
						maxSeen.Store(n)
					}

					time.Sleep(2 * time.Millisecond)
					inside.Add(-1)

					assert.NoError(t, release(context.Background()))
				}()
			}

			wg.Wait()
			assert.Equal(t, int32(1), maxSeen.Load())
		})
	}
}

func TestLocker_ContextTimeout(t *testing.T) {
	for name, locker := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			release, err := locker.Acquire(t.Context(), "a", "b")
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(t.Context(), 30*time.Millisecond)
			defer cancel()

			_, err = locker.Acquire(ctx, "b")
			require.ErrorIs(t, err, ErrNotAcquired)
			assert.ErrorIs(t, err, context.DeadlineExceeded)

			require.NoError(t, release(t.Context()))

			release, err = locker.Acquire(t.Context(), "b", "a", "b")
			require.NoError(t, err)
			require.NoError(t, release(t.Context()))
		})
	}
}

func TestRedis_ReleaseKeepsForeignToken(t *testing.T) {
	locker, server := newRedisLocker(t)

	release, err := locker.Acquire(t.Context(), "tree:x")
	require.NoError(t, err)

	// Simulate expiry and takeover by another holder.
	server.FastForward(defaultTTL + time.Second)
	require.NoError(t, server.Set(defaultRedisPrefix+"tree:x", "someone-else"))

	require.NoError(t, release(t.Context()))

	value, err := server.Get(defaultRedisPrefix + "tree:x")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", value)
}

func TestLocal_CleansUpEntries(t *testing.T) {
	locker := NewLocal()

	release, err := locker.Acquire(t.Context(), "a")
	require.NoError(t, err)
	require.NoError(t, release(t.Context()))

	assert.Empty(t, locker.locks)
}
