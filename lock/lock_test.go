package lock_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/lock"
)

func exclusive(t *testing.T, l lock.Locker) {
	t.Helper()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "evt_1")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inside++
			maxSeen = max(maxSeen, inside)
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestLocalExclusive(t *testing.T) {
	l := lock.NewLocal()
	exclusive(t, l)
	assert.Zero(t, l.Held())
}

func TestLocalContextCanceled(t *testing.T) {
	l := lock.NewLocal()
	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "k")
	assert.True(t, errors.Is(err, lock.ErrNotAcquired))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, l.Held())
}

func TestLocalKeysIndependent(t *testing.T) {
	l := lock.NewLocal()
	a, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	b, err := l.Lock(context.Background(), "b")
	require.NoError(t, err)
	a()
	a()
	b()
	assert.Zero(t, l.Held())
}

func TestRedisExclusive(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	exclusive(t, lock.NewRedis(client, lock.WithTries(200)))
}

func TestRedisNotAcquired(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	l := lock.NewRedis(client, lock.WithTries(1), lock.WithExpiry(time.Minute))
	unlock, err := l.Lock(context.Background(), "evt_1")
	require.NoError(t, err)

	_, err = l.Lock(context.Background(), "evt_1")
	assert.ErrorIs(t, err, lock.ErrNotAcquired)

	unlock()
	unlock2, err := l.Lock(context.Background(), "evt_1")
	require.NoError(t, err)
	unlock2()
}
