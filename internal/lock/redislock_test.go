package lock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-blinds/internal/lock"
)

// Each writer does an unsynchronised read-modify-write of a cart revision;
// without mutual exclusion updates would be lost.
func TestWithLockSerializesWriters(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := lock.Locker{R: client, RetryBackoff: 2 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const writers = 8
	var (
		mu       sync.Mutex
		revision int
		wg       sync.WaitGroup
	)
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- locker.WithLock(ctx, locker.Key("cart", "c1"), time.Second, func(context.Context) error {
				mu.Lock()
				seen := revision
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				revision = seen + 1
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, writers, revision)

	// released after the last writer
	require.False(t, mr.Exists(locker.Key("cart", "c1")))
}

func TestWithLockGivesUpAfterMaxWait(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := lock.Locker{R: client, RetryBackoff: 5 * time.Millisecond, MaxWait: 40 * time.Millisecond}
	key := locker.Key("cart", "c1")
	require.Equal(t, "lock:cart:c1", key)
	require.NoError(t, mr.Set(key, "someone-else"))

	called := false
	err := locker.WithLock(context.Background(), key, time.Second, func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, lock.ErrNotAcquired)
	require.False(t, called)

	// a foreign token is never released
	got, err := mr.Get(key)
	require.NoError(t, err)
	require.Equal(t, "someone-else", got)
}
