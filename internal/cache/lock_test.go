package cache_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecotiles/tileserv/internal/cache"
	"github.com/ecotiles/tileserv/internal/cache/cachetest"
)

func TestLocker_SingleHolder(t *testing.T) {
	l2 := cachetest.NewFakeL2()
	locker := cache.NewLocker(l2, time.Minute)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, lease)

	// Second acquire is refused while held.
	second, err := locker.Acquire(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, second)

	// A different key is independent.
	other, err := locker.Acquire(ctx, "k2")
	require.NoError(t, err)
	assert.NotNil(t, other)

	lease.Release(ctx)

	// Released lock can be re-acquired.
	again, err := locker.Acquire(ctx, "k1")
	require.NoError(t, err)
	assert.NotNil(t, again)
}

func TestLocker_OnlyOneWinnerUnderContention(t *testing.T) {
	l2 := cachetest.NewFakeL2()
	locker := cache.NewLocker(l2, time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := locker.Acquire(ctx, "contested")
			if err == nil && lease != nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

func TestLocker_WaitReturnsWhenReleased(t *testing.T) {
	l2 := cachetest.NewFakeL2()
	locker := cache.NewLocker(l2, time.Minute)
	locker.SetPollInterval(5 * time.Millisecond)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, lease)

	done := make(chan error, 1)
	go func() {
		done <- locker.Wait(ctx, "k")
	}()

	time.Sleep(20 * time.Millisecond)
	lease.Release(ctx)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after release")
	}
}

func TestLocker_WaitHonorsContext(t *testing.T) {
	l2 := cachetest.NewFakeL2()
	locker := cache.NewLocker(l2, time.Minute)
	locker.SetPollInterval(5 * time.Millisecond)

	lease, err := locker.Acquire(context.Background(), "k")
	require.NoError(t, err)
	require.NotNil(t, lease)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err = locker.Wait(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLease_ReleaseIsTokenChecked(t *testing.T) {
	l2 := cachetest.NewFakeL2()
	locker := cache.NewLocker(l2, time.Minute)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, lease)

	// Simulate expiry plus takeover by another producer.
	_, _ = l2.Del(ctx, cache.LockPrefix+"k")
	other, err := locker.Acquire(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, other)

	// The stale lease must not release the new holder's lock.
	lease.Release(ctx)
	_, held, err := l2.Get(ctx, cache.LockPrefix+"k")
	require.NoError(t, err)
	assert.True(t, held)
}

func TestLease_Renew(t *testing.T) {
	l2 := cachetest.NewFakeL2()
	locker := cache.NewLocker(l2, time.Minute)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, lease)

	require.NoError(t, lease.Renew(ctx))
	ttl, ok, err := l2.TTL(ctx, cache.LockPrefix+"k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Minute, ttl)
}
