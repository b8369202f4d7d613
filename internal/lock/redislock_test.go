package lock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/MachinePay/totem-payments/internal/lock"
)

func newLocker(t *testing.T) (lock.Locker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return lock.Locker{R: client}, mr
}

func TestTryWithLockSkipsWhenHeld(t *testing.T) {
	locker, _ := newLocker(t)
	ctx := context.Background()

	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_, _ = locker.TryWithLock(ctx, "sweep:DEV01", time.Minute, func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ran, err := locker.TryWithLock(ctx, "sweep:DEV01", time.Minute, func(context.Context) error {
		t.Fatal("must not run while lock is held")
		return nil
	})
	require.NoError(t, err)
	require.False(t, ran)
	close(release)
}

func TestTryWithLockReleasesAfterRun(t *testing.T) {
	locker, _ := newLocker(t)
	ctx := context.Background()

	ran, err := locker.TryWithLock(ctx, "sweep:DEV01", time.Minute, func(context.Context) error {
		return errors.New("inner failure")
	})
	require.True(t, ran)
	require.Error(t, err)

	ran, err = locker.TryWithLock(ctx, "sweep:DEV01", time.Minute, func(context.Context) error { return nil })
	require.NoError(t, err)
	require.True(t, ran, "lock must be released after the previous holder returned")
}

func TestTryWithLockWithoutRedisAlwaysRuns(t *testing.T) {
	var calls int
	ran, err := lock.Locker{}.TryWithLock(context.Background(), "any", time.Minute, func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)
	require.Equal(t, 1, calls)
}
