package lock_test

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/epickiosk/kiosk/internal/lock"
)

func TestLease(t *testing.T) {
	t.Parallel()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	lease := lock.New(rdb)
	ctx := t.Context()

	release, err := lease.Acquire(ctx, "a@b.c", time.Minute)
	require.NoError(t, err)
	require.Equal(t, time.Minute, srv.TTL("lock:a@b.c"))

	_, err = lease.Acquire(ctx, "a@b.c", time.Minute)
	require.ErrorIs(t, err, lock.ErrLocked)

	other, err := lease.Acquire(ctx, "x@b.c", time.Minute)
	require.NoError(t, err)
	other(ctx)

	release(ctx)
	require.False(t, srv.Exists("lock:a@b.c"))

	t.Run("stale release keeps a newer lease", func(t *testing.T) {
		stale, err := lease.Acquire(ctx, "s@b.c", time.Second)
		require.NoError(t, err)
		srv.FastForward(2 * time.Second)

		fresh, err := lease.Acquire(ctx, "s@b.c", time.Minute)
		require.NoError(t, err)
		stale(ctx)
		require.True(t, srv.Exists("lock:s@b.c"))
		fresh(ctx)
		require.False(t, srv.Exists("lock:s@b.c"))
	})
}
