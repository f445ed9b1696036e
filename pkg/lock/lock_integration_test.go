//go:build integration

package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func newLocker(t *testing.T, ttl time.Duration) *Locker {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	l, err := New(ctx, url, "expirywatch:test", ttl)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLeaseIsExclusive(t *testing.T) {
	ctx := context.Background()
	l := newLocker(t, 3*time.Second)

	lease, err := l.Acquire(ctx)
	require.NoError(t, err)

	_, err = l.Acquire(ctx)
	require.ErrorIs(t, err, ErrHeld)

	require.NoError(t, lease.Release(ctx))
	require.NoError(t, lease.Release(ctx))

	again, err := l.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestLeaseIsRenewed(t *testing.T) {
	ctx := context.Background()
	l := newLocker(t, MinTTL)

	lease, err := l.Acquire(ctx)
	require.NoError(t, err)
	defer lease.Release(ctx)

	time.Sleep(2500 * time.Millisecond)
	got, err := l.Client.Get(ctx, l.Key).Result()
	require.NoError(t, err)
	assert.Equal(t, lease.Token(), got)
}

func TestReleaseLeavesSuccessorAlone(t *testing.T) {
	ctx := context.Background()
	l := newLocker(t, time.Minute)

	lease, err := l.Acquire(ctx)
	require.NoError(t, err)
	// simulate expiry followed by another holder
	require.NoError(t, l.Client.Set(ctx, l.Key, "someone-else", time.Minute).Err())

	require.NoError(t, lease.Release(ctx))
	got, err := l.Client.Get(ctx, l.Key).Result()
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestLostLeaseCancelsHolder(t *testing.T) {
	ctx := context.Background()
	l := newLocker(t, MinTTL)

	lease, err := l.Acquire(ctx)
	require.NoError(t, err)
	defer lease.Release(ctx)
	runCtx, cancel := lease.Context(ctx, nil)
	defer cancel()

	require.NoError(t, l.Client.Del(ctx, l.Key).Err())

	select {
	case <-runCtx.Done():
	case <-time.After(3 * MinTTL):
		t.Fatal("run context still live after the lease key was deleted")
	}
	assert.ErrorIs(t, context.Cause(runCtx), ErrLost)
	select {
	case <-lease.Lost():
	default:
		t.Fatal("Lost not closed")
	}
}
