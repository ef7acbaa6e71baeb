package ttl

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedisClock(t *testing.T) *RedisClock {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisClock(client, "test")
}

func TestRedisClock_TouchAndExpiresAt(t *testing.T) {
	clock := newTestRedisClock(t)
	ctx := t.Context()

	require.NoError(t, clock.Touch(ctx, "client-1", 1000))

	deadline, ok, err := clock.ExpiresAt(ctx, "client-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1000), deadline)

	_, ok, err = clock.ExpiresAt(ctx, "unknown")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisClock_Expired(t *testing.T) {
	clock := newTestRedisClock(t)
	ctx := t.Context()

	require.NoError(t, clock.Touch(ctx, "stale", 100))
	require.NoError(t, clock.Touch(ctx, "fresh", 10000))

	expired, err := clock.Expired(ctx, 5000)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"stale"}, expired)
}

func TestRedisClock_Drop(t *testing.T) {
	clock := newTestRedisClock(t)
	ctx := t.Context()

	require.NoError(t, clock.Touch(ctx, "client-1", 1000))
	require.NoError(t, clock.Drop(ctx, "client-1"))

	_, ok, err := clock.ExpiresAt(ctx, "client-1")
	require.NoError(t, err)
	require.False(t, ok)
}
