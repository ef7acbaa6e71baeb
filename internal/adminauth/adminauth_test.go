package adminauth

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestMemorySet_AddContainsRemove(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySet()

	ok, err := s.Contains(ctx, "group-1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Add(ctx, "group-1"))
	ok, err = s.Contains(ctx, "group-1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Remove(ctx, "group-1"))
	ok, err = s.Contains(ctx, "group-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisSet_AddContainsRemove(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	s := NewRedisSet(client, "")

	ok, err := s.Contains(ctx, "group-1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Add(ctx, "group-1"))
	ok, err = s.Contains(ctx, "group-1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Remove(ctx, "group-1"))
	ok, err = s.Contains(ctx, "group-1")
	require.NoError(t, err)
	require.False(t, ok)
}
