package dedupcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(2)

	ok, err := c.Contains(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Add(ctx, "a"))
	require.NoError(t, c.Add(ctx, "b"))
	ok, _ = c.Contains(ctx, "a")
	require.True(t, ok)

	// Exceeding the cap evicts the oldest entry.
	require.NoError(t, c.Add(ctx, "c"))
	ok, _ = c.Contains(ctx, "a")
	require.False(t, ok)
	ok, _ = c.Contains(ctx, "c")
	require.True(t, ok)
}

func TestRedisCache(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	c := NewRedis(client, "test:", time.Minute)
	defer c.Close()

	ok, err := c.Contains(ctx, "sha256:abc")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Add(ctx, "sha256:abc"))
	ok, err = c.Contains(ctx, "sha256:abc")
	require.NoError(t, err)
	require.True(t, ok)

	// Entries expire with their TTL.
	srv.FastForward(2 * time.Minute)
	ok, _ = c.Contains(ctx, "sha256:abc")
	require.False(t, ok)
}
