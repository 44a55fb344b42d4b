package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewFromClient(client), mr
}

func TestRedisCache_SetNXAndExists(t *testing.T) {
	rc, mr := newTestCache(t)
	ctx := context.Background()

	ok, err := rc.SetNX(ctx, "k", "v1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = rc.SetNX(ctx, "k", "v2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := rc.Exists(ctx, "k")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	val, err := rc.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", val)

	mr.FastForward(2 * time.Minute)
	val, err = rc.Get(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, val)
}

func TestRedisCache_CompareAndDelete(t *testing.T) {
	rc, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, rc.Set(ctx, "lock", "owner-a", time.Minute))

	deleted, err := rc.CompareAndDelete(ctx, "lock", "owner-b")
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = rc.CompareAndDelete(ctx, "lock", "owner-a")
	require.NoError(t, err)
	assert.True(t, deleted)

	n, err := rc.Exists(ctx, "lock")
	require.NoError(t, err)
	assert.Zero(t, n)
}
