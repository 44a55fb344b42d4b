package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/referral/pkg/cache"
)

func TestIdempotencyStore(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewIdempotencyStore(cache.NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()})), time.Hour)
	ctx := context.Background()

	ok, err := store.Exists(ctx, "trade:t1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put(ctx, "trade:t1"))
	ok, err = store.Exists(ctx, "trade:t1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists(keyPrefix+"trade:t1"))

	mr.FastForward(2 * time.Hour)
	ok, err = store.Exists(ctx, "trade:t1")
	require.NoError(t, err)
	assert.False(t, ok)
}
