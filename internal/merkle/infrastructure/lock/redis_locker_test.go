package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/referral/internal/merkle/domain"
	"github.com/wyfcoding/referral/pkg/cache"
)

func TestRedisLocker_ExclusiveUntilReleased(t *testing.T) {
	mr := miniredis.RunT(t)
	c := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	l := NewRedisLocker(c)
	ctx := context.Background()

	release, err := l.Acquire(ctx, "merkle:publish:EVM:USDC", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "merkle:publish:EVM:USDC", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockNotAcquired)

	_, err = l.Acquire(ctx, "merkle:publish:SVM:USDC", time.Minute)
	assert.NoError(t, err)

	require.NoError(t, release(ctx))
	_, err = l.Acquire(ctx, "merkle:publish:EVM:USDC", time.Minute)
	assert.NoError(t, err)
}

func TestRedisLocker_ReleaseDoesNotStealExpiredLock(t *testing.T) {
	mr := miniredis.RunT(t)
	c := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	l := NewRedisLocker(c)
	ctx := context.Background()

	release, err := l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	_, err = l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	require.NoError(t, release(ctx))
	assert.True(t, mr.Exists("k"))
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	base := time.Unix(1000, 0)
	l.now = func() time.Time { return base }
	ctx := context.Background()

	release, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockNotAcquired)

	require.NoError(t, release(ctx))
	_, err = l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	// 过期后可重新获取
	base = base.Add(2 * time.Minute)
	_, err = l.Acquire(ctx, "k", time.Minute)
	assert.NoError(t, err)
}
