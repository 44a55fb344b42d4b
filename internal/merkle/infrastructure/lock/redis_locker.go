// Package lock 提供根发布的互斥锁：Redis 跨实例实现与进程内实现
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wyfcoding/referral/internal/merkle/domain"
	"github.com/wyfcoding/referral/pkg/cache"
)

// RedisLocker SetNX 抢锁，释放时校验持有者
type RedisLocker struct {
	cache *cache.RedisCache
}

var _ domain.Locker = (*RedisLocker)(nil)

// NewRedisLocker 创建 Redis 锁
func NewRedisLocker(c *cache.RedisCache) *RedisLocker {
	return &RedisLocker{cache: c}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	owner := uuid.NewString()
	ok, err := l.cache.SetNX(ctx, key, owner, ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrLockNotAcquired, key)
	}
	return func(ctx context.Context) error {
		// 锁已过期并被他人持有时不删除
		_, err := l.cache.CompareAndDelete(ctx, key, owner)
		return err
	}, nil
}

// LocalLocker 进程内锁，TTL 仅用于防止释放遗漏
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

var _ domain.Locker = (*LocalLocker)(nil)

// NewLocalLocker 创建进程内锁
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]time.Time), now: time.Now}
}

func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if exp, ok := l.held[key]; ok && now.Before(exp) {
		return nil, fmt.Errorf("%w: %s", domain.ErrLockNotAcquired, key)
	}
	exp := now.Add(ttl)
	l.held[key] = exp

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.held[key]; ok && cur.Equal(exp) {
			delete(l.held, key)
		}
		return nil
	}, nil
}
