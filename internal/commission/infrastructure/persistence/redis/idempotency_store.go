// Package redis 基于 Redis 的幂等键存储
package redis

import (
	"context"
	"time"

	"github.com/wyfcoding/referral/internal/commission/domain"
	"github.com/wyfcoding/referral/pkg/cache"
)

const keyPrefix = "referral:idem:"

// IdempotencyStore ttl 为 0 时键永不过期
type IdempotencyStore struct {
	cache *cache.RedisCache
	ttl   time.Duration
}

var _ domain.IdempotencyStore = (*IdempotencyStore)(nil)

// NewIdempotencyStore 创建幂等键存储
func NewIdempotencyStore(c *cache.RedisCache, ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{cache: c, ttl: ttl}
}

func (s *IdempotencyStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.cache.Exists(ctx, keyPrefix+key)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *IdempotencyStore) Put(ctx context.Context, key string) error {
	return s.cache.Set(ctx, keyPrefix+key, time.Now().UTC().Format(time.RFC3339), s.ttl)
}
