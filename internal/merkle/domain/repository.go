package domain

import (
	"context"
	"time"

	"github.com/wyfcoding/referral/pkg/chain"
)

// RootStore 根版本存储。Save 仅在版本严格大于当前最新版本时成功，否则返回 ErrVersionConflict
type RootStore interface {
	Save(ctx context.Context, root *MerkleRootData) error
	// Latest 无记录时返回 ErrRootNotFound
	Latest(ctx context.Context, c chain.Chain, token string) (*MerkleRootData, error)
	GetByVersion(ctx context.Context, c chain.Chain, token string, version uint64) (*MerkleRootData, error)
	// History 按版本倒序，limit<=0 表示全部
	History(ctx context.Context, c chain.Chain, token string, limit int) ([]*MerkleRootData, error)
}

// SnapshotStore 按根版本保存发布时的余额集合，证明针对已发布的根重新生成
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, c chain.Chain, token string, version uint64, balances []ClaimableBalance) error
	// LoadSnapshot 无快照时返回 ErrSnapshotNotFound
	LoadSnapshot(ctx context.Context, c chain.Chain, token string, version uint64) ([]ClaimableBalance, error)
}

// BalanceSource 可领取余额的聚合来源
type BalanceSource interface {
	ClaimableBalances(ctx context.Context, token string) ([]ClaimableBalance, error)
}

// Locker 跨实例互斥。获取失败返回 ErrLockNotAcquired
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

// EventPublisher 根发布事件出口
type EventPublisher interface {
	PublishRootPublished(ctx context.Context, event RootPublishedEvent) error
}
