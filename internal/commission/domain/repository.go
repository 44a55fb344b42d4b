package domain

import (
	"context"

	"github.com/wyfcoding/referral/pkg/money"
)

// UserRepository 用户仓储
type UserRepository interface {
	// FindByID 不存在时返回 ErrUserNotFound
	FindByID(ctx context.Context, id string) (*User, error)
	// FindByReferralCode 不存在时返回 ErrReferralCodeNotFound
	FindByReferralCode(ctx context.Context, code string) (*User, error)
	// CreateOrGetReferralCode 已有邀请码时原样返回，否则写入 candidate
	CreateOrGetReferralCode(ctx context.Context, userID, candidate string) (string, error)
	SetEmail(ctx context.Context, userID, email string) error
	SetCashbackRate(ctx context.Context, userID string, rate money.Percentage) error
	Save(ctx context.Context, user *User) error
}

// ReferralRepository 推荐关系仓储
type ReferralRepository interface {
	// GetAncestors 由近及远返回至多 maxLevels 个上级
	GetAncestors(ctx context.Context, userID string, maxLevels int) ([]string, error)
	HasReferrer(ctx context.Context, userID string) (bool, error)
	CreateLink(ctx context.Context, link *ReferralLink) error
	GetDirectReferees(ctx context.Context, userID string) ([]*ReferralLink, error)
}

// ClaimableTotal 某受益人在某代币下的可领取合计
type ClaimableTotal struct {
	BeneficiaryID string
	Token         string
	Amount        money.Money
}

// LedgerRepository 分佣台账
type LedgerRepository interface {
	// RecordEntries 批量写入，唯一键冲突视为成功
	RecordEntries(ctx context.Context, entries []*LedgerEntry) error
	GetEarningsSummary(ctx context.Context, userID string, r *TimeRange) (*EarningsSummary, error)
	// AggregateClaimable 按受益人汇总可领取分账，不含金库
	AggregateClaimable(ctx context.Context, token string) ([]ClaimableTotal, error)
}

// IdempotencyStore 幂等键存储
type IdempotencyStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string) error
}

// TradesRepository 成交记录
type TradesRepository interface {
	// CreateTrade 重复的 TradeID 不报错，created 为 false
	CreateTrade(ctx context.Context, trade *Trade) (created bool, err error)
	TradeExists(ctx context.Context, tradeID string) (bool, error)
}

// TransactionManager 将 fn 内的仓储调用放在同一事务中
type TransactionManager interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}
