// Package domain 推荐分佣的领域模型：分佣策略、分账、台账与推荐关系
package domain

import (
	"time"

	"github.com/wyfcoding/referral/pkg/chain"
	"github.com/wyfcoding/referral/pkg/money"
)

// TreasuryBeneficiary 金库分账的受益人标识
const TreasuryBeneficiary = "treasury"

// Destination 分账去向
type Destination string

const (
	DestinationClaimable Destination = "claimable"
	DestinationTreasury  Destination = "treasury"
)

// CommissionContext 一次分佣的输入。Ancestors 由近及远，层级从 1 开始
type CommissionContext struct {
	UserID           string
	UserCashbackRate money.Percentage
	Ancestors        []string
	Token            string
	Chain            chain.Chain
}

// Split 一条分账。Level 0 表示用户自身返现或金库
type Split struct {
	BeneficiaryID string           `json:"beneficiary_id"`
	Level         int              `json:"level"`
	Rate          money.Percentage `json:"rate"`
	Amount        money.Money      `json:"amount"`
	Token         string           `json:"token"`
	Destination   Destination      `json:"destination"`
}

// LedgerEntry 台账记录，(SourceTradeID, BeneficiaryID, Level) 唯一
type LedgerEntry struct {
	BeneficiaryID string
	SourceTradeID string
	Level         int
	Rate          money.Percentage
	Amount        money.Money
	Token         string
	Chain         chain.Chain
	Destination   Destination
	CreatedAt     time.Time
}

// NewLedgerEntries 将分账转换为台账记录
func NewLedgerEntries(tradeID string, c chain.Chain, splits []Split, at time.Time) []*LedgerEntry {
	entries := make([]*LedgerEntry, 0, len(splits))
	for _, s := range splits {
		entries = append(entries, &LedgerEntry{
			BeneficiaryID: s.BeneficiaryID,
			SourceTradeID: tradeID,
			Level:         s.Level,
			Rate:          s.Rate,
			Amount:        s.Amount,
			Token:         s.Token,
			Chain:         c,
			Destination:   s.Destination,
			CreatedAt:     at,
		})
	}
	return entries
}

// Trade 触发分佣的成交
type Trade struct {
	TradeID   string
	UserID    string
	FeeAmount money.Money
	Token     string
	Chain     chain.Chain
	CreatedAt time.Time
}

// User 参与推荐的用户。CashbackRate 为空时使用默认返现比例
type User struct {
	ID           string
	ReferralCode string
	Email        string
	CashbackRate *money.Percentage
	CreatedAt    time.Time
}

// ReferralLink 用户与其直接上级的关系
type ReferralLink struct {
	UserID     string
	ReferrerID string
	CreatedAt  time.Time
}

// TimeRange 左闭右开的时间范围，零值端点表示不限
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Contains 时间是否落在范围内
func (r *TimeRange) Contains(t time.Time) bool {
	if r == nil {
		return true
	}
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

// EarningsSummary 收益汇总
type EarningsSummary struct {
	UserID  string              `json:"user_id"`
	Total   money.Money         `json:"total"`
	ByLevel map[int]money.Money `json:"by_level"`
}
