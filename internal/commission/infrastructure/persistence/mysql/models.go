package mysql

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/referral/internal/commission/domain"
	"github.com/wyfcoding/referral/pkg/money"
)

// UserModel 用户表
type UserModel struct {
	ID           string              `gorm:"column:id;type:varchar(64);primaryKey"`
	ReferralCode *string             `gorm:"column:referral_code;type:varchar(16);uniqueIndex;comment:邀请码"`
	Email        string              `gorm:"column:email;type:varchar(255)"`
	CashbackRate decimal.NullDecimal `gorm:"column:cashback_rate;type:decimal(10,8);comment:自身返现比例，空为默认"`
	CreatedAt    time.Time           `gorm:"column:created_at;not null"`
	UpdatedAt    time.Time           `gorm:"column:updated_at"`
}

// TableName 指定表名
func (UserModel) TableName() string { return "referral_users" }

// ReferralLinkModel 推荐关系表，每个用户至多一个上级
type ReferralLinkModel struct {
	UserID     string    `gorm:"column:user_id;type:varchar(64);primaryKey"`
	ReferrerID string    `gorm:"column:referrer_id;type:varchar(64);index;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
}

// TableName 指定表名
func (ReferralLinkModel) TableName() string { return "referral_links" }

// LedgerEntryModel 分佣台账
type LedgerEntryModel struct {
	ID            uint            `gorm:"primaryKey;autoIncrement"`
	SourceTradeID string          `gorm:"column:source_trade_id;type:varchar(64);not null;uniqueIndex:uk_trade_beneficiary_level,priority:1"`
	BeneficiaryID string          `gorm:"column:beneficiary_id;type:varchar(64);not null;uniqueIndex:uk_trade_beneficiary_level,priority:2;index:idx_beneficiary_created,priority:1"`
	Level         int             `gorm:"column:level;not null;uniqueIndex:uk_trade_beneficiary_level,priority:3"`
	Rate          decimal.Decimal `gorm:"column:rate;type:decimal(10,8);not null"`
	Amount        decimal.Decimal `gorm:"column:amount;type:decimal(36,18);not null"`
	Token         string          `gorm:"column:token;type:varchar(32);not null;index:idx_token_destination,priority:1"`
	Chain         string          `gorm:"column:chain;type:varchar(8);not null"`
	Destination   string          `gorm:"column:destination;type:varchar(16);not null;index:idx_token_destination,priority:2"`
	CreatedAt     time.Time       `gorm:"column:created_at;not null;index:idx_beneficiary_created,priority:2"`
}

// TableName 指定表名
func (LedgerEntryModel) TableName() string { return "commission_ledger" }

// TradeModel 成交记录
type TradeModel struct {
	TradeID   string          `gorm:"column:trade_id;type:varchar(64);primaryKey"`
	UserID    string          `gorm:"column:user_id;type:varchar(64);index;not null"`
	FeeAmount decimal.Decimal `gorm:"column:fee_amount;type:decimal(36,18);not null"`
	Token     string          `gorm:"column:token;type:varchar(32);not null"`
	Chain     string          `gorm:"column:chain;type:varchar(8);not null"`
	CreatedAt time.Time       `gorm:"column:created_at;not null"`
}

// TableName 指定表名
func (TradeModel) TableName() string { return "commission_trades" }

// Models 需要迁移的全部模型
func Models() []interface{} {
	return []interface{}{&UserModel{}, &ReferralLinkModel{}, &LedgerEntryModel{}, &TradeModel{}}
}

func toUser(m *UserModel) (*domain.User, error) {
	u := &domain.User{ID: m.ID, Email: m.Email, CreatedAt: m.CreatedAt}
	if m.ReferralCode != nil {
		u.ReferralCode = *m.ReferralCode
	}
	if m.CashbackRate.Valid {
		rate, err := money.FromDecimalFraction(m.CashbackRate.Decimal)
		if err != nil {
			return nil, err
		}
		u.CashbackRate = &rate
	}
	return u, nil
}

func toUserModel(u *domain.User) *UserModel {
	m := &UserModel{ID: u.ID, Email: u.Email, CreatedAt: u.CreatedAt}
	if u.ReferralCode != "" {
		code := u.ReferralCode
		m.ReferralCode = &code
	}
	if u.CashbackRate != nil {
		m.CashbackRate = decimal.NewNullDecimal(u.CashbackRate.Fraction())
	}
	return m
}

func toLedgerModel(e *domain.LedgerEntry) LedgerEntryModel {
	return LedgerEntryModel{
		SourceTradeID: e.SourceTradeID,
		BeneficiaryID: e.BeneficiaryID,
		Level:         e.Level,
		Rate:          e.Rate.Fraction(),
		Amount:        e.Amount.Decimal(),
		Token:         e.Token,
		Chain:         e.Chain.String(),
		Destination:   string(e.Destination),
		CreatedAt:     e.CreatedAt,
	}
}

func toTradeModel(t *domain.Trade) *TradeModel {
	return &TradeModel{
		TradeID:   t.TradeID,
		UserID:    t.UserID,
		FeeAmount: t.FeeAmount.Decimal(),
		Token:     t.Token,
		Chain:     t.Chain.String(),
		CreatedAt: t.CreatedAt,
	}
}
