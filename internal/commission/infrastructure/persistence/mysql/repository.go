// Package mysql 提供分佣仓储的 GORM 实现，兼容 MySQL 与 PostgreSQL
package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/referral/internal/commission/domain"
	"github.com/wyfcoding/referral/pkg/db"
	"github.com/wyfcoding/referral/pkg/money"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AutoMigrate 建表
func AutoMigrate(ctx context.Context, gdb *gorm.DB) error {
	return gdb.WithContext(ctx).AutoMigrate(Models()...)
}

// UserRepository 用户仓储
type UserRepository struct {
	db *gorm.DB
}

var _ domain.UserRepository = (*UserRepository)(nil)

// NewUserRepository 创建用户仓储
func NewUserRepository(gdb *gorm.DB) *UserRepository {
	return &UserRepository{db: gdb}
}

func (r *UserRepository) FindByID(ctx context.Context, id string) (*domain.User, error) {
	var m UserModel
	err := db.Conn(ctx, r.db).Where("id = ?", id).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrUserNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return toUser(&m)
}

func (r *UserRepository) FindByReferralCode(ctx context.Context, code string) (*domain.User, error) {
	var m UserModel
	err := db.Conn(ctx, r.db).Where("referral_code = ?", code).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrReferralCodeNotFound, code)
	}
	if err != nil {
		return nil, err
	}
	return toUser(&m)
}

// CreateOrGetReferralCode 仅在邀请码为空时写入，随后读回实际值
func (r *UserRepository) CreateOrGetReferralCode(ctx context.Context, userID, candidate string) (string, error) {
	conn := db.Conn(ctx, r.db)
	res := conn.Model(&UserModel{}).
		Where("id = ? AND referral_code IS NULL", userID).
		Updates(map[string]interface{}{"referral_code": candidate, "updated_at": time.Now()})
	if res.Error != nil {
		return "", res.Error
	}
	u, err := r.FindByID(ctx, userID)
	if err != nil {
		return "", err
	}
	return u.ReferralCode, nil
}

func (r *UserRepository) SetEmail(ctx context.Context, userID, email string) error {
	return r.update(ctx, userID, map[string]interface{}{"email": email})
}

func (r *UserRepository) SetCashbackRate(ctx context.Context, userID string, rate money.Percentage) error {
	return r.update(ctx, userID, map[string]interface{}{"cashback_rate": rate.Fraction()})
}

func (r *UserRepository) update(ctx context.Context, userID string, fields map[string]interface{}) error {
	fields["updated_at"] = time.Now()
	res := db.Conn(ctx, r.db).Model(&UserModel{}).Where("id = ?", userID).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrUserNotFound, userID)
	}
	return nil
}

func (r *UserRepository) Save(ctx context.Context, user *domain.User) error {
	return db.Conn(ctx, r.db).Save(toUserModel(user)).Error
}

// ReferralRepository 推荐关系仓储
type ReferralRepository struct {
	db *gorm.DB
}

var _ domain.ReferralRepository = (*ReferralRepository)(nil)

// NewReferralRepository 创建推荐关系仓储
func NewReferralRepository(gdb *gorm.DB) *ReferralRepository {
	return &ReferralRepository{db: gdb}
}

// GetAncestors 逐层向上查询，层数受 maxLevels 约束
func (r *ReferralRepository) GetAncestors(ctx context.Context, userID string, maxLevels int) ([]string, error) {
	conn := db.Conn(ctx, r.db)
	out := make([]string, 0, maxLevels)
	cur := userID
	for len(out) < maxLevels {
		var link ReferralLinkModel
		err := conn.Where("user_id = ?", cur).Take(&link).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, link.ReferrerID)
		cur = link.ReferrerID
	}
	return out, nil
}

func (r *ReferralRepository) HasReferrer(ctx context.Context, userID string) (bool, error) {
	var n int64
	err := db.Conn(ctx, r.db).Model(&ReferralLinkModel{}).Where("user_id = ?", userID).Count(&n).Error
	return n > 0, err
}

func (r *ReferralRepository) CreateLink(ctx context.Context, link *domain.ReferralLink) error {
	err := db.Conn(ctx, r.db).Create(&ReferralLinkModel{
		UserID:     link.UserID,
		ReferrerID: link.ReferrerID,
		CreatedAt:  link.CreatedAt,
	}).Error
	if db.IsDuplicateKey(err) {
		return fmt.Errorf("%w: %s", domain.ErrAlreadyReferred, link.UserID)
	}
	return err
}

func (r *ReferralRepository) GetDirectReferees(ctx context.Context, userID string) ([]*domain.ReferralLink, error) {
	var models []ReferralLinkModel
	if err := db.Conn(ctx, r.db).Where("referrer_id = ?", userID).Order("created_at, user_id").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*domain.ReferralLink, 0, len(models))
	for _, m := range models {
		out = append(out, &domain.ReferralLink{UserID: m.UserID, ReferrerID: m.ReferrerID, CreatedAt: m.CreatedAt})
	}
	return out, nil
}

// LedgerRepository 分佣台账仓储
type LedgerRepository struct {
	db        *gorm.DB
	batchSize int
}

var _ domain.LedgerRepository = (*LedgerRepository)(nil)

// NewLedgerRepository 创建台账仓储
func NewLedgerRepository(gdb *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: gdb, batchSize: 200}
}

// RecordEntries ON CONFLICT DO NOTHING 批量写入
func (r *LedgerRepository) RecordEntries(ctx context.Context, entries []*domain.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	models := make([]LedgerEntryModel, len(entries))
	for i, e := range entries {
		models[i] = toLedgerModel(e)
	}
	_, err := db.InsertIgnoreConflict(ctx, db.Conn(ctx, r.db), &models, r.batchSize)
	return err
}

type levelSum struct {
	Level int
	Total decimal.Decimal
}

func (r *LedgerRepository) GetEarningsSummary(ctx context.Context, userID string, tr *domain.TimeRange) (*domain.EarningsSummary, error) {
	q := db.Conn(ctx, r.db).Model(&LedgerEntryModel{}).
		Select("level, SUM(amount) AS total").
		Where("beneficiary_id = ?", userID)
	if tr != nil {
		if !tr.From.IsZero() {
			q = q.Where("created_at >= ?", tr.From)
		}
		if !tr.To.IsZero() {
			q = q.Where("created_at < ?", tr.To)
		}
	}
	var rows []levelSum
	if err := q.Group("level").Scan(&rows).Error; err != nil {
		return nil, err
	}

	sum := &domain.EarningsSummary{UserID: userID, Total: money.Zero(), ByLevel: make(map[int]money.Money, len(rows))}
	for _, row := range rows {
		amt, err := money.FromDecimal(row.Total)
		if err != nil {
			return nil, err
		}
		sum.ByLevel[row.Level] = amt
		sum.Total = sum.Total.Add(amt)
	}
	return sum, nil
}

type beneficiarySum struct {
	BeneficiaryID string
	Total         decimal.Decimal
}

func (r *LedgerRepository) AggregateClaimable(ctx context.Context, token string) ([]domain.ClaimableTotal, error) {
	var rows []beneficiarySum
	err := db.Conn(ctx, r.db).Model(&LedgerEntryModel{}).
		Select("beneficiary_id, SUM(amount) AS total").
		Where("token = ? AND destination = ?", token, string(domain.DestinationClaimable)).
		Group("beneficiary_id").
		Order(clause.OrderByColumn{Column: clause.Column{Name: "beneficiary_id"}}).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.ClaimableTotal, 0, len(rows))
	for _, row := range rows {
		amt, err := money.FromDecimal(row.Total)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.ClaimableTotal{BeneficiaryID: row.BeneficiaryID, Token: token, Amount: amt})
	}
	return out, nil
}

// TradesRepository 成交记录仓储
type TradesRepository struct {
	db *gorm.DB
}

var _ domain.TradesRepository = (*TradesRepository)(nil)

// NewTradesRepository 创建成交记录仓储
func NewTradesRepository(gdb *gorm.DB) *TradesRepository {
	return &TradesRepository{db: gdb}
}

// CreateTrade 重复的 trade_id 被忽略，此时 created 为 false
func (r *TradesRepository) CreateTrade(ctx context.Context, t *domain.Trade) (bool, error) {
	res := db.Conn(ctx, r.db).Clauses(clause.OnConflict{DoNothing: true}).Create(toTradeModel(t))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// TradeExists 成交是否已落库
func (r *TradesRepository) TradeExists(ctx context.Context, tradeID string) (bool, error) {
	var n int64
	if err := db.Conn(ctx, r.db).Model(&TradeModel{}).Where("trade_id = ?", tradeID).Limit(1).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}
