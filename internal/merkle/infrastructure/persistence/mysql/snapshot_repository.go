package mysql

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/referral/internal/merkle/domain"
	"github.com/wyfcoding/referral/pkg/chain"
	"github.com/wyfcoding/referral/pkg/db"
	"github.com/wyfcoding/referral/pkg/money"
	"gorm.io/gorm"
)

const snapshotBatchSize = 500

// MerkleSnapshotModel 发布时的余额快照，每个受益人一行
type MerkleSnapshotModel struct {
	ID            uint            `gorm:"primaryKey;autoIncrement"`
	Chain         string          `gorm:"column:chain;type:varchar(8);not null;uniqueIndex:uk_snapshot_member,priority:1"`
	Token         string          `gorm:"column:token;type:varchar(32);not null;uniqueIndex:uk_snapshot_member,priority:2"`
	Version       uint64          `gorm:"column:version;not null;uniqueIndex:uk_snapshot_member,priority:3"`
	BeneficiaryID string          `gorm:"column:beneficiary_id;type:varchar(64);not null;uniqueIndex:uk_snapshot_member,priority:4"`
	Amount        decimal.Decimal `gorm:"column:amount;type:decimal(36,18);not null"`
}

// TableName 指定表名
func (MerkleSnapshotModel) TableName() string {
	return "merkle_snapshot_balances"
}

func toSnapshotModels(c chain.Chain, token string, version uint64, balances []domain.ClaimableBalance) []MerkleSnapshotModel {
	out := make([]MerkleSnapshotModel, len(balances))
	for i, b := range balances {
		out[i] = MerkleSnapshotModel{
			Chain:         c.String(),
			Token:         token,
			Version:       version,
			BeneficiaryID: b.BeneficiaryID,
			Amount:        b.TotalAmount.Decimal(),
		}
	}
	return out
}

func toSnapshotBalance(m *MerkleSnapshotModel) (domain.ClaimableBalance, error) {
	amount, err := money.FromDecimal(m.Amount)
	if err != nil {
		return domain.ClaimableBalance{}, fmt.Errorf("row %d: %w", m.ID, err)
	}
	return domain.ClaimableBalance{BeneficiaryID: m.BeneficiaryID, Token: m.Token, TotalAmount: amount}, nil
}

// SnapshotRepository domain.SnapshotStore 的 GORM 实现
type SnapshotRepository struct {
	db *gorm.DB
}

var _ domain.SnapshotStore = (*SnapshotRepository)(nil)

// NewSnapshotRepository 创建快照仓储
func NewSnapshotRepository(gdb *gorm.DB) *SnapshotRepository {
	return &SnapshotRepository{db: gdb}
}

// AutoMigrate 建表
func (r *SnapshotRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&MerkleSnapshotModel{})
}

// SaveSnapshot 整个快照在一个事务内写入；同一版本重复写入返回 ErrVersionConflict
func (r *SnapshotRepository) SaveSnapshot(ctx context.Context, c chain.Chain, token string, version uint64, balances []domain.ClaimableBalance) error {
	rows := toSnapshotModels(c, token, version, balances)
	if len(rows) == 0 {
		return nil
	}
	return db.Conn(ctx, r.db).Transaction(func(tx *gorm.DB) error {
		if err := tx.CreateInBatches(rows, snapshotBatchSize).Error; err != nil {
			if db.IsDuplicateKey(err) {
				return fmt.Errorf("%w: snapshot for version %d already exists", domain.ErrVersionConflict, version)
			}
			return err
		}
		return nil
	})
}

func (r *SnapshotRepository) LoadSnapshot(ctx context.Context, c chain.Chain, token string, version uint64) ([]domain.ClaimableBalance, error) {
	var models []MerkleSnapshotModel
	err := db.Conn(ctx, r.db).
		Where("chain = ? AND token = ? AND version = ?", c.String(), token, version).
		Order("beneficiary_id").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, fmt.Errorf("%w: %s/%s v%d", domain.ErrSnapshotNotFound, c, token, version)
	}
	out := make([]domain.ClaimableBalance, 0, len(models))
	for i := range models {
		b, err := toSnapshotBalance(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
