// Package mysql 提供根存储的 GORM 实现，兼容 MySQL 与 PostgreSQL
package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wyfcoding/referral/internal/merkle/domain"
	"github.com/wyfcoding/referral/pkg/chain"
	"github.com/wyfcoding/referral/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MerkleRootModel 根版本表，(chain, token, version) 唯一
type MerkleRootModel struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Chain     string    `gorm:"column:chain;type:varchar(8);not null;uniqueIndex:uk_chain_token_version,priority:1;comment:链族(EVM/SVM)"`
	Token     string    `gorm:"column:token;type:varchar(32);not null;uniqueIndex:uk_chain_token_version,priority:2;comment:代币"`
	Version   uint64    `gorm:"column:version;not null;uniqueIndex:uk_chain_token_version,priority:3;comment:根版本"`
	Root      string    `gorm:"column:root;type:char(66);not null;comment:根哈希(0x十六进制)"`
	LeafCount int       `gorm:"column:leaf_count;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName 指定表名
func (MerkleRootModel) TableName() string {
	return "merkle_roots"
}

func toRootModel(r *domain.MerkleRootData) *MerkleRootModel {
	return &MerkleRootModel{
		Chain:     r.Chain.String(),
		Token:     r.Token,
		Version:   r.Version,
		Root:      r.Root.Hex(),
		LeafCount: r.LeafCount,
		CreatedAt: r.CreatedAt,
	}
}

func toRoot(m *MerkleRootModel) (*domain.MerkleRootData, error) {
	c, err := chain.ParseChain(m.Chain)
	if err != nil {
		return nil, err
	}
	h, err := domain.ParseHash(chain.EVM, m.Root)
	if err != nil {
		return nil, fmt.Errorf("row %d: %w", m.ID, err)
	}
	return &domain.MerkleRootData{
		Chain:     c,
		Token:     m.Token,
		Root:      h,
		Version:   m.Version,
		LeafCount: m.LeafCount,
		CreatedAt: m.CreatedAt,
	}, nil
}

// RootRepository domain.RootStore 的 GORM 实现
type RootRepository struct {
	db *gorm.DB
}

var _ domain.RootStore = (*RootRepository)(nil)

// NewRootRepository 创建根仓储
func NewRootRepository(gdb *gorm.DB) *RootRepository {
	return &RootRepository{db: gdb}
}

// AutoMigrate 建表
func (r *RootRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&MerkleRootModel{})
}

// Save 在事务内锁定当前最新行后比较版本再插入；唯一键兜底并发插入
func (r *RootRepository) Save(ctx context.Context, root *domain.MerkleRootData) error {
	return db.Conn(ctx, r.db).Transaction(func(tx *gorm.DB) error {
		var latest MerkleRootModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("chain = ? AND token = ?", root.Chain.String(), root.Token).
			Order("version DESC").
			Limit(1).
			Take(&latest).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		case root.Version <= latest.Version:
			return fmt.Errorf("%w: version %d is not above %d", domain.ErrVersionConflict, root.Version, latest.Version)
		}

		if err := tx.Create(toRootModel(root)).Error; err != nil {
			if db.IsDuplicateKey(err) {
				return fmt.Errorf("%w: version %d already exists", domain.ErrVersionConflict, root.Version)
			}
			return err
		}
		return nil
	})
}

func (r *RootRepository) Latest(ctx context.Context, c chain.Chain, token string) (*domain.MerkleRootData, error) {
	var m MerkleRootModel
	err := db.Conn(ctx, r.db).
		Where("chain = ? AND token = ?", c.String(), token).
		Order("version DESC").
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrRootNotFound
	}
	if err != nil {
		return nil, err
	}
	return toRoot(&m)
}

func (r *RootRepository) GetByVersion(ctx context.Context, c chain.Chain, token string, version uint64) (*domain.MerkleRootData, error) {
	var m MerkleRootModel
	err := db.Conn(ctx, r.db).
		Where("chain = ? AND token = ? AND version = ?", c.String(), token, version).
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: version %d", domain.ErrRootNotFound, version)
	}
	if err != nil {
		return nil, err
	}
	return toRoot(&m)
}

func (r *RootRepository) History(ctx context.Context, c chain.Chain, token string, limit int) ([]*domain.MerkleRootData, error) {
	q := db.Conn(ctx, r.db).
		Where("chain = ? AND token = ?", c.String(), token).
		Order("version DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []MerkleRootModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*domain.MerkleRootData, 0, len(models))
	for i := range models {
		root, err := toRoot(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, root)
	}
	return out, nil
}
