// Package domain Merkle 领取树的领域模型：叶子编码、树构建、证明生成与校验、根版本
package domain

import (
	"time"

	"github.com/wyfcoding/referral/pkg/chain"
	"github.com/wyfcoding/referral/pkg/money"
)

// ClaimableBalance 某受益人在某代币下的累计可领取余额
type ClaimableBalance struct {
	BeneficiaryID string      `json:"beneficiary_id"`
	Token         string      `json:"token"`
	TotalAmount   money.Money `json:"total_amount"`
}

// MerkleProof 单个受益人的包含证明，Proof 按叶子到根的顺序排列
type MerkleProof struct {
	BeneficiaryID string
	Token         string
	Amount        money.Money
	Chain         chain.Chain
	LeafIndex     int
	LeafCount     int
	Leaf          Hash
	Proof         []Hash
}

// MerkleRootData 已发布的根；同一 (chain, token) 下版本严格递增，写入后不可修改
type MerkleRootData struct {
	Chain     chain.Chain
	Token     string
	Root      Hash
	Version   uint64
	LeafCount int
	CreatedAt time.Time
}

// RootPublishedEvent 根发布事件
type RootPublishedEvent struct {
	Chain     string    `json:"chain"`
	Token     string    `json:"token"`
	Root      string    `json:"root"`
	Version   uint64    `json:"version"`
	LeafCount int       `json:"leaf_count"`
	CreatedAt time.Time `json:"created_at"`
}

// NewRootPublishedEvent 由根数据构造事件，根按链族编码
func NewRootPublishedEvent(r *MerkleRootData) RootPublishedEvent {
	return RootPublishedEvent{
		Chain:     r.Chain.String(),
		Token:     r.Token,
		Root:      r.Root.Encode(r.Chain),
		Version:   r.Version,
		LeafCount: r.LeafCount,
		CreatedAt: r.CreatedAt,
	}
}
