package domain

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/wyfcoding/referral/pkg/chain"
)

// 域分隔前缀，叶子与内部节点不可互相伪造
const (
	leafPrefix byte = 0x00
	nodePrefix byte = 0x01
)

// Hasher 链族相关的哈希函数
type Hasher interface {
	Sum(data ...[]byte) Hash
}

type keccakHasher struct{}

func (keccakHasher) Sum(data ...[]byte) Hash {
	return Hash(crypto.Keccak256Hash(data...))
}

type sha256Hasher struct{}

func (sha256Hasher) Sum(data ...[]byte) Hash {
	d := sha256.New()
	for _, b := range data {
		d.Write(b)
	}
	var h Hash
	copy(h[:], d.Sum(nil))
	return h
}

// HasherFor EVM 使用 Keccak-256，SVM 使用 SHA-256
func HasherFor(c chain.Chain) (Hasher, error) {
	switch c {
	case chain.EVM:
		return keccakHasher{}, nil
	case chain.SVM:
		return sha256Hasher{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", chain.ErrUnknownChain, c)
	}
}

// EncodeLeaf 叶子原像：0x00 ‖ u32be(len(id)) ‖ id ‖ u32be(len(token)) ‖ token ‖ u256be(amount)
// amount 按 decimals 截断为最小单位
func EncodeLeaf(b ClaimableBalance, decimals int32) ([]byte, error) {
	units, overflow := uint256.FromBig(b.TotalAmount.MinorUnits(decimals))
	if overflow {
		return nil, fmt.Errorf("%w: %s overflows uint256", ErrInvalidAmount, b.TotalAmount)
	}
	amount := units.Bytes32()

	buf := make([]byte, 0, 1+4+len(b.BeneficiaryID)+4+len(b.Token)+len(amount))
	buf = append(buf, leafPrefix)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b.BeneficiaryID)))
	buf = append(buf, b.BeneficiaryID...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b.Token)))
	buf = append(buf, b.Token...)
	buf = append(buf, amount[:]...)
	return buf, nil
}

// LeafHash 计算叶子哈希
func LeafHash(h Hasher, b ClaimableBalance, decimals int32) (Hash, error) {
	pre, err := EncodeLeaf(b, decimals)
	if err != nil {
		return Hash{}, err
	}
	return h.Sum(pre), nil
}

// NodeHash 内部节点：H(0x01 ‖ left ‖ right)，左右按位置排列
func NodeHash(h Hasher, left, right Hash) Hash {
	return h.Sum([]byte{nodePrefix}, left[:], right[:])
}
