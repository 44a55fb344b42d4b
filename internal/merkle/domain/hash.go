package domain

import (
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gagliardetto/solana-go"
	"github.com/wyfcoding/referral/pkg/chain"
)

// HashLength 哈希字节长度
const HashLength = 32

// Hash 32 字节摘要
type Hash [HashLength]byte

// IsZero 是否为零值
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Hex 0x 前缀的十六进制
func (h Hash) Hex() string {
	return common.Hash(h).Hex()
}

// Encode 按链族编码：EVM 为 0x 十六进制，SVM 为 base58
func (h Hash) Encode(c chain.Chain) string {
	if c == chain.SVM {
		return solana.Hash(h).String()
	}
	return h.Hex()
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ParseHash 按链族解析哈希文本
func ParseHash(c chain.Chain, s string) (Hash, error) {
	switch c {
	case chain.EVM:
		b, err := hexutil.Decode(s)
		if err != nil {
			return Hash{}, fmt.Errorf("%w: %v", ErrInvalidHash, err)
		}
		if len(b) != HashLength {
			return Hash{}, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidHash, HashLength, len(b))
		}
		var h Hash
		copy(h[:], b)
		return h, nil
	case chain.SVM:
		sh, err := solana.HashFromBase58(s)
		if err != nil {
			return Hash{}, fmt.Errorf("%w: %v", ErrInvalidHash, err)
		}
		return Hash(sh), nil
	default:
		return Hash{}, fmt.Errorf("%w: %q", chain.ErrUnknownChain, c)
	}
}

// ParseHashes 批量解析
func ParseHashes(c chain.Chain, ss []string) ([]Hash, error) {
	out := make([]Hash, 0, len(ss))
	for _, s := range ss {
		h, err := ParseHash(c, s)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// EncodeHashes 批量编码
func EncodeHashes(c chain.Chain, hs []Hash) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = h.Encode(c)
	}
	return out
}
