// Package chain 定义结算链族
package chain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownChain 未知链族
var ErrUnknownChain = errors.New("unknown chain")

// Chain 链族，决定哈希算法与哈希的文本编码
type Chain string

const (
	EVM Chain = "EVM"
	SVM Chain = "SVM"
)

// ParseChain 解析链族，大小写不敏感
func ParseChain(s string) (Chain, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(EVM):
		return EVM, nil
	case string(SVM):
		return SVM, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownChain, s)
	}
}

func (c Chain) String() string { return string(c) }

// Valid 是否为已知链族
func (c Chain) Valid() bool {
	return c == EVM || c == SVM
}
