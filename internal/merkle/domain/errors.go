package domain

import (
	"errors"

	"github.com/wyfcoding/referral/pkg/money"
)

var (
	// ErrEmptyTree 余额集合为空
	ErrEmptyTree = errors.New("merkle: empty balance set")
	// ErrInvalidBalance 受益人或代币为空，或受益人重复
	ErrInvalidBalance = errors.New("merkle: invalid balance")
	// ErrMixedTokens 一棵树只能包含单一代币
	ErrMixedTokens = errors.New("merkle: mixed tokens in one tree")
	// ErrInvalidAmount 金额为负或无法编码为 uint256，与 money 包共用同一哨兵
	ErrInvalidAmount = money.ErrInvalidAmount
	// ErrInvalidProof 证明与根不匹配
	ErrInvalidProof = errors.New("merkle: invalid proof")
	// ErrStaleProof 证明基于的余额集合与当前根不一致
	ErrStaleProof = errors.New("merkle: stale proof")
	// ErrVersionConflict 根版本未严格递增
	ErrVersionConflict = errors.New("merkle: root version conflict")
	// ErrInvalidRoot 根记录缺少链、代币或版本
	ErrInvalidRoot = errors.New("merkle: invalid root record")
	// ErrRootNotFound 未找到根
	ErrRootNotFound = errors.New("merkle: root not found")
	// ErrSnapshotNotFound 该版本没有余额快照
	ErrSnapshotNotFound = errors.New("merkle: balance snapshot not found")
	// ErrInvalidHash 哈希文本无法解析
	ErrInvalidHash = errors.New("merkle: invalid hash encoding")
	// ErrLockNotAcquired 发布锁被其他实例持有
	ErrLockNotAcquired = errors.New("merkle: publish lock held by another owner")
)
