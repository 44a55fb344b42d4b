// Package memory 提供进程内的根存储，用于单实例部署与测试
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/wyfcoding/referral/internal/merkle/domain"
	"github.com/wyfcoding/referral/pkg/chain"
)

type rootKey struct {
	chain chain.Chain
	token string
}

type rootSeries struct {
	mu      sync.Mutex
	history []*domain.MerkleRootData
}

// RootStore 每个 (chain, token) 一把锁，写入前比较版本
type RootStore struct {
	mu     sync.RWMutex
	series map[rootKey]*rootSeries
}

var _ domain.RootStore = (*RootStore)(nil)

// NewRootStore 创建内存根存储
func NewRootStore() *RootStore {
	return &RootStore{series: make(map[rootKey]*rootSeries)}
}

func (s *RootStore) get(c chain.Chain, token string, create bool) *rootSeries {
	k := rootKey{chain: c, token: token}
	s.mu.RLock()
	rs, ok := s.series[k]
	s.mu.RUnlock()
	if ok || !create {
		return rs
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rs, ok = s.series[k]; !ok {
		rs = &rootSeries{}
		s.series[k] = rs
	}
	return rs
}

func (s *RootStore) Save(ctx context.Context, root *domain.MerkleRootData) error {
	rs := s.get(root.Chain, root.Token, true)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if n := len(rs.history); n > 0 && root.Version <= rs.history[n-1].Version {
		return fmt.Errorf("%w: version %d is not above %d", domain.ErrVersionConflict, root.Version, rs.history[n-1].Version)
	}
	// 取消后不得留下部分写入
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := *root
	rs.history = append(rs.history, &cp)
	return nil
}

func (s *RootStore) Latest(ctx context.Context, c chain.Chain, token string) (*domain.MerkleRootData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rs := s.get(c, token, false)
	if rs == nil {
		return nil, domain.ErrRootNotFound
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.history) == 0 {
		return nil, domain.ErrRootNotFound
	}
	cp := *rs.history[len(rs.history)-1]
	return &cp, nil
}

func (s *RootStore) GetByVersion(ctx context.Context, c chain.Chain, token string, version uint64) (*domain.MerkleRootData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rs := s.get(c, token, false)
	if rs == nil {
		return nil, domain.ErrRootNotFound
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, r := range rs.history {
		if r.Version == version {
			cp := *r
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: version %d", domain.ErrRootNotFound, version)
}

func (s *RootStore) History(ctx context.Context, c chain.Chain, token string, limit int) ([]*domain.MerkleRootData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rs := s.get(c, token, false)
	if rs == nil {
		return []*domain.MerkleRootData{}, nil
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()

	n := len(rs.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*domain.MerkleRootData, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		cp := *rs.history[i]
		out = append(out, &cp)
	}
	return out, nil
}
