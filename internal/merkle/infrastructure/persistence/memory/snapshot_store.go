package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/wyfcoding/referral/internal/merkle/domain"
	"github.com/wyfcoding/referral/pkg/chain"
)

type snapshotKey struct {
	chain   chain.Chain
	token   string
	version uint64
}

// SnapshotStore 内存余额快照，每个版本只写一次
type SnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[snapshotKey][]domain.ClaimableBalance
}

var _ domain.SnapshotStore = (*SnapshotStore)(nil)

// NewSnapshotStore 创建内存快照存储
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{snapshots: make(map[snapshotKey][]domain.ClaimableBalance)}
}

func (s *SnapshotStore) SaveSnapshot(ctx context.Context, c chain.Chain, token string, version uint64, balances []domain.ClaimableBalance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k := snapshotKey{chain: c, token: token, version: version}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[k]; ok {
		return fmt.Errorf("%w: snapshot for version %d already exists", domain.ErrVersionConflict, version)
	}
	s.snapshots[k] = slices.Clone(balances)
	return nil
}

func (s *SnapshotStore) LoadSnapshot(ctx context.Context, c chain.Chain, token string, version uint64) ([]domain.ClaimableBalance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.snapshots[snapshotKey{chain: c, token: token, version: version}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s v%d", domain.ErrSnapshotNotFound, c, token, version)
	}
	return slices.Clone(b), nil
}
