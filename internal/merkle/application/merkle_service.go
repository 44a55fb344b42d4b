package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/wyfcoding/referral/internal/merkle/domain"
	"github.com/wyfcoding/referral/pkg/chain"
	"github.com/wyfcoding/referral/pkg/metrics"
)

const (
	defaultPublishRetries = 3
	defaultLockTTL        = 30 * time.Second
)

// MerkleService 领取树应用服务：建树、证明、根版本管理与定期发布
type MerkleService struct {
	builder   *domain.TreeBuilder
	store     domain.RootStore
	balances  domain.BalanceSource
	snapshots domain.SnapshotStore
	locker    domain.Locker
	publisher domain.EventPublisher
	clock     clockwork.Clock
	metrics   metrics.Collector
	logger    *slog.Logger

	publishRetries uint64
	lockTTL        time.Duration
	retryInterval  time.Duration
}

// Option 可选依赖
type Option func(*MerkleService)

// WithBalanceSource 发布根时读取余额的来源
func WithBalanceSource(src domain.BalanceSource) Option {
	return func(s *MerkleService) { s.balances = src }
}

// WithSnapshotStore 按版本保存发布时的余额，证明针对已发布的根生成
func WithSnapshotStore(st domain.SnapshotStore) Option {
	return func(s *MerkleService) { s.snapshots = st }
}

// WithLocker 发布互斥锁
func WithLocker(l domain.Locker) Option {
	return func(s *MerkleService) { s.locker = l }
}

// WithEventPublisher 根发布事件出口
func WithEventPublisher(p domain.EventPublisher) Option {
	return func(s *MerkleService) { s.publisher = p }
}

// WithClock 注入时钟
func WithClock(c clockwork.Clock) Option {
	return func(s *MerkleService) { s.clock = c }
}

// WithMetrics 注入指标收集器
func WithMetrics(m metrics.Collector) Option {
	return func(s *MerkleService) { s.metrics = m }
}

// WithPublishRetries 版本冲突时的最大重试次数
func WithPublishRetries(n int) Option {
	return func(s *MerkleService) {
		if n >= 0 {
			s.publishRetries = uint64(n)
		}
	}
}

// WithLockTTL 发布锁的过期时间
func WithLockTTL(ttl time.Duration) Option {
	return func(s *MerkleService) {
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// WithRetryInterval 冲突重试的初始间隔
func WithRetryInterval(d time.Duration) Option {
	return func(s *MerkleService) {
		if d > 0 {
			s.retryInterval = d
		}
	}
}

// NewMerkleService 创建服务
func NewMerkleService(builder *domain.TreeBuilder, store domain.RootStore, logger *slog.Logger, opts ...Option) *MerkleService {
	s := &MerkleService{
		builder:        builder,
		store:          store,
		clock:          clockwork.NewRealClock(),
		metrics:        metrics.Noop{},
		logger:         logger.With("module", "merkle_service"),
		publishRetries: defaultPublishRetries,
		lockTTL:        defaultLockTTL,
		retryInterval:  100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GenerateTree 由余额集合构建树
func (s *MerkleService) GenerateTree(balances []domain.ClaimableBalance, c chain.Chain) (*domain.Tree, error) {
	start := s.clock.Now()
	tree, err := s.builder.Build(balances, c)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveTreeBuild(c.String(), s.clock.Since(start).Seconds())
	return tree, nil
}

// GenerateProof 重建树并返回受益人的证明；受益人不在集合中时返回 (nil, nil)
func (s *MerkleService) GenerateProof(beneficiaryID string, balances []domain.ClaimableBalance, c chain.Chain) (*domain.MerkleProof, error) {
	tree, err := s.GenerateTree(balances, c)
	if err != nil {
		s.metrics.RecordProofRequest(c.String(), "error")
		return nil, err
	}
	p := tree.Proof(beneficiaryID)
	if p == nil {
		s.metrics.RecordProofRequest(c.String(), "absent")
		return nil, nil
	}
	s.metrics.RecordProofRequest(c.String(), "ok")
	return p, nil
}

// VerifyProof 校验证明是否属于给定的根
func (s *MerkleService) VerifyProof(p *domain.MerkleProof, root domain.Hash) bool {
	return s.builder.Verify(p, root)
}

// VerifyAgainstRoot 针对已存储的根校验；叶子数、链或代币不一致时返回 ErrStaleProof
func (s *MerkleService) VerifyAgainstRoot(p *domain.MerkleProof, root *domain.MerkleRootData) error {
	if p == nil || root == nil {
		return domain.ErrInvalidProof
	}
	if p.Chain != root.Chain || p.Token != root.Token || p.LeafCount != root.LeafCount {
		return fmt.Errorf("%w: proof built over %d leaves (%s/%s), root v%d has %d (%s/%s)",
			domain.ErrStaleProof, p.LeafCount, p.Chain, p.Token, root.Version, root.LeafCount, root.Chain, root.Token)
	}
	if !s.builder.Verify(p, root.Root) {
		return domain.ErrInvalidProof
	}
	return nil
}

// StoreMerkleRoot 写入新根；版本必须严格大于当前最新版本。
// 存储的是副本，CreatedAt 为空时在副本上补齐，不回写调用方的值
func (s *MerkleService) StoreMerkleRoot(ctx context.Context, root *domain.MerkleRootData) error {
	if root == nil || root.Version == 0 || !root.Chain.Valid() || root.Token == "" {
		return domain.ErrInvalidRoot
	}
	stored := *root
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.clock.Now().UTC()
	}
	if err := s.store.Save(ctx, &stored); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			s.metrics.RecordRootConflict(stored.Chain.String(), stored.Token)
		}
		return err
	}
	s.metrics.RecordRootPublished(stored.Chain.String(), stored.Token, stored.LeafCount)
	s.logger.InfoContext(ctx, "merkle root stored",
		"chain", stored.Chain, "token", stored.Token, "version", stored.Version,
		"leaf_count", stored.LeafCount, "root", stored.Root.Encode(stored.Chain))
	return nil
}

// GetLatestRoot 最新根，无记录时返回 ErrRootNotFound
func (s *MerkleService) GetLatestRoot(ctx context.Context, c chain.Chain, token string) (*domain.MerkleRootData, error) {
	return s.store.Latest(ctx, c, token)
}

// GetRootByVersion 指定版本的根
func (s *MerkleService) GetRootByVersion(ctx context.Context, c chain.Chain, token string, version uint64) (*domain.MerkleRootData, error) {
	return s.store.GetByVersion(ctx, c, token, version)
}

// ListRootHistory 根历史，按版本倒序
func (s *MerkleService) ListRootHistory(ctx context.Context, c chain.Chain, token string, limit int) ([]*domain.MerkleRootData, error) {
	return s.store.History(ctx, c, token, limit)
}

// PublishRoot 读取当前余额，构建并存储 latest+1 版本的根，随后发布事件。
// 并发发布者之间的版本冲突按退避重试，每次重试重新读取最新版本。
func (s *MerkleService) PublishRoot(ctx context.Context, c chain.Chain, token string) (*domain.MerkleRootData, error) {
	if s.balances == nil {
		return nil, errors.New("merkle: no balance source configured")
	}

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, lockKey(c, token), s.lockTTL)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger.WarnContext(ctx, "failed to release publish lock", "chain", c, "token", token, "error", err)
			}
		}()
	}

	balances, err := s.balances.ClaimableBalances(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("load claimable balances: %w", err)
	}
	tree, err := s.GenerateTree(balances, c)
	if err != nil {
		return nil, err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.retryInterval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, s.publishRetries), ctx)

	root, err := backoff.RetryWithData(func() (*domain.MerkleRootData, error) {
		next, err := s.nextVersion(ctx, c, token)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		r := &domain.MerkleRootData{
			Chain:     c,
			Token:     token,
			Root:      tree.Root,
			Version:   next,
			LeafCount: tree.LeafCount(),
			CreatedAt: s.clock.Now().UTC(),
		}
		if err := s.StoreMerkleRoot(ctx, r); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				s.logger.WarnContext(ctx, "root version conflict, retrying", "chain", c, "token", token, "version", next)
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return r, nil
	}, b)
	if err != nil {
		return nil, err
	}

	if s.snapshots != nil {
		if err := s.snapshots.SaveSnapshot(ctx, c, token, root.Version, tree.Balances); err != nil {
			// 没有快照时证明退回到当前余额，版本之后有记账则报 ErrStaleProof
			s.logger.ErrorContext(ctx, "failed to save balance snapshot", "chain", c, "token", token, "version", root.Version, "error", err)
		}
	}

	if s.publisher != nil {
		if err := s.publisher.PublishRootPublished(ctx, domain.NewRootPublishedEvent(root)); err != nil {
			// 根已持久化，事件失败只记录，由下游按 GetLatestRoot 补偿
			s.logger.ErrorContext(ctx, "failed to announce merkle root", "chain", c, "token", token, "version", root.Version, "error", err)
		}
	}
	return root, nil
}

// ProofForLatestRoot 针对最新根生成证明，受益人不存在时返回 (nil, nil)。
// 有该版本的余额快照时按快照重建；否则使用当前余额，余额自发布后变化时返回 ErrStaleProof
func (s *MerkleService) ProofForLatestRoot(ctx context.Context, c chain.Chain, token, beneficiaryID string) (*domain.MerkleProof, *domain.MerkleRootData, error) {
	if s.balances == nil && s.snapshots == nil {
		return nil, nil, errors.New("merkle: no balance source configured")
	}
	latest, err := s.store.Latest(ctx, c, token)
	if err != nil {
		return nil, nil, err
	}

	if s.snapshots != nil {
		snapshot, err := s.snapshots.LoadSnapshot(ctx, c, token, latest.Version)
		switch {
		case err == nil:
			return s.proofFromSnapshot(c, beneficiaryID, snapshot, latest)
		case !errors.Is(err, domain.ErrSnapshotNotFound):
			return nil, nil, fmt.Errorf("load balance snapshot: %w", err)
		}
		if s.balances == nil {
			return nil, latest, err
		}
	}

	balances, err := s.balances.ClaimableBalances(ctx, token)
	if err != nil {
		return nil, nil, fmt.Errorf("load claimable balances: %w", err)
	}
	proof, err := s.GenerateProof(beneficiaryID, balances, c)
	if err != nil {
		return nil, nil, err
	}
	if proof == nil {
		return nil, latest, nil
	}
	if err := s.VerifyAgainstRoot(proof, latest); err != nil {
		if errors.Is(err, domain.ErrInvalidProof) {
			// 叶子数相同但余额已变化
			return nil, latest, fmt.Errorf("%w: balances changed since version %d", domain.ErrStaleProof, latest.Version)
		}
		return nil, latest, err
	}
	return proof, latest, nil
}

func (s *MerkleService) proofFromSnapshot(c chain.Chain, beneficiaryID string, snapshot []domain.ClaimableBalance, latest *domain.MerkleRootData) (*domain.MerkleProof, *domain.MerkleRootData, error) {
	proof, err := s.GenerateProof(beneficiaryID, snapshot, c)
	if err != nil {
		return nil, nil, err
	}
	if proof == nil {
		return nil, latest, nil
	}
	if err := s.VerifyAgainstRoot(proof, latest); err != nil {
		// 快照与根不一致说明存储损坏，不能静默返回
		return nil, latest, fmt.Errorf("snapshot for version %d does not match root: %w", latest.Version, err)
	}
	return proof, latest, nil
}

func (s *MerkleService) nextVersion(ctx context.Context, c chain.Chain, token string) (uint64, error) {
	latest, err := s.store.Latest(ctx, c, token)
	if errors.Is(err, domain.ErrRootNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return latest.Version + 1, nil
}

func lockKey(c chain.Chain, token string) string {
	return fmt.Sprintf("merkle:publish:%s:%s", c, token)
}
