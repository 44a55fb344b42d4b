package application

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/referral/internal/merkle/domain"
	"github.com/wyfcoding/referral/internal/merkle/infrastructure/lock"
	"github.com/wyfcoding/referral/internal/merkle/infrastructure/persistence/memory"
	"github.com/wyfcoding/referral/pkg/chain"
	"github.com/wyfcoding/referral/pkg/money"
)

type staticBalances struct {
	mu   sync.Mutex
	rows []domain.ClaimableBalance
}

func (s *staticBalances) set(rows ...domain.ClaimableBalance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = rows
}

func (s *staticBalances) ClaimableBalances(_ context.Context, token string) ([]domain.ClaimableBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ClaimableBalance
	for _, r := range s.rows {
		if r.Token == token {
			out = append(out, r)
		}
	}
	return out, nil
}

type capturedEvents struct {
	events []domain.RootPublishedEvent
}

func (c *capturedEvents) PublishRootPublished(_ context.Context, e domain.RootPublishedEvent) error {
	c.events = append(c.events, e)
	return nil
}

// racingStore 第一次 Save 前插入同版本记录，模拟另一个发布者抢先
type racingStore struct {
	*memory.RootStore
	once sync.Once
}

func (r *racingStore) Save(ctx context.Context, root *domain.MerkleRootData) error {
	r.once.Do(func() {
		cp := *root
		_ = r.RootStore.Save(ctx, &cp)
	})
	return r.RootStore.Save(ctx, root)
}

func usdc(id string, amount float64) domain.ClaimableBalance {
	return domain.ClaimableBalance{BeneficiaryID: id, Token: "USDC", TotalAmount: money.MustFrom(amount)}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newService(store domain.RootStore, src domain.BalanceSource, opts ...Option) *MerkleService {
	opts = append([]Option{
		WithBalanceSource(src),
		WithClock(clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))),
		WithRetryInterval(time.Millisecond),
	}, opts...)
	return NewMerkleService(domain.NewTreeBuilder(6), store, discard(), opts...)
}

func TestPublishRoot_IncrementsVersionAndAnnounces(t *testing.T) {
	ctx := context.Background()
	src := &staticBalances{}
	src.set(usdc("alice", 30), usdc("bob", 3), usdc("carol", 10))
	events := &capturedEvents{}
	svc := newService(memory.NewRootStore(), src, WithEventPublisher(events), WithLocker(lock.NewLocalLocker()))

	r1, err := svc.PublishRoot(ctx, chain.EVM, "USDC")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r1.Version)
	assert.Equal(t, 3, r1.LeafCount)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), r1.CreatedAt)

	r2, err := svc.PublishRoot(ctx, chain.EVM, "USDC")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), r2.Version)
	assert.Equal(t, r1.Root, r2.Root)

	require.Len(t, events.events, 2)
	assert.Equal(t, r2.Root.Hex(), events.events[1].Root)

	latest, err := svc.GetLatestRoot(ctx, chain.EVM, "USDC")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), latest.Version)

	hist, err := svc.ListRootHistory(ctx, chain.EVM, "USDC", 10)
	require.NoError(t, err)
	assert.Len(t, hist, 2)

	v1, err := svc.GetRootByVersion(ctx, chain.EVM, "USDC", 1)
	require.NoError(t, err)
	assert.Equal(t, r1.Root, v1.Root)
}

func TestPublishRoot_RetriesOnVersionConflict(t *testing.T) {
	src := &staticBalances{}
	src.set(usdc("alice", 1))
	store := &racingStore{RootStore: memory.NewRootStore()}
	svc := newService(store, src)

	r, err := svc.PublishRoot(context.Background(), chain.SVM, "USDC")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), r.Version)
}

func TestPublishRoot_GivesUpAfterRetries(t *testing.T) {
	src := &staticBalances{}
	src.set(usdc("alice", 1))
	svc := newService(alwaysConflict{memory.NewRootStore()}, src, WithPublishRetries(2))

	_, err := svc.PublishRoot(context.Background(), chain.EVM, "USDC")
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
}

type alwaysConflict struct {
	*memory.RootStore
}

func (alwaysConflict) Save(context.Context, *domain.MerkleRootData) error {
	return domain.ErrVersionConflict
}

func TestPublishRoot_LockHeld(t *testing.T) {
	src := &staticBalances{}
	src.set(usdc("alice", 1))
	locker := lock.NewLocalLocker()
	svc := newService(memory.NewRootStore(), src, WithLocker(locker))

	_, err := locker.Acquire(context.Background(), lockKey(chain.EVM, "USDC"), time.Minute)
	require.NoError(t, err)

	_, err = svc.PublishRoot(context.Background(), chain.EVM, "USDC")
	assert.ErrorIs(t, err, domain.ErrLockNotAcquired)
}

func TestPublishRoot_EmptyBalances(t *testing.T) {
	svc := newService(memory.NewRootStore(), &staticBalances{})
	_, err := svc.PublishRoot(context.Background(), chain.EVM, "USDC")
	assert.ErrorIs(t, err, domain.ErrEmptyTree)
}

func TestProofForLatestRoot(t *testing.T) {
	ctx := context.Background()
	src := &staticBalances{}
	src.set(usdc("alice", 30), usdc("bob", 3), usdc("carol", 10))
	svc := newService(memory.NewRootStore(), src)

	_, _, err := svc.ProofForLatestRoot(ctx, chain.EVM, "USDC", "alice")
	assert.ErrorIs(t, err, domain.ErrRootNotFound)

	root, err := svc.PublishRoot(ctx, chain.EVM, "USDC")
	require.NoError(t, err)

	proof, latest, err := svc.ProofForLatestRoot(ctx, chain.EVM, "USDC", "bob")
	require.NoError(t, err)
	require.NotNil(t, proof)
	assert.Equal(t, root.Version, latest.Version)
	assert.NoError(t, svc.VerifyAgainstRoot(proof, latest))

	proof, _, err = svc.ProofForLatestRoot(ctx, chain.EVM, "USDC", "nobody")
	require.NoError(t, err)
	assert.Nil(t, proof)

	// 新增受益人后叶子数变化
	src.set(usdc("alice", 30), usdc("bob", 3), usdc("carol", 10), usdc("dave", 1))
	_, _, err = svc.ProofForLatestRoot(ctx, chain.EVM, "USDC", "bob")
	assert.ErrorIs(t, err, domain.ErrStaleProof)

	// 叶子数不变但金额变化
	src.set(usdc("alice", 30), usdc("bob", 4), usdc("carol", 10))
	_, _, err = svc.ProofForLatestRoot(ctx, chain.EVM, "USDC", "bob")
	assert.ErrorIs(t, err, domain.ErrStaleProof)
}

func TestProofForLatestRoot_UsesPublishedSnapshot(t *testing.T) {
	ctx := context.Background()
	src := &staticBalances{}
	src.set(usdc("alice", 30), usdc("bob", 3), usdc("carol", 10))
	snapshots := memory.NewSnapshotStore()
	svc := newService(memory.NewRootStore(), src, WithSnapshotStore(snapshots))

	root, err := svc.PublishRoot(ctx, chain.EVM, "USDC")
	require.NoError(t, err)

	// 发布后继续记账，证明仍针对已发布的余额
	src.set(usdc("alice", 30), usdc("bob", 4), usdc("carol", 10), usdc("dave", 1))
	proof, latest, err := svc.ProofForLatestRoot(ctx, chain.EVM, "USDC", "bob")
	require.NoError(t, err)
	require.NotNil(t, proof)
	assert.Equal(t, root.Version, latest.Version)
	assert.True(t, proof.Amount.Equal(money.MustFrom(3)))
	assert.NoError(t, svc.VerifyAgainstRoot(proof, latest))

	// 发布后才出现的受益人不在已发布的树中
	proof, _, err = svc.ProofForLatestRoot(ctx, chain.EVM, "USDC", "dave")
	require.NoError(t, err)
	assert.Nil(t, proof)

	// 下一版本包含新余额
	root2, err := svc.PublishRoot(ctx, chain.EVM, "USDC")
	require.NoError(t, err)
	proof, latest, err = svc.ProofForLatestRoot(ctx, chain.EVM, "USDC", "dave")
	require.NoError(t, err)
	require.NotNil(t, proof)
	assert.Equal(t, root2.Version, latest.Version)
	assert.Equal(t, 4, proof.LeafCount)
}

func TestProofForLatestRoot_SnapshotMismatchIsAnError(t *testing.T) {
	ctx := context.Background()
	src := &staticBalances{}
	src.set(usdc("alice", 30), usdc("bob", 3))
	snapshots := memory.NewSnapshotStore()
	svc := newService(memory.NewRootStore(), src, WithSnapshotStore(snapshots))

	root, err := svc.PublishRoot(ctx, chain.EVM, "USDC")
	require.NoError(t, err)

	// 人为写入与根不符的下一版本快照和根
	require.NoError(t, snapshots.SaveSnapshot(ctx, chain.EVM, "USDC", root.Version+1,
		[]domain.ClaimableBalance{usdc("alice", 1), usdc("bob", 1)}))
	require.NoError(t, svc.StoreMerkleRoot(ctx, &domain.MerkleRootData{
		Chain: chain.EVM, Token: "USDC", Root: root.Root, Version: root.Version + 1, LeafCount: root.LeafCount,
	}))

	_, _, err = svc.ProofForLatestRoot(ctx, chain.EVM, "USDC", "bob")
	assert.ErrorIs(t, err, domain.ErrInvalidProof)
}

func TestVerifyAgainstRoot(t *testing.T) {
	svc := newService(memory.NewRootStore(), &staticBalances{})
	bals := []domain.ClaimableBalance{usdc("a", 1), usdc("b", 2), usdc("c", 3)}
	tree, err := svc.GenerateTree(bals, chain.SVM)
	require.NoError(t, err)
	proof := tree.Proof("c")

	root := &domain.MerkleRootData{Chain: chain.SVM, Token: "USDC", Root: tree.Root, Version: 1, LeafCount: 3}
	assert.NoError(t, svc.VerifyAgainstRoot(proof, root))
	assert.True(t, svc.VerifyProof(proof, tree.Root))

	stale := *root
	stale.LeafCount = 4
	assert.ErrorIs(t, svc.VerifyAgainstRoot(proof, &stale), domain.ErrStaleProof)

	wrongChain := *root
	wrongChain.Chain = chain.EVM
	assert.ErrorIs(t, svc.VerifyAgainstRoot(proof, &wrongChain), domain.ErrStaleProof)

	wrongRoot := *root
	wrongRoot.Root[0] ^= 0xff
	assert.ErrorIs(t, svc.VerifyAgainstRoot(proof, &wrongRoot), domain.ErrInvalidProof)
}

func TestGenerateProof_Absent(t *testing.T) {
	svc := newService(memory.NewRootStore(), &staticBalances{})
	p, err := svc.GenerateProof("zed", []domain.ClaimableBalance{usdc("a", 1)}, chain.EVM)
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = svc.GenerateProof("a", nil, chain.EVM)
	assert.ErrorIs(t, err, domain.ErrEmptyTree)
}

func TestStoreMerkleRoot(t *testing.T) {
	ctx := context.Background()
	svc := newService(memory.NewRootStore(), &staticBalances{})

	assert.ErrorIs(t, svc.StoreMerkleRoot(ctx, &domain.MerkleRootData{Chain: chain.EVM, Token: "USDC"}), domain.ErrInvalidRoot)

	r := &domain.MerkleRootData{Chain: chain.EVM, Token: "USDC", Version: 5, LeafCount: 1}
	require.NoError(t, svc.StoreMerkleRoot(ctx, r))
	assert.True(t, r.CreatedAt.IsZero(), "caller's value must not be modified")

	stored, err := svc.GetLatestRoot(ctx, chain.EVM, "USDC")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), stored.Version)
	assert.False(t, stored.CreatedAt.IsZero())

	older := &domain.MerkleRootData{Chain: chain.EVM, Token: "USDC", Version: 4, LeafCount: 1}
	assert.ErrorIs(t, svc.StoreMerkleRoot(ctx, older), domain.ErrVersionConflict)
}
