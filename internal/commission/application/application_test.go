package application

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/referral/internal/commission/domain"
	"github.com/wyfcoding/referral/internal/commission/infrastructure/persistence/memory"
	"github.com/wyfcoding/referral/pkg/chain"
	"github.com/wyfcoding/referral/pkg/money"
)

type fixture struct {
	users      *memory.UserRepository
	referrals  *memory.ReferralRepository
	ledger     *memory.LedgerRepository
	trades     *memory.TradesRepository
	idem       *memory.IdempotencyStore
	commission *CommissionService
	processor  *TradeProcessor
	referral   *ReferralService
	earnings   *EarningsQuery
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, cfg domain.PolicyConfig) *fixture {
	t.Helper()
	policy, err := domain.NewPolicy(cfg)
	require.NoError(t, err)

	f := &fixture{
		users:     memory.NewUserRepository(),
		referrals: memory.NewReferralRepository(),
		ledger:    memory.NewLedgerRepository(),
		trades:    memory.NewTradesRepository(),
		idem:      memory.NewIdempotencyStore(),
	}
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	f.commission = NewCommissionService(policy, f.users, f.referrals, discard())
	f.processor = NewTradeProcessor(f.commission, f.trades, f.ledger, f.idem, memory.TransactionManager{}, clock, nil, discard())
	f.referral = NewReferralService(f.users, f.referrals, memory.TransactionManager{}, clock, discard())
	f.earnings = NewEarningsQuery(f.ledger)
	return f
}

// 构造推荐链 U -> A -> B，U 的返现比例为 10%
func (f *fixture) seedChain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	codeB, err := f.referral.GetOrCreateReferralCode(ctx, "B")
	require.NoError(t, err)
	codeA, err := f.referral.GetOrCreateReferralCode(ctx, "A")
	require.NoError(t, err)
	_, err = f.referral.BindReferrer(ctx, "A", codeB)
	require.NoError(t, err)
	_, err = f.referral.BindReferrer(ctx, "U", codeA)
	require.NoError(t, err)
	require.NoError(t, f.referral.SetCashbackRate(ctx, "U", money.MustFraction(0.1)))
}

func TestCalculateForUser(t *testing.T) {
	f := newFixture(t, domain.DefaultPolicyConfig())
	f.seedChain(t)

	res, err := f.commission.CalculateForUser(context.Background(), CalculateCommand{UserID: "U", FeeAmount: money.MustFrom(100)})
	require.NoError(t, err)
	assert.Equal(t, "USDC", res.Token)
	assert.Equal(t, chain.EVM, res.Chain)
	require.Len(t, res.Splits, 3)
	assert.Equal(t, "A", res.Splits[0].BeneficiaryID)
	assert.Equal(t, "B", res.Splits[1].BeneficiaryID)
	assert.Equal(t, "U", res.Splits[2].BeneficiaryID)
	assert.True(t, res.Residual.Equal(money.MustFrom(57)))

	_, err = f.commission.CalculateForUser(context.Background(), CalculateCommand{UserID: "ghost", FeeAmount: money.MustFrom(1)})
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestCalculateForUser_DefaultCashback(t *testing.T) {
	cfg := domain.DefaultPolicyConfig()
	cfg.DefaultCashbackRate = money.MustFraction(0.02)
	f := newFixture(t, cfg)
	_, err := f.referral.EnsureUser(context.Background(), "solo")
	require.NoError(t, err)

	res, err := f.commission.CalculateForUser(context.Background(), CalculateCommand{UserID: "solo", FeeAmount: money.MustFrom(50), Token: "SOL", Chain: chain.SVM})
	require.NoError(t, err)
	require.Len(t, res.Splits, 1)
	assert.True(t, res.Splits[0].Amount.Equal(money.MustFrom(1)))
	assert.Equal(t, "SOL", res.Splits[0].Token)
	assert.Equal(t, chain.SVM, res.Chain)
}

func TestProcessTrade_ExactlyOnce(t *testing.T) {
	f := newFixture(t, domain.DefaultPolicyConfig())
	f.seedChain(t)
	ctx := context.Background()
	ev := TradeEvent{TradeID: "t-1", UserID: "U", FeeAmount: money.MustFrom(100)}

	res, err := f.processor.ProcessTrade(ctx, ev)
	require.NoError(t, err)
	assert.Len(t, res.Result.Splits, 3)

	_, err = f.processor.ProcessTrade(ctx, ev)
	assert.ErrorIs(t, err, domain.ErrDuplicateTrade)
	assert.True(t, IsDuplicate(err))

	assert.Len(t, f.ledger.Entries(), 3)
	assert.Equal(t, 1, f.trades.Count())
	for _, e := range f.ledger.Entries() {
		assert.Equal(t, "t-1", e.SourceTradeID)
		assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), e.CreatedAt)
	}
}

type flakyIdempotency struct {
	*memory.IdempotencyStore
	failPut bool
}

func (f *flakyIdempotency) Put(ctx context.Context, key string) error {
	if f.failPut {
		return errors.New("redis unavailable")
	}
	return f.IdempotencyStore.Put(ctx, key)
}

func TestProcessTrade_RetryAfterIdempotencyFailure(t *testing.T) {
	f := newFixture(t, domain.DefaultPolicyConfig())
	f.seedChain(t)
	idem := &flakyIdempotency{IdempotencyStore: memory.NewIdempotencyStore(), failPut: true}
	proc := NewTradeProcessor(f.commission, f.trades, f.ledger, idem, memory.TransactionManager{}, nil, nil, discard())
	ctx := context.Background()
	ev := TradeEvent{TradeID: "t-9", UserID: "U", FeeAmount: money.MustFrom(10)}

	_, err := proc.ProcessTrade(ctx, ev)
	require.Error(t, err)

	idem.failPut = false
	_, err = proc.ProcessTrade(ctx, ev)
	require.NoError(t, err)

	assert.Len(t, f.ledger.Entries(), 3)
	_, err = proc.ProcessTrade(ctx, ev)
	assert.ErrorIs(t, err, domain.ErrDuplicateTrade)
}

func TestProcessTrade_RetryIgnoresReferrerBoundAfterCommit(t *testing.T) {
	f := newFixture(t, domain.DefaultPolicyConfig())
	ctx := context.Background()
	_, err := f.referral.EnsureUser(ctx, "U")
	require.NoError(t, err)
	codeA, err := f.referral.GetOrCreateReferralCode(ctx, "A")
	require.NoError(t, err)

	idem := &flakyIdempotency{IdempotencyStore: memory.NewIdempotencyStore(), failPut: true}
	proc := NewTradeProcessor(f.commission, f.trades, f.ledger, idem, memory.TransactionManager{}, nil, nil, discard())
	ev := TradeEvent{TradeID: "t-1", UserID: "U", FeeAmount: money.MustFrom(100)}

	_, err = proc.ProcessTrade(ctx, ev)
	require.Error(t, err)
	require.Empty(t, f.ledger.Entries())

	// 首次记账后推荐链发生变化
	_, err = f.referral.BindReferrer(ctx, "U", codeA)
	require.NoError(t, err)

	idem.failPut = false
	res, err := proc.ProcessTrade(ctx, ev)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Nil(t, res.Result)
	assert.Empty(t, f.ledger.Entries())
	assert.Equal(t, 1, f.trades.Count())

	_, err = proc.ProcessTrade(ctx, ev)
	assert.ErrorIs(t, err, domain.ErrDuplicateTrade)
}

func TestProcessTrade_ZeroSplitsStillRecorded(t *testing.T) {
	f := newFixture(t, domain.DefaultPolicyConfig())
	ctx := context.Background()
	_, err := f.referral.EnsureUser(ctx, "loner")
	require.NoError(t, err)

	res, err := f.processor.ProcessTrade(ctx, TradeEvent{TradeID: "t-0", UserID: "loner", FeeAmount: money.MustFrom(5)})
	require.NoError(t, err)
	assert.Empty(t, res.Result.Splits)
	assert.Equal(t, 1, f.trades.Count())

	seen, err := f.idem.Exists(ctx, IdempotencyKey("t-0"))
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestProcessTrade_UnknownUserNotMarked(t *testing.T) {
	f := newFixture(t, domain.DefaultPolicyConfig())
	ctx := context.Background()
	_, err := f.processor.ProcessTrade(ctx, TradeEvent{TradeID: "t-x", UserID: "ghost", FeeAmount: money.MustFrom(5)})
	assert.ErrorIs(t, err, domain.ErrUserNotFound)

	seen, err := f.idem.Exists(ctx, IdempotencyKey("t-x"))
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestBindReferrer_Rules(t *testing.T) {
	f := newFixture(t, domain.DefaultPolicyConfig())
	f.seedChain(t)
	ctx := context.Background()

	codeU, err := f.referral.GetOrCreateReferralCode(ctx, "U")
	require.NoError(t, err)
	again, err := f.referral.GetOrCreateReferralCode(ctx, "U")
	require.NoError(t, err)
	assert.Equal(t, codeU, again)

	_, err = f.referral.BindReferrer(ctx, "U", codeU)
	assert.ErrorIs(t, err, domain.ErrSelfReferral)

	codeB, err := f.referral.GetOrCreateReferralCode(ctx, "B")
	require.NoError(t, err)
	_, err = f.referral.BindReferrer(ctx, "U", codeB)
	assert.ErrorIs(t, err, domain.ErrAlreadyReferred)

	// B 绑定到 U 会形成 U -> A -> B -> U
	_, err = f.referral.BindReferrer(ctx, "B", codeU)
	assert.ErrorIs(t, err, domain.ErrReferralCycle)

	_, err = f.referral.BindReferrer(ctx, "new", "NOPE0000")
	assert.ErrorIs(t, err, domain.ErrReferralCodeNotFound)

	refs, err := f.referral.ListReferees(ctx, "A")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "U", refs[0].UserID)
}

func TestBindReferrer_RejectsChainBeyondCheckableDepth(t *testing.T) {
	f := newFixture(t, domain.DefaultPolicyConfig())
	f.referral.maxChainDepth = 3
	ctx := context.Background()

	// 构造 n1 -> n2 -> n3 -> n4 -> n5
	ids := []string{"n1", "n2", "n3", "n4", "n5"}
	codes := make(map[string]string, len(ids))
	for _, id := range ids {
		code, err := f.referral.GetOrCreateReferralCode(ctx, id)
		require.NoError(t, err)
		codes[id] = code
	}
	for i := 3; i >= 1; i-- {
		_, err := f.referral.BindReferrer(ctx, ids[i], codes[ids[i+1]])
		require.NoError(t, err)
	}
	// n2 的上级链 n3 -> n4 -> n5 已达上限
	_, err := f.referral.BindReferrer(ctx, "n1", codes["n2"])
	assert.ErrorIs(t, err, domain.ErrReferralTooDeep)

	// n5 绑定到 n2 会成环，环在可见范围内被识别
	_, err = f.referral.BindReferrer(ctx, "n5", codes["n2"])
	assert.ErrorIs(t, err, domain.ErrReferralCycle)

	has, err := f.referrals.HasReferrer(ctx, "n1")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestGetOrCreateReferralCode_SkipsTakenCodes(t *testing.T) {
	f := newFixture(t, domain.DefaultPolicyConfig())
	ctx := context.Background()
	codes := []string{"AAAA0000", "AAAA0000", "BBBB1111"}
	f.referral.newCode = func() string {
		c := codes[0]
		codes = codes[1:]
		return c
	}

	c1, err := f.referral.GetOrCreateReferralCode(ctx, "x")
	require.NoError(t, err)
	c2, err := f.referral.GetOrCreateReferralCode(ctx, "y")
	require.NoError(t, err)
	assert.Equal(t, "AAAA0000", c1)
	assert.Equal(t, "BBBB1111", c2)
}

func TestSetEmail(t *testing.T) {
	f := newFixture(t, domain.DefaultPolicyConfig())
	ctx := context.Background()
	_, err := f.referral.EnsureUser(ctx, "u")
	require.NoError(t, err)

	require.NoError(t, f.referral.SetEmail(ctx, "u", "Alice@Example.com"))
	u, err := f.users.FindByID(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", u.Email)

	for _, bad := range []string{"", "not-an-email", "Alice <alice@example.com>"} {
		assert.ErrorIs(t, f.referral.SetEmail(ctx, "u", bad), domain.ErrInvalidEmail, bad)
	}
	assert.ErrorIs(t, f.referral.SetEmail(ctx, "ghost", "g@example.com"), domain.ErrUserNotFound)
}

func TestEarningsAndClaimableBalances(t *testing.T) {
	cfg := domain.DefaultPolicyConfig()
	cfg.TreasuryPercentage = money.MustFraction(0.5)
	f := newFixture(t, cfg)
	f.seedChain(t)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2"} {
		_, err := f.processor.ProcessTrade(ctx, TradeEvent{TradeID: id, UserID: "U", FeeAmount: money.MustFrom(100)})
		require.NoError(t, err)
	}

	sum, err := f.earnings.GetEarningsSummary(ctx, "A", nil)
	require.NoError(t, err)
	assert.True(t, sum.Total.Equal(money.MustFrom(60)))
	assert.True(t, sum.ByLevel[1].Equal(money.MustFrom(60)))

	balances, err := f.earnings.ClaimableBalances(ctx, "USDC")
	require.NoError(t, err)
	require.Len(t, balances, 3)
	ids := []string{balances[0].BeneficiaryID, balances[1].BeneficiaryID, balances[2].BeneficiaryID}
	assert.ElementsMatch(t, []string{"A", "B", "U"}, ids)
	for _, b := range balances {
		assert.NotEqual(t, domain.TreasuryBeneficiary, b.BeneficiaryID)
	}
}
