package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/referral/internal/commission/domain"
	"github.com/wyfcoding/referral/pkg/money"
)

func entry(trade, who string, level int, amount float64, dest domain.Destination, at time.Time) *domain.LedgerEntry {
	return &domain.LedgerEntry{
		SourceTradeID: trade, BeneficiaryID: who, Level: level,
		Amount: money.MustFrom(amount), Token: "USDC", Destination: dest, CreatedAt: at,
	}
}

func TestLedgerRepository_DuplicateKeysIgnored(t *testing.T) {
	ctx := context.Background()
	repo := NewLedgerRepository()
	t0 := time.Unix(1000, 0)

	batch := []*domain.LedgerEntry{
		entry("t1", "A", 1, 30, domain.DestinationClaimable, t0),
		entry("t1", "B", 2, 3, domain.DestinationClaimable, t0),
	}
	require.NoError(t, repo.RecordEntries(ctx, batch))
	require.NoError(t, repo.RecordEntries(ctx, batch))
	assert.Len(t, repo.Entries(), 2)
}

func TestLedgerRepository_Aggregations(t *testing.T) {
	ctx := context.Background()
	repo := NewLedgerRepository()
	t0 := time.Unix(1000, 0)
	t1 := t0.Add(time.Hour)

	require.NoError(t, repo.RecordEntries(ctx, []*domain.LedgerEntry{
		entry("t1", "A", 1, 30, domain.DestinationClaimable, t0),
		entry("t2", "A", 2, 3, domain.DestinationClaimable, t1),
		entry("t2", "B", 1, 30, domain.DestinationClaimable, t1),
		entry("t2", domain.TreasuryBeneficiary, 0, 5, domain.DestinationTreasury, t1),
	}))

	sum, err := repo.GetEarningsSummary(ctx, "A", nil)
	require.NoError(t, err)
	assert.True(t, sum.Total.Equal(money.MustFrom(33)))
	assert.True(t, sum.ByLevel[1].Equal(money.MustFrom(30)))
	assert.True(t, sum.ByLevel[2].Equal(money.MustFrom(3)))

	sum, err = repo.GetEarningsSummary(ctx, "A", &domain.TimeRange{From: t1})
	require.NoError(t, err)
	assert.True(t, sum.Total.Equal(money.MustFrom(3)))

	totals, err := repo.AggregateClaimable(ctx, "USDC")
	require.NoError(t, err)
	require.Len(t, totals, 2)
	assert.Equal(t, "A", totals[0].BeneficiaryID)
	assert.True(t, totals[0].Amount.Equal(money.MustFrom(33)))
}

func TestReferralRepository_Ancestors(t *testing.T) {
	ctx := context.Background()
	repo := NewReferralRepository()
	require.NoError(t, repo.CreateLink(ctx, &domain.ReferralLink{UserID: "U", ReferrerID: "A"}))
	require.NoError(t, repo.CreateLink(ctx, &domain.ReferralLink{UserID: "A", ReferrerID: "B"}))
	require.NoError(t, repo.CreateLink(ctx, &domain.ReferralLink{UserID: "B", ReferrerID: "C"}))
	require.NoError(t, repo.CreateLink(ctx, &domain.ReferralLink{UserID: "C", ReferrerID: "D"}))

	anc, err := repo.GetAncestors(ctx, "U", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, anc)

	assert.ErrorIs(t, repo.CreateLink(ctx, &domain.ReferralLink{UserID: "U", ReferrerID: "Z"}), domain.ErrAlreadyReferred)

	refs, err := repo.GetDirectReferees(ctx, "A")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "U", refs[0].UserID)
}
