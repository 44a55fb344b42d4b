package application

import (
	"context"

	"github.com/wyfcoding/referral/internal/commission/domain"
	merkle "github.com/wyfcoding/referral/internal/merkle/domain"
)

// EarningsQuery 台账读侧：收益汇总与可领取余额聚合
type EarningsQuery struct {
	ledger domain.LedgerRepository
}

var _ merkle.BalanceSource = (*EarningsQuery)(nil)

// NewEarningsQuery 创建查询服务
func NewEarningsQuery(ledger domain.LedgerRepository) *EarningsQuery {
	return &EarningsQuery{ledger: ledger}
}

// GetEarningsSummary 用户收益汇总，r 为空表示全部时间
func (q *EarningsQuery) GetEarningsSummary(ctx context.Context, userID string, r *domain.TimeRange) (*domain.EarningsSummary, error) {
	return q.ledger.GetEarningsSummary(ctx, userID, r)
}

// ClaimableBalances 某代币下每个受益人的可领取余额，金库分账不计入
func (q *EarningsQuery) ClaimableBalances(ctx context.Context, token string) ([]merkle.ClaimableBalance, error) {
	totals, err := q.ledger.AggregateClaimable(ctx, token)
	if err != nil {
		return nil, err
	}
	out := make([]merkle.ClaimableBalance, 0, len(totals))
	for _, t := range totals {
		if t.BeneficiaryID == domain.TreasuryBeneficiary || t.Amount.IsZero() {
			continue
		}
		out = append(out, merkle.ClaimableBalance{
			BeneficiaryID: t.BeneficiaryID,
			Token:         t.Token,
			TotalAmount:   t.Amount,
		})
	}
	return out, nil
}
