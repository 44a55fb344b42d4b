package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wyfcoding/referral/internal/commission/domain"
	"github.com/wyfcoding/referral/pkg/chain"
	"github.com/wyfcoding/referral/pkg/money"
)

// CalculateCommand 按用户计算分佣的请求
type CalculateCommand struct {
	UserID    string
	FeeAmount money.Money
	Token     string
	Chain     chain.Chain
}

// CommissionResult 分佣结果
type CommissionResult struct {
	Token    string         `json:"token"`
	Chain    chain.Chain    `json:"chain"`
	Splits   []domain.Split `json:"splits"`
	Residual money.Money    `json:"residual"`
}

// CommissionService 分佣计算的唯一入口，负责补全默认值与加载推荐链，计算交给 Policy
type CommissionService struct {
	policy    *domain.Policy
	users     domain.UserRepository
	referrals domain.ReferralRepository
	logger    *slog.Logger
}

// NewCommissionService 创建分佣服务
func NewCommissionService(policy *domain.Policy, users domain.UserRepository, referrals domain.ReferralRepository, logger *slog.Logger) *CommissionService {
	return &CommissionService{
		policy:    policy,
		users:     users,
		referrals: referrals,
		logger:    logger.With("module", "commission_service"),
	}
}

// Policy 当前策略
func (s *CommissionService) Policy() *domain.Policy {
	return s.policy
}

// CalculateForUser 加载用户与上级链后计算分账
func (s *CommissionService) CalculateForUser(ctx context.Context, cmd CalculateCommand) (*CommissionResult, error) {
	cctx, err := s.BuildContext(ctx, cmd.UserID, cmd.Token, cmd.Chain)
	if err != nil {
		return nil, err
	}
	return s.Calculate(cctx, cmd.FeeAmount)
}

// BuildContext 由仓储数据组装分佣上下文
func (s *CommissionService) BuildContext(ctx context.Context, userID, token string, c chain.Chain) (domain.CommissionContext, error) {
	cfg := s.policy.Config()

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return domain.CommissionContext{}, fmt.Errorf("load user %s: %w", userID, err)
	}
	cashback := cfg.DefaultCashbackRate
	if user.CashbackRate != nil {
		cashback = *user.CashbackRate
	}

	ancestors, err := s.referrals.GetAncestors(ctx, userID, cfg.MaxReferralDepth)
	if err != nil {
		return domain.CommissionContext{}, fmt.Errorf("load ancestors of %s: %w", userID, err)
	}

	return domain.CommissionContext{
		UserID:           user.ID,
		UserCashbackRate: cashback,
		Ancestors:        ancestors,
		Token:            token,
		Chain:            c,
	}, nil
}

// Calculate 补全代币与链后调用 Policy
func (s *CommissionService) Calculate(cctx domain.CommissionContext, fee money.Money) (*CommissionResult, error) {
	cfg := s.policy.Config()
	if cctx.Token == "" {
		cctx.Token = cfg.DefaultToken
	}
	if cctx.Chain == "" {
		cctx.Chain = cfg.DefaultChain
	}

	splits, err := s.policy.Split(fee, cctx)
	if err != nil {
		return nil, err
	}
	residual, err := domain.Residual(fee, splits)
	if err != nil {
		return nil, err
	}
	return &CommissionResult{
		Token:    cctx.Token,
		Chain:    cctx.Chain,
		Splits:   splits,
		Residual: residual,
	}, nil
}
