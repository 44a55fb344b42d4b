package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/referral/pkg/chain"
	"github.com/wyfcoding/referral/pkg/money"
)

// DefaultToken 未指定代币时的记账币种
const DefaultToken = "USDC"

// PolicyConfig 分佣配置。LevelRates[i] 为第 i+1 层的比例
type PolicyConfig struct {
	LevelRates          []money.Percentage
	MaxReferralDepth    int
	TreasuryPercentage  money.Percentage
	DefaultCashbackRate money.Percentage
	DefaultToken        string
	DefaultChain        chain.Chain
}

// DefaultPolicyConfig 出厂配置：三层 30% / 3% / 2%，无金库分成，无默认返现
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		LevelRates: []money.Percentage{
			money.MustFraction(0.30),
			money.MustFraction(0.03),
			money.MustFraction(0.02),
		},
		MaxReferralDepth:    3,
		TreasuryPercentage:  money.MustFraction(0),
		DefaultCashbackRate: money.MustFraction(0),
		DefaultToken:        DefaultToken,
		DefaultChain:        chain.EVM,
	}
}

// Validate 校验配置
func (c PolicyConfig) Validate() error {
	if c.MaxReferralDepth < 0 {
		return fmt.Errorf("%w: max referral depth %d", ErrInvalidConfig, c.MaxReferralDepth)
	}
	if len(c.LevelRates) < c.MaxReferralDepth {
		return fmt.Errorf("%w: %d level rates for depth %d", ErrInvalidConfig, len(c.LevelRates), c.MaxReferralDepth)
	}
	if c.DefaultToken == "" {
		return fmt.Errorf("%w: empty default token", ErrInvalidConfig)
	}
	if !c.DefaultChain.Valid() {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, chain.ErrUnknownChain)
	}
	return nil
}

// Policy 分佣策略。纯函数，无共享可变状态，可并发调用
type Policy struct {
	cfg PolicyConfig
}

// NewPolicy 校验配置后创建策略
func NewPolicy(cfg PolicyConfig) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rates := make([]money.Percentage, len(cfg.LevelRates))
	copy(rates, cfg.LevelRates)
	cfg.LevelRates = rates
	return &Policy{cfg: cfg}, nil
}

// Config 配置副本
func (p *Policy) Config() PolicyConfig {
	cfg := p.cfg
	cfg.LevelRates = append([]money.Percentage(nil), p.cfg.LevelRates...)
	return cfg
}

// CalculateSplits 校验浮点手续费后计算分账
func (p *Policy) CalculateSplits(tradeFee float64, ctx CommissionContext) ([]Split, error) {
	fee, err := money.From(tradeFee)
	if err != nil {
		return nil, err
	}
	return p.Split(fee, ctx)
}

// Split 计算分账，顺序为 1..N 层上级、用户返现、金库。
// 认领类比例之和超过 1 时返回 ErrInvalidPercentage，不做截断
func (p *Policy) Split(fee money.Money, ctx CommissionContext) ([]Split, error) {
	if ctx.UserID == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrInvalidContext)
	}
	token := ctx.Token
	if token == "" {
		token = p.cfg.DefaultToken
	}

	depth := min(len(ctx.Ancestors), p.cfg.MaxReferralDepth)
	splits := make([]Split, 0, depth+2)
	applied := decimal.Zero
	claimed := money.Zero()

	for i := 0; i < depth; i++ {
		ancestor := ctx.Ancestors[i]
		if ancestor == "" {
			return nil, fmt.Errorf("%w: empty ancestor at level %d", ErrInvalidContext, i+1)
		}
		rate := p.cfg.LevelRates[i]
		amount := fee.Multiply(rate)
		splits = append(splits, Split{
			BeneficiaryID: ancestor,
			Level:         i + 1,
			Rate:          rate,
			Amount:        amount,
			Token:         token,
			Destination:   DestinationClaimable,
		})
		applied = applied.Add(rate.Fraction())
		claimed = claimed.Add(amount)
	}

	if cashback := ctx.UserCashbackRate; !cashback.IsZero() {
		amount := fee.Multiply(cashback)
		splits = append(splits, Split{
			BeneficiaryID: ctx.UserID,
			Level:         0,
			Rate:          cashback,
			Amount:        amount,
			Token:         token,
			Destination:   DestinationClaimable,
		})
		applied = applied.Add(cashback.Fraction())
		claimed = claimed.Add(amount)
	}

	if applied.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: applied rates sum to %s", ErrInvalidPercentage, applied.String())
	}

	if treasury := p.cfg.TreasuryPercentage; !treasury.IsZero() {
		residual, err := fee.Sub(claimed)
		if err != nil {
			return nil, err
		}
		splits = append(splits, Split{
			BeneficiaryID: TreasuryBeneficiary,
			Level:         0,
			Rate:          treasury,
			Amount:        residual.Multiply(treasury),
			Token:         token,
			Destination:   DestinationTreasury,
		})
	}
	return splits, nil
}

// Residual 手续费扣除全部分账后的剩余
func Residual(fee money.Money, splits []Split) (money.Money, error) {
	total := money.Zero()
	for _, s := range splits {
		total = total.Add(s.Amount)
	}
	return fee.Sub(total)
}
