package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/wyfcoding/referral/internal/commission/domain"
	"github.com/wyfcoding/referral/pkg/chain"
	"github.com/wyfcoding/referral/pkg/metrics"
	"github.com/wyfcoding/referral/pkg/money"
)

// TradeEvent 上游成交事件
type TradeEvent struct {
	TradeID   string      `json:"trade_id"`
	UserID    string      `json:"user_id"`
	FeeAmount money.Money `json:"fee_amount"`
	Token     string      `json:"token,omitempty"`
	Chain     chain.Chain `json:"chain,omitempty"`
}

// ProcessResult 处理结果
// Replayed 为 true 表示成交在此前的尝试中已记账，本次只补写幂等键，Result 为空
type ProcessResult struct {
	TradeID  string            `json:"trade_id"`
	Result   *CommissionResult `json:"result,omitempty"`
	Replayed bool              `json:"replayed,omitempty"`
}

// TradeProcessor 成交分佣流水线：幂等检查、事务内落成交与台账、提交后写幂等键
type TradeProcessor struct {
	commission  *CommissionService
	trades      domain.TradesRepository
	ledger      domain.LedgerRepository
	idempotency domain.IdempotencyStore
	tx          domain.TransactionManager
	clock       clockwork.Clock
	metrics     metrics.Collector
	logger      *slog.Logger
}

// NewTradeProcessor 创建处理器
func NewTradeProcessor(
	commission *CommissionService,
	trades domain.TradesRepository,
	ledger domain.LedgerRepository,
	idempotency domain.IdempotencyStore,
	tx domain.TransactionManager,
	clock clockwork.Clock,
	collector metrics.Collector,
	logger *slog.Logger,
) *TradeProcessor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if collector == nil {
		collector = metrics.Noop{}
	}
	return &TradeProcessor{
		commission:  commission,
		trades:      trades,
		ledger:      ledger,
		idempotency: idempotency,
		tx:          tx,
		clock:       clock,
		metrics:     collector,
		logger:      logger.With("module", "trade_processor"),
	}
}

// IdempotencyKey 成交的幂等键
func IdempotencyKey(tradeID string) string {
	return "trade:" + tradeID
}

// ProcessTrade 处理一笔成交。已处理过的成交返回 ErrDuplicateTrade。
// 台账提交后、幂等键写入前失败时可用同一 TradeID 安全重试
func (p *TradeProcessor) ProcessTrade(ctx context.Context, ev TradeEvent) (*ProcessResult, error) {
	if ev.TradeID == "" || ev.UserID == "" {
		return nil, fmt.Errorf("%w: trade id and user id are required", domain.ErrInvalidContext)
	}
	key := IdempotencyKey(ev.TradeID)

	seen, err := p.idempotency.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("check idempotency key %s: %w", key, err)
	}
	if seen {
		p.metrics.RecordTradeDuplicated()
		return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateTrade, ev.TradeID)
	}

	now := p.clock.Now().UTC()
	var (
		result   *CommissionResult
		replayed bool
	)
	err = p.tx.Transaction(ctx, func(ctx context.Context) error {
		// 成交已落库说明台账已随之提交，不能按当前推荐链重算
		exists, err := p.trades.TradeExists(ctx, ev.TradeID)
		if err != nil {
			return fmt.Errorf("check trade: %w", err)
		}
		if exists {
			replayed = true
			return nil
		}

		cctx, err := p.commission.BuildContext(ctx, ev.UserID, ev.Token, ev.Chain)
		if err != nil {
			return err
		}
		result, err = p.commission.Calculate(cctx, ev.FeeAmount)
		if err != nil {
			return err
		}

		created, err := p.trades.CreateTrade(ctx, &domain.Trade{
			TradeID:   ev.TradeID,
			UserID:    ev.UserID,
			FeeAmount: ev.FeeAmount,
			Token:     result.Token,
			Chain:     result.Chain,
			CreatedAt: now,
		})
		if err != nil {
			return fmt.Errorf("create trade: %w", err)
		}
		if !created {
			// 并发处理者先落库
			replayed, result = true, nil
			return nil
		}

		entries := domain.NewLedgerEntries(ev.TradeID, result.Chain, result.Splits, now)
		if len(entries) == 0 {
			return nil
		}
		if err := p.ledger.RecordEntries(ctx, entries); err != nil {
			return fmt.Errorf("record ledger entries: %w", err)
		}
		return nil
	})
	if err != nil {
		p.metrics.RecordTradeFailed()
		p.logger.ErrorContext(ctx, "trade processing failed", "trade_id", ev.TradeID, "user_id", ev.UserID, "error", err)
		return nil, err
	}

	if err := p.idempotency.Put(ctx, key); err != nil {
		// 台账已提交，重试时成交记录已存在，不会重新记账
		p.logger.WarnContext(ctx, "failed to set idempotency key", "trade_id", ev.TradeID, "error", err)
		return nil, fmt.Errorf("set idempotency key %s: %w", key, err)
	}

	if replayed {
		p.logger.InfoContext(ctx, "trade already recorded, idempotency key restored", "trade_id", ev.TradeID)
		return &ProcessResult{TradeID: ev.TradeID, Replayed: true}, nil
	}

	for _, s := range result.Splits {
		p.metrics.RecordSplit(s.Level, string(s.Destination))
	}
	total := ev.FeeAmount
	if r, err := total.Sub(result.Residual); err == nil {
		total = r
	}
	p.metrics.RecordTradeProcessed(result.Token, total.Float64())

	p.logger.InfoContext(ctx, "trade processed",
		"trade_id", ev.TradeID, "user_id", ev.UserID, "token", result.Token,
		"splits", len(result.Splits), "residual", result.Residual.String())
	return &ProcessResult{TradeID: ev.TradeID, Result: result}, nil
}

// IsDuplicate 是否为重复成交
func IsDuplicate(err error) bool {
	return errors.Is(err, domain.ErrDuplicateTrade)
}
