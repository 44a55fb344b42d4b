// Package consumer 消费上游成交事件并驱动分佣记账
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/wyfcoding/referral/internal/commission/application"
	"github.com/wyfcoding/referral/internal/commission/domain"
	"github.com/wyfcoding/referral/pkg/chain"
	"github.com/wyfcoding/referral/pkg/mq"
)

// MessageSource 可显式提交的消息来源
type MessageSource interface {
	FetchMessage(ctx context.Context) (*mq.Message, error)
	CommitMessages(ctx context.Context, messages ...*mq.Message) error
}

// TradeProcessor 成交处理
type TradeProcessor interface {
	ProcessTrade(ctx context.Context, ev application.TradeEvent) (*application.ProcessResult, error)
}

// TradeConsumer 逐条消费：处理成功、重复或进入死信后提交偏移量
type TradeConsumer struct {
	source     MessageSource
	processor  TradeProcessor
	dlq        *mq.DeadLetterQueue
	logger     *slog.Logger
	maxRetries uint64
	retryWait  time.Duration
}

// NewTradeConsumer 创建消费者；dlq 为空时失败消息只记录日志
func NewTradeConsumer(source MessageSource, processor TradeProcessor, dlq *mq.DeadLetterQueue, maxRetries int, retryWait time.Duration, logger *slog.Logger) *TradeConsumer {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if retryWait <= 0 {
		retryWait = 200 * time.Millisecond
	}
	return &TradeConsumer{
		source:     source,
		processor:  processor,
		dlq:        dlq,
		logger:     logger.With("module", "trade_consumer"),
		maxRetries: uint64(maxRetries),
		retryWait:  retryWait,
	}
}

// Run 阻塞消费直到 ctx 取消
func (c *TradeConsumer) Run(ctx context.Context) error {
	c.logger.InfoContext(ctx, "trade consumer started")
	for {
		msg, err := c.source.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.InfoContext(ctx, "trade consumer stopped")
				return nil
			}
			c.logger.ErrorContext(ctx, "fetch message failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.retryWait):
			}
			continue
		}

		if err := c.Handle(ctx, msg); err != nil {
			// 未提交，重启后重新投递
			c.logger.ErrorContext(ctx, "message left uncommitted", "offset", msg.Offset, "error", err)
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		if err := c.source.CommitMessages(ctx, msg); err != nil {
			c.logger.ErrorContext(ctx, "commit failed", "offset", msg.Offset, "error", err)
		}
	}
}

// tradeMessage 上游成交消息体
type tradeMessage struct {
	TradeID   string `json:"trade_id"`
	UserID    string `json:"user_id"`
	FeeAmount string `json:"fee_amount"`
	Token     string `json:"token"`
	Chain     string `json:"chain"`
}

func (m tradeMessage) toEvent() (application.TradeEvent, error) {
	var ev application.TradeEvent
	if err := ev.FeeAmount.UnmarshalText([]byte(m.FeeAmount)); err != nil {
		return ev, err
	}
	if m.Chain != "" {
		c, err := chain.ParseChain(m.Chain)
		if err != nil {
			return ev, err
		}
		ev.Chain = c
	}
	ev.TradeID, ev.UserID, ev.Token = m.TradeID, m.UserID, m.Token
	return ev, nil
}

// Handle 处理单条消息。返回 nil 表示可以提交偏移量
func (c *TradeConsumer) Handle(ctx context.Context, msg *mq.Message) error {
	var body tradeMessage
	if err := msg.UnmarshalPayload(&body); err != nil {
		return c.deadLetter(ctx, msg, "decode_failed", err)
	}
	ev, err := body.toEvent()
	if err != nil {
		return c.deadLetter(ctx, msg, "invalid_trade", err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryWait), c.maxRetries), ctx)
	err = backoff.Retry(func() error {
		_, err := c.processor.ProcessTrade(ctx, ev)
		if err != nil && isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrDuplicateTrade):
		c.logger.InfoContext(ctx, "duplicate trade skipped", "trade_id", ev.TradeID)
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return c.deadLetter(ctx, msg, "process_failed", err)
	}
}

func isPermanent(err error) bool {
	for _, target := range []error{
		domain.ErrDuplicateTrade,
		domain.ErrUserNotFound,
		domain.ErrInvalidContext,
		domain.ErrInvalidAmount,
		domain.ErrInvalidPercentage,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (c *TradeConsumer) deadLetter(ctx context.Context, msg *mq.Message, reason string, cause error) error {
	c.logger.WarnContext(ctx, "trade sent to dead letter queue", "offset", msg.Offset, "reason", reason, "error", cause)
	if c.dlq == nil {
		return nil
	}
	if err := c.dlq.Send(ctx, msg, reason, cause); err != nil {
		return fmt.Errorf("dead letter: %w", err)
	}
	return nil
}
