// Package messaging 将根发布事件写入 Kafka
package messaging

import (
	"context"
	"fmt"

	"github.com/wyfcoding/referral/internal/merkle/domain"
	"github.com/wyfcoding/referral/pkg/mq"
)

// RootPublisher 以 chain:token 为 key，保证同一序列的事件有序
type RootPublisher struct {
	producer mq.Publisher
	topic    string
}

var _ domain.EventPublisher = (*RootPublisher)(nil)

// NewRootPublisher 创建发布者
func NewRootPublisher(producer mq.Publisher, topic string) *RootPublisher {
	return &RootPublisher{producer: producer, topic: topic}
}

func (p *RootPublisher) PublishRootPublished(ctx context.Context, event domain.RootPublishedEvent) error {
	key := fmt.Sprintf("%s:%s", event.Chain, event.Token)
	if err := p.producer.SendMessage(ctx, p.topic, key, event); err != nil {
		return fmt.Errorf("publish root v%d: %w", event.Version, err)
	}
	return nil
}
