package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
)

// OutboxPublisher публикует outbox-сообщения в заданный topic.
type OutboxPublisher struct {
	producer *Producer
	topic    string
	now      func() time.Time
}

// NewOutboxPublisher создаёт publisher; пустой topic заменяется TopicOrderEvents.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxPublisher {
	if topic == "" {
		topic = TopicOrderEvents
	}
	return &OutboxPublisher{producer: producer, topic: topic, now: time.Now}
}

// Publish отправляет сообщение в конверте; ключом служит id агрегата.
func (p *OutboxPublisher) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("%w: kafka outbox publisher is not initialized", domain.ErrOutboxPublish)
	}

	key := msg.AggregateID
	if key == "" {
		key = msg.ID
	}
	header := sarama.RecordHeader{Key: []byte(HeaderEventType), Value: []byte(msg.EventType)}
	if err := p.producer.PublishJSON(ctx, p.topic, key, NewEnvelope(msg, p.now()), header); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrOutboxPublish, err)
	}
	return nil
}

var _ domain.OutboxPublisher = (*OutboxPublisher)(nil)
