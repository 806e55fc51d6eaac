// Package kafka содержит producer/consumer поверх sarama и форматы сообщений
// о смене статуса заказа.
package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "ordertrack.order.events"
	TopicDeadLetterQueue = "ordertrack.dlq"
)

// Kafka headers
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
	HeaderEventType     = "x-event-type"
)

// ErrMalformedMessage — сообщение невозможно разобрать; повтор не поможет.
var ErrMalformedMessage = errors.New("malformed kafka message")

// Envelope описывает формат сообщения, публикуемого из outbox.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewEnvelope оборачивает outbox-сообщение.
func NewEnvelope(msg domain.OutboxMessage, publishedAt time.Time) Envelope {
	return Envelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       json.RawMessage(msg.Payload),
		PublishedAt:   publishedAt.UTC(),
	}
}

// ConsumerDeadLetter описывает запись DLQ для сообщения, которое consumer не смог обработать.
type ConsumerDeadLetter struct {
	OriginalTopic     string    `json:"original_topic"`
	OriginalPartition int32     `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	OriginalKey       string    `json:"original_key"`
	OriginalValue     string    `json:"original_value"`
	ErrorMessage      string    `json:"error_message"`
	FailedAt          time.Time `json:"failed_at"`
	Attempts          int       `json:"attempts"`
}

// DecodeStatusEvent разбирает конверт и возвращает событие смены статуса.
// ok == false для конвертов других типов событий.
func DecodeStatusEvent(value []byte) (domain.StatusEvent, bool, error) {
	var envelope Envelope
	if err := json.Unmarshal(value, &envelope); err != nil {
		return domain.StatusEvent{}, false, fmt.Errorf("%w: envelope: %v", ErrMalformedMessage, err)
	}
	if envelope.EventType != domain.EventOrderStatusChanged {
		return domain.StatusEvent{}, false, nil
	}

	var event domain.StatusEvent
	if err := json.Unmarshal(envelope.Payload, &event); err != nil {
		return domain.StatusEvent{}, false, fmt.Errorf("%w: status event: %v", ErrMalformedMessage, err)
	}
	if event.OrderID == "" || event.Sequence <= 0 {
		return domain.StatusEvent{}, false, fmt.Errorf("%w: status event without order id or sequence", ErrMalformedMessage)
	}
	return event, true, nil
}
