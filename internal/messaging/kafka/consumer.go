package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
	"github.com/vladislavdragonenkov/ordertrack/internal/resilience"
)

// MessageHandler обрабатывает сообщение из Kafka
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// ConsumerOptions задаёт параметры consumer group.
type ConsumerOptions struct {
	Brokers []string
	GroupID string
	Topics  []string
	// DLQ получает сообщения, не обработанные за Retry.MaxAttempts попыток. Может быть nil.
	DLQ      *Producer
	DLQTopic string
	Retry    resilience.RetryConfig
	// FromOldest читает группу с начала topic; иначе с последних сообщений.
	FromOldest bool
}

// Consumer читает consumer group с повторами и DLQ.
type Consumer struct {
	group    sarama.ConsumerGroup
	topics   []string
	handler  MessageHandler
	logger   *log.Entry
	dlq      *Producer
	dlqTopic string
	retry    resilience.RetryConfig
	wg       sync.WaitGroup
}

// NewConsumer подключает consumer group.
func NewConsumer(opts ConsumerOptions, handler MessageHandler) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	if opts.FromOldest {
		config.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(opts.Brokers, opts.GroupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	return newConsumer(group, opts, handler, nil), nil
}

func newConsumer(group sarama.ConsumerGroup, opts ConsumerOptions, handler MessageHandler, logger *log.Entry) *Consumer {
	if logger == nil {
		logger = log.WithField("component", "kafka-consumer")
	}
	if opts.DLQTopic == "" {
		opts.DLQTopic = TopicDeadLetterQueue
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	return &Consumer{
		group:    group,
		topics:   opts.Topics,
		handler:  handler,
		logger:   logger,
		dlq:      opts.DLQ,
		dlqTopic: opts.DLQTopic,
		retry:    opts.Retry,
	}
}

// Start запускает чтение в фоне до отмены ctx.
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			// Consume завершается при каждом rebalance
			if err := c.group.Consume(ctx, c.topics, c); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.WithError(err).Error("error from consumer")
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range c.group.Errors() {
			c.logger.WithError(err).Error("consumer error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// Stop закрывает группу и ждёт фоновые горутины.
func (c *Consumer) Stop() error {
	if err := c.group.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim обрабатывает сообщения партиции по порядку. Сообщение коммитится
// после успешной обработки или после отправки в DLQ.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			if err := c.process(session.Context(), message); err != nil {
				if session.Context().Err() != nil {
					return nil
				}
				c.logger.WithError(err).WithFields(log.Fields{
					"topic":     message.Topic,
					"partition": message.Partition,
					"offset":    message.Offset,
				}).Error("message processing failed")
				continue
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// process выполняет handler с повторами; при исчерпании попыток отправляет сообщение в DLQ.
func (c *Consumer) process(ctx context.Context, message *sarama.ConsumerMessage) error {
	entry := c.logger.WithFields(log.Fields{"topic": message.Topic, "offset": message.Offset})
	attempts := 0
	err := resilience.Retry(ctx, c.retry, entry, "kafka handle",
		func(err error) bool { return !errors.Is(err, ErrMalformedMessage) },
		func(ctx context.Context) error {
			attempts++
			return c.handler(ctx, message)
		})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	if c.dlq == nil {
		return err
	}

	attempts += retryCount(message)
	if dlqErr := c.sendToDLQ(ctx, message, err, attempts); dlqErr != nil {
		return fmt.Errorf("failed to send to DLQ: %w", dlqErr)
	}
	entry.WithField("attempts", attempts).Warn("message sent to DLQ")
	return nil
}

// retryCount возвращает число попыток из предыдущих проигрываний сообщения.
func retryCount(message *sarama.ConsumerMessage) int {
	for _, header := range message.Headers {
		if header != nil && string(header.Key) == HeaderRetryCount {
			if count, err := strconv.Atoi(string(header.Value)); err == nil {
				return count
			}
		}
	}
	return 0
}

func (c *Consumer) sendToDLQ(ctx context.Context, message *sarama.ConsumerMessage, processingErr error, attempts int) error {
	failedAt := time.Now().UTC()
	record := ConsumerDeadLetter{
		OriginalTopic:     message.Topic,
		OriginalPartition: message.Partition,
		OriginalOffset:    message.Offset,
		OriginalKey:       string(message.Key),
		OriginalValue:     string(message.Value),
		ErrorMessage:      processingErr.Error(),
		FailedAt:          failedAt,
		Attempts:          attempts,
	}
	return c.dlq.PublishJSON(ctx, c.dlqTopic, string(message.Key), record,
		sarama.RecordHeader{Key: []byte(HeaderOriginalTopic), Value: []byte(message.Topic)},
		sarama.RecordHeader{Key: []byte(HeaderErrorMessage), Value: []byte(processingErr.Error())},
		sarama.RecordHeader{Key: []byte(HeaderFailedAt), Value: []byte(failedAt.Format(time.RFC3339))},
		sarama.RecordHeader{Key: []byte(HeaderRetryCount), Value: []byte(strconv.Itoa(attempts))},
	)
}

// StatusEventHandler адаптирует обработчик событий смены статуса к MessageHandler.
// Сообщения других типов подтверждаются без обработки.
func StatusEventHandler(handle func(ctx context.Context, event domain.StatusEvent) error) MessageHandler {
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		event, ok, err := DecodeStatusEvent(message.Value)
		if err != nil || !ok {
			return err
		}
		return handle(ctx, event)
	}
}
