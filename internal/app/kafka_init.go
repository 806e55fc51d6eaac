package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
	"github.com/vladislavdragonenkov/ordertrack/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/ordertrack/internal/metrics"
	"github.com/vladislavdragonenkov/ordertrack/internal/service/outbox"
	"github.com/vladislavdragonenkov/ordertrack/internal/tracking"
)

// kafkaRuntime держит producer, outbox worker и relay consumer одного экземпляра.
type kafkaRuntime struct {
	producer *kafka.Producer
	worker   *outbox.Worker
	consumer *kafka.Consumer
	logger   *log.Entry
}

// initKafka подключает producer и outbox worker. Возвращает nil, nil, если брокеры не заданы.
func initKafka(cfg Config, repo domain.OutboxRepository, m *metrics.OutboxMetrics, logger *log.Entry) (*kafkaRuntime, error) {
	brokers := cfg.Brokers()
	if len(brokers) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokers)
	if err != nil {
		return nil, err
	}
	logger.WithField("brokers", brokers).Info("kafka producer initialized")

	worker := outbox.NewWorker(repo, kafka.NewOutboxPublisher(producer, kafka.TopicOrderEvents),
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithMetrics(m),
		outbox.WithDLQPublisher(kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue)),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	)
	return &kafkaRuntime{producer: producer, worker: worker, logger: logger}, nil
}

// startRelay подписывает локальный Hub на события всех экземпляров.
// Группа уникальна для экземпляра: каждый должен получить каждое событие.
func (k *kafkaRuntime) startRelay(ctx context.Context, cfg Config, hub *tracking.Hub) error {
	groupID := fmt.Sprintf("%s-%s", cfg.KafkaGroupID, uuid.NewString()[:8])
	relay := tracking.NewRelay(hub, k.logger.WithField("component", "tracking-relay"))

	consumer, err := kafka.NewConsumer(kafka.ConsumerOptions{
		Brokers: cfg.Brokers(),
		GroupID: groupID,
		Topics:  []string{kafka.TopicOrderEvents},
		DLQ:     k.producer,
	}, kafka.StatusEventHandler(relay.Handle))
	if err != nil {
		return err
	}
	if err := consumer.Start(ctx); err != nil {
		_ = consumer.Stop()
		return err
	}
	k.consumer = consumer
	k.logger.WithField("group_id", groupID).Info("kafka relay started")
	return nil
}

// close останавливает consumer и закрывает producer.
func (k *kafkaRuntime) close() {
	if k == nil {
		return
	}
	if k.consumer != nil {
		if err := k.consumer.Stop(); err != nil {
			k.logger.WithError(err).Warn("failed to stop kafka consumer")
		}
	}
	if err := k.producer.Close(); err != nil {
		k.logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		k.logger.Info("kafka producer closed")
	}
}
