// Command dlq-reprocess возвращает сообщения из DLQ в topic событий заказов.
// По умолчанию работает в режиме dry-run и только печатает кандидатов.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
	"github.com/vladislavdragonenkov/ordertrack/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/ordertrack/internal/service/outbox"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
)

var (
	errUnsupported = errors.New("unsupported dlq record")
	errFiltered    = errors.New("filtered out")
)

type options struct {
	brokers     []string
	sourceTopic string
	targetTopic string
	orderID     string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

// replay описывает сообщение, готовое к повторной публикации.
type replay struct {
	topic string
	key   string
	value []byte
}

type summary struct {
	scanned  int
	replayed int
	skipped  int
}

func (s *summary) add(other summary) {
	s.scanned += other.scanned
	s.replayed += other.replayed
	s.skipped += other.skipped
}

// offsetReader описывает часть sarama.Client, нужная для границ партиций.
type offsetReader interface {
	Partitions(topic string) ([]int32, error)
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Close() error
}

type partitionStream interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionStream, error)
	Close() error
}

type saramaSource struct {
	consumer sarama.Consumer
}

func (s saramaSource) ConsumePartition(topic string, partition int32, offset int64) (partitionStream, error) {
	return s.consumer.ConsumePartition(topic, partition, offset)
}

func (s saramaSource) Close() error { return s.consumer.Close() }

// replayer читает DLQ по партициям и публикует восстановленные сообщения в sink.
type replayer struct {
	opts    options
	offsets offsetReader
	source  partitionSource
	// sink == nil в режиме dry-run.
	sink   sarama.SyncProducer
	logger *log.Entry
	now    func() time.Time
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	opts, err := parseOptions(os.Args[1:], os.Getenv, os.Stderr)
	if err != nil {
		log.WithError(err).Fatal("invalid arguments")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := connect(opts)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to kafka")
	}
	defer r.close()

	if _, err := r.run(ctx); err != nil {
		log.WithError(err).Fatal("dlq replay failed")
	}
}

func parseOptions(args []string, getenv func(string) string, stderr io.Writer) (options, error) {
	var (
		opts       options
		brokersRaw string
	)
	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: KAFKA_BROKERS)")
	fs.StringVar(&opts.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ source topic")
	fs.StringVar(&opts.targetTopic, "target-topic", kafka.TopicOrderEvents, "target topic for outbox records")
	fs.StringVar(&opts.orderID, "order-id", "", "replay only records of this order")
	fs.IntVar(&opts.limit, "limit", defaultReplayLimit, "max number of records to scan")
	fs.BoolVar(&opts.execute, "execute", false, "publish records; default is dry-run")
	fs.BoolVar(&opts.fromNewest, "from-newest", false, "scan the latest records of each partition")
	fs.DurationVar(&opts.idleTimeout, "idle-timeout", defaultIdleTimeout, "idle timeout per partition")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = getenv("KAFKA_BROKERS")
	}
	opts.brokers = parseBrokers(brokersRaw)
	opts.sourceTopic = strings.TrimSpace(opts.sourceTopic)
	opts.targetTopic = strings.TrimSpace(opts.targetTopic)
	opts.orderID = strings.TrimSpace(opts.orderID)

	switch {
	case len(opts.brokers) == 0:
		return options{}, errors.New("kafka brokers are required (-brokers or KAFKA_BROKERS)")
	case opts.sourceTopic == "":
		return options{}, errors.New("source-topic is required")
	case opts.targetTopic == "":
		return options{}, errors.New("target-topic is required")
	case opts.sourceTopic == opts.targetTopic:
		return options{}, errors.New("source-topic and target-topic must differ")
	case opts.limit <= 0:
		return options{}, errors.New("limit must be > 0")
	case opts.idleTimeout <= 0:
		return options{}, errors.New("idle-timeout must be > 0")
	}
	return opts, nil
}

func parseBrokers(raw string) []string {
	var brokers []string
	for _, chunk := range strings.Split(raw, ",") {
		if broker := strings.TrimSpace(chunk); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

func connect(opts options) (*replayer, error) {
	config := sarama.NewConfig()
	config.Consumer.Return.Errors = true

	client, err := sarama.NewClient(opts.brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}

	var sink sarama.SyncProducer
	if opts.execute {
		sink, err = sarama.NewSyncProducer(opts.brokers, kafka.NewProducerConfig())
		if err != nil {
			_ = consumer.Close()
			_ = client.Close()
			return nil, fmt.Errorf("create kafka producer: %w", err)
		}
	}
	return newReplayer(opts, client, saramaSource{consumer: consumer}, sink), nil
}

func newReplayer(opts options, offsets offsetReader, source partitionSource, sink sarama.SyncProducer) *replayer {
	return &replayer{
		opts:    opts,
		offsets: offsets,
		source:  source,
		sink:    sink,
		logger:  log.WithField("component", "dlq-reprocess"),
		now:     time.Now,
	}
}

func (r *replayer) close() {
	if r.sink != nil {
		_ = r.sink.Close()
	}
	_ = r.source.Close()
	_ = r.offsets.Close()
}

func (r *replayer) run(ctx context.Context) (summary, error) {
	var total summary
	if r.opts.execute && r.sink == nil {
		return total, errors.New("producer is required in execute mode")
	}

	partitions, err := r.offsets.Partitions(r.opts.sourceTopic)
	if err != nil {
		return total, fmt.Errorf("get partitions for topic %s: %w", r.opts.sourceTopic, err)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	r.logger.WithFields(log.Fields{
		"source_topic": r.opts.sourceTopic,
		"partitions":   len(partitions),
		"execute":      r.opts.execute,
		"order_id":     r.opts.orderID,
	}).Info("starting dlq replay")

	for _, partition := range partitions {
		remaining := r.opts.limit - total.scanned
		if remaining <= 0 {
			break
		}
		got, err := r.replayPartition(ctx, partition, remaining)
		total.add(got)
		if err != nil {
			return total, err
		}
	}

	r.logger.WithFields(log.Fields{
		"execute":  r.opts.execute,
		"scanned":  total.scanned,
		"replayed": total.replayed,
		"skipped":  total.skipped,
	}).Info("dlq replay finished")
	return total, nil
}

// replayPartition читает не больше limit записей, существовавших на момент старта.
func (r *replayer) replayPartition(ctx context.Context, partition int32, limit int) (summary, error) {
	var stats summary
	topic := r.opts.sourceTopic

	oldest, err := r.offsets.GetOffset(topic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := r.offsets.GetOffset(topic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	start := oldest
	if r.opts.fromNewest && newest-int64(limit) > oldest {
		start = newest - int64(limit)
	}

	stream, err := r.source.ConsumePartition(topic, partition, start)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = stream.Close() }()

	idle := time.NewTimer(r.opts.idleTimeout)
	defer idle.Stop()
	errs := stream.Errors()

	for stats.scanned < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-idle.C:
			r.logger.WithField("partition", partition).Warn("partition idle, moving on")
			return stats, nil
		case cerr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			return stats, fmt.Errorf("partition %d consumer error: %w", partition, cerr)
		case msg, ok := <-stream.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return stats, nil
			}
			idle.Reset(r.opts.idleTimeout)

			stats.scanned++
			replayed, err := r.handle(msg)
			if err != nil {
				return stats, err
			}
			if replayed {
				stats.replayed++
			} else {
				stats.skipped++
			}
			if msg.Offset+1 >= newest {
				return stats, nil
			}
		}
	}
	return stats, nil
}

func (r *replayer) handle(msg *sarama.ConsumerMessage) (bool, error) {
	entry := r.logger.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})

	rec, err := decodeDeadLetter(msg.Value, r.opts.targetTopic, r.opts.orderID, r.now())
	switch {
	case errors.Is(err, errFiltered):
		return false, nil
	case err != nil:
		entry.WithError(err).Warn("skip dlq record")
		return false, nil
	}

	entry = entry.WithFields(log.Fields{"target_topic": rec.topic, "key": rec.key})
	if !r.opts.execute {
		entry.Info("dlq replay candidate")
		return true, nil
	}
	if _, _, err := r.sink.SendMessage(&sarama.ProducerMessage{
		Topic:     rec.topic,
		Key:       sarama.StringEncoder(rec.key),
		Value:     sarama.ByteEncoder(rec.value),
		Timestamp: r.now().UTC(),
	}); err != nil {
		return false, fmt.Errorf("publish replay of offset %d: %w", msg.Offset, err)
	}
	entry.Info("dlq record replayed")
	return true, nil
}

// decodeDeadLetter распознаёт оба формата DLQ: запись consumer-а с исходным значением
// и outbox-конверт с DeadLetter в payload. События статуса проверяются до повторной
// публикации: битое событие снова попало бы в DLQ.
func decodeDeadLetter(value []byte, outboxTopic, orderID string, now time.Time) (replay, error) {
	rec, err := decodeRecord(value, outboxTopic, now)
	if err != nil {
		return replay{}, err
	}
	if orderID != "" && rec.key != orderID {
		return replay{}, errFiltered
	}
	if _, _, err := kafka.DecodeStatusEvent(rec.value); err != nil {
		return replay{}, err
	}
	return rec, nil
}

func decodeRecord(value []byte, outboxTopic string, now time.Time) (replay, error) {
	var consumed kafka.ConsumerDeadLetter
	if err := json.Unmarshal(value, &consumed); err == nil && consumed.OriginalValue != "" {
		topic := strings.TrimSpace(consumed.OriginalTopic)
		if topic == "" {
			topic = outboxTopic
		}
		return replay{topic: topic, key: consumed.OriginalKey, value: []byte(consumed.OriginalValue)}, nil
	}

	var envelope kafka.Envelope
	if err := json.Unmarshal(value, &envelope); err != nil || len(envelope.Payload) == 0 {
		return replay{}, errUnsupported
	}
	var dead outbox.DeadLetter
	if err := json.Unmarshal(envelope.Payload, &dead); err != nil {
		return replay{}, fmt.Errorf("%w: outbox payload: %v", errUnsupported, err)
	}
	if len(dead.Payload) == 0 {
		return replay{}, fmt.Errorf("%w: outbox record without original payload", errUnsupported)
	}

	original := domain.OutboxMessage{
		ID:            firstNonEmpty(dead.OutboxID, envelope.ID),
		AggregateType: firstNonEmpty(dead.AggregateType, envelope.AggregateType),
		AggregateID:   firstNonEmpty(dead.AggregateID, envelope.AggregateID),
		EventType:     firstNonEmpty(dead.EventType, envelope.EventType),
		Payload:       dead.Payload,
	}
	encoded, err := json.Marshal(kafka.NewEnvelope(original, now))
	if err != nil {
		return replay{}, fmt.Errorf("encode replay envelope: %w", err)
	}
	return replay{topic: outboxTopic, key: firstNonEmpty(original.AggregateID, original.ID), value: encoded}, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
