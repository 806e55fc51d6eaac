package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
	"github.com/vladislavdragonenkov/ordertrack/internal/resilience"
)

type mockConsumerGroup struct {
	consumeFn func(context.Context, []string, sarama.ConsumerGroupHandler) error
	errorsCh  chan error
	closeErr  error
}

func (m *mockConsumerGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	if m.consumeFn != nil {
		return m.consumeFn(ctx, topics, handler)
	}
	<-ctx.Done()
	return nil
}

func (m *mockConsumerGroup) Errors() <-chan error { return m.errorsCh }

func (m *mockConsumerGroup) Close() error {
	close(m.errorsCh)
	return m.closeErr
}

func (m *mockConsumerGroup) Pause(map[string][]int32)  {}
func (m *mockConsumerGroup) Resume(map[string][]int32) {}
func (m *mockConsumerGroup) PauseAll()                 {}
func (m *mockConsumerGroup) ResumeAll()                {}

type mockSession struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []*sarama.ConsumerMessage
}

func (m *mockSession) Claims() map[string][]int32               { return nil }
func (m *mockSession) MemberID() string                         { return "member" }
func (m *mockSession) GenerationID() int32                      { return 1 }
func (m *mockSession) MarkOffset(string, int32, int64, string)  {}
func (m *mockSession) Commit()                                  {}
func (m *mockSession) ResetOffset(string, int32, int64, string) {}
func (m *mockSession) Context() context.Context                 { return m.ctx }
func (m *mockSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked = append(m.marked, msg)
}

type mockClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (m *mockClaim) Topic() string                            { return TopicOrderEvents }
func (m *mockClaim) Partition() int32                         { return 0 }
func (m *mockClaim) InitialOffset() int64                     { return 0 }
func (m *mockClaim) HighWaterMarkOffset() int64               { return 0 }
func (m *mockClaim) Messages() <-chan *sarama.ConsumerMessage { return m.messages }

func testLogger() *log.Entry {
	return log.WithField("test", "kafka")
}

func fastRetry(attempts int) resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: attempts, BackoffFactor: 1}
}

func statusEnvelope(t *testing.T, event domain.StatusEvent) []byte {
	t.Helper()
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	value, err := json.Marshal(NewEnvelope(domain.OutboxMessage{
		ID:            "msg-1",
		AggregateType: domain.AggregateOrder,
		AggregateID:   event.OrderID,
		EventType:     domain.EventOrderStatusChanged,
		Payload:       payload,
	}, time.Now()))
	require.NoError(t, err)
	return value
}

func TestDecodeStatusEvent(t *testing.T) {
	event := domain.StatusEvent{OrderID: "order-1", Status: domain.OrderStatusConfirmed, Sequence: 2, Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}

	got, ok, err := DecodeStatusEvent(statusEnvelope(t, event))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, event.OrderID, got.OrderID)
	assert.Equal(t, event.Sequence, got.Sequence)
	assert.True(t, event.Timestamp.Equal(got.Timestamp))

	_, ok, err = DecodeStatusEvent([]byte(`{"event_type":"order.archived","payload":{}}`))
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = DecodeStatusEvent([]byte(`not json`))
	require.ErrorIs(t, err, ErrMalformedMessage)

	_, _, err = DecodeStatusEvent([]byte(`{"event_type":"order.status_changed","payload":{"order_id":""}}`))
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestOutboxPublisher_PublishesEnvelopeKeyedByAggregate(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicOrderEvents {
			return errors.New("unexpected topic " + msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "order-7" {
			return errors.New("unexpected key " + string(key))
		}
		value, _ := msg.Value.Encode()
		var envelope Envelope
		if err := json.Unmarshal(value, &envelope); err != nil {
			return err
		}
		if envelope.EventType != domain.EventOrderStatusChanged || string(envelope.Payload) != `{"sequence":3}` {
			return errors.New("unexpected envelope")
		}
		return nil
	})

	publisher := NewOutboxPublisher(NewProducerFromSync(mockProducer, testLogger()), "")
	err := publisher.Publish(context.Background(), domain.OutboxMessage{
		ID:            "msg-7",
		AggregateType: domain.AggregateOrder,
		AggregateID:   "order-7",
		EventType:     domain.EventOrderStatusChanged,
		Payload:       []byte(`{"sequence":3}`),
	})
	require.NoError(t, err)
	require.NoError(t, mockProducer.Close())
}

func TestOutboxPublisher_Errors(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	publisher := NewOutboxPublisher(NewProducerFromSync(mockProducer, testLogger()), TopicOrderEvents)
	err := publisher.Publish(context.Background(), domain.OutboxMessage{ID: "msg-1", Payload: []byte(`{}`)})
	require.ErrorIs(t, err, domain.ErrOutboxPublish)
	require.NoError(t, mockProducer.Close())

	var nilPublisher *OutboxPublisher
	require.ErrorIs(t, nilPublisher.Publish(context.Background(), domain.OutboxMessage{}), domain.ErrOutboxPublish)
}

func TestProducer_SendRespectsContext(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := NewProducerFromSync(mockProducer, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, producer.Send(ctx, TopicOrderEvents, "k", []byte("v")), context.Canceled)
	require.NoError(t, producer.Close())
}

func TestConsumer_ProcessRetriesThenSucceeds(t *testing.T) {
	attempts := 0
	consumer := newConsumer(&mockConsumerGroup{errorsCh: make(chan error)}, ConsumerOptions{Retry: fastRetry(3)},
		func(context.Context, *sarama.ConsumerMessage) error {
			attempts++
			if attempts < 3 {
				return errors.New("temporary")
			}
			return nil
		}, testLogger())

	require.NoError(t, consumer.process(context.Background(), &sarama.ConsumerMessage{Topic: "t"}))
	require.Equal(t, 3, attempts)
}

func TestConsumer_ProcessDeadLetters(t *testing.T) {
	message := &sarama.ConsumerMessage{
		Topic:   TopicOrderEvents,
		Key:     []byte("order-1"),
		Value:   []byte(`{}`),
		Offset:  42,
		Headers: []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte("2")}},
	}

	t.Run("without dlq the error surfaces", func(t *testing.T) {
		consumer := newConsumer(&mockConsumerGroup{errorsCh: make(chan error)}, ConsumerOptions{Retry: fastRetry(2)},
			func(context.Context, *sarama.ConsumerMessage) error { return errors.New("permanent") }, testLogger())
		require.Error(t, consumer.process(context.Background(), message))
	})

	t.Run("dlq record carries attempts", func(t *testing.T) {
		mockProducer := mocks.NewSyncProducer(t, nil)
		mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
			var record ConsumerDeadLetter
			if err := json.Unmarshal(val, &record); err != nil {
				return err
			}
			if record.Attempts != 4 || record.OriginalOffset != 42 || record.ErrorMessage != "permanent" {
				return errors.New("unexpected dead letter")
			}
			return nil
		})
		consumer := newConsumer(&mockConsumerGroup{errorsCh: make(chan error)},
			ConsumerOptions{Retry: fastRetry(2), DLQ: NewProducerFromSync(mockProducer, testLogger())},
			func(context.Context, *sarama.ConsumerMessage) error { return errors.New("permanent") }, testLogger())

		require.NoError(t, consumer.process(context.Background(), message))
		require.NoError(t, mockProducer.Close())
	})

	t.Run("malformed messages skip retries", func(t *testing.T) {
		mockProducer := mocks.NewSyncProducer(t, nil)
		mockProducer.ExpectSendMessageAndSucceed()
		calls := 0
		consumer := newConsumer(&mockConsumerGroup{errorsCh: make(chan error)},
			ConsumerOptions{Retry: fastRetry(5), DLQ: NewProducerFromSync(mockProducer, testLogger())},
			func(context.Context, *sarama.ConsumerMessage) error {
				calls++
				return ErrMalformedMessage
			}, testLogger())

		require.NoError(t, consumer.process(context.Background(), &sarama.ConsumerMessage{Topic: "t"}))
		require.Equal(t, 1, calls)
		require.NoError(t, mockProducer.Close())
	})

	t.Run("dlq failure is reported", func(t *testing.T) {
		mockProducer := mocks.NewSyncProducer(t, nil)
		mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
		consumer := newConsumer(&mockConsumerGroup{errorsCh: make(chan error)},
			ConsumerOptions{Retry: fastRetry(1), DLQ: NewProducerFromSync(mockProducer, testLogger())},
			func(context.Context, *sarama.ConsumerMessage) error { return errors.New("permanent") }, testLogger())

		require.Error(t, consumer.process(context.Background(), message))
		require.NoError(t, mockProducer.Close())
	})
}

func TestConsumer_ConsumeClaimMarksHandledMessages(t *testing.T) {
	var received []domain.StatusEvent
	handler := StatusEventHandler(func(_ context.Context, event domain.StatusEvent) error {
		received = append(received, event)
		return nil
	})
	consumer := newConsumer(&mockConsumerGroup{errorsCh: make(chan error)}, ConsumerOptions{Retry: fastRetry(1)}, handler, testLogger())

	claim := &mockClaim{messages: make(chan *sarama.ConsumerMessage, 3)}
	claim.messages <- &sarama.ConsumerMessage{Value: statusEnvelope(t, domain.StatusEvent{OrderID: "order-1", Status: domain.OrderStatusConfirmed, Sequence: 2})}
	claim.messages <- &sarama.ConsumerMessage{Value: []byte(`{"event_type":"order.archived"}`)}
	claim.messages <- &sarama.ConsumerMessage{Value: []byte(`garbage`)}
	close(claim.messages)

	session := &mockSession{ctx: context.Background()}
	require.NoError(t, consumer.ConsumeClaim(session, claim))

	require.Len(t, received, 1)
	require.Equal(t, 2, received[0].Sequence)
	require.Len(t, session.marked, 2, "malformed message without DLQ stays uncommitted")
}

func TestConsumer_StartStop(t *testing.T) {
	group := &mockConsumerGroup{errorsCh: make(chan error, 1)}
	group.errorsCh <- errors.New("background error")
	consumer := newConsumer(group, ConsumerOptions{Topics: []string{TopicOrderEvents}}, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, consumer.Start(ctx))
	cancel()
	require.NoError(t, consumer.Stop())

	failing := newConsumer(&mockConsumerGroup{errorsCh: make(chan error), closeErr: errors.New("close failed")}, ConsumerOptions{}, nil, testLogger())
	require.Error(t, failing.Stop())
}

func TestConsumeClaim_StopsOnContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	consumer := newConsumer(&mockConsumerGroup{errorsCh: make(chan error)}, ConsumerOptions{}, func(context.Context, *sarama.ConsumerMessage) error { return nil }, testLogger())

	done := make(chan struct{})
	go func() {
		_ = consumer.ConsumeClaim(&mockSession{ctx: ctx}, &mockClaim{messages: make(chan *sarama.ConsumerMessage)})
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim did not stop after context cancellation")
	}
}

func TestNewConsumer_InvalidBrokers(t *testing.T) {
	_, err := NewConsumer(ConsumerOptions{Brokers: []string{"invalid-broker:9092"}, GroupID: "g", Topics: []string{"t"}}, nil)
	require.Error(t, err)
}
