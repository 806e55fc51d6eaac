// Package tracking рассылает события смены статуса подписчикам заказа.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
	"github.com/vladislavdragonenkov/ordertrack/internal/metrics"
	"github.com/vladislavdragonenkov/ordertrack/internal/resilience"
)

// ErrHubClosed возвращается Subscribe у Hub и Poller после Close.
var ErrHubClosed = errors.New("tracking hub is closed")

// Observer получает события по заказу. Deliver может вызываться повторно для одного события.
type Observer interface {
	Deliver(ctx context.Context, event domain.StatusEvent) error
}

// ObserverFunc адаптирует функцию к Observer.
type ObserverFunc func(ctx context.Context, event domain.StatusEvent) error

func (f ObserverFunc) Deliver(ctx context.Context, event domain.StatusEvent) error {
	return f(ctx, event)
}

// Handle — непрозрачный идентификатор подписки.
type Handle string

// Config настраивает очередь и повторы доставки.
type Config struct {
	QueueSize      int
	DeliverTimeout time.Duration
	Retry          resilience.RetryConfig
}

// DefaultConfig возвращает настройки по умолчанию.
func DefaultConfig() Config {
	return Config{
		QueueSize:      16,
		DeliverTimeout: 2 * time.Second,
		Retry: resilience.RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  100 * time.Millisecond,
			MaxDelay:      2 * time.Second,
			BackoffFactor: 2,
		},
	}
}

type subscription struct {
	handle   Handle
	orderID  string
	observer Observer
	queue    chan domain.StatusEvent
	ctx      context.Context
	cancel   context.CancelFunc
	// lastActive хранит unix nano последней подписки/доставки.
	lastActive atomic.Int64
}

// Hub хранит подписки и раздаёт события асинхронно: у каждой подписки
// своя ограниченная очередь и своя горутина доставки.
type Hub struct {
	cfg     Config
	logger  *log.Entry
	metrics *metrics.NotifierMetrics
	now     func() time.Time

	mu      sync.Mutex
	closed  bool
	subs    map[Handle]*subscription
	byOrder map[string]map[Handle]*subscription
	// lastSeq ведётся только для заказов с подписчиками.
	lastSeq map[string]int

	wg sync.WaitGroup
}

// NewHub создаёт hub. metrics может быть nil.
func NewHub(cfg Config, logger *log.Entry, m *metrics.NotifierMetrics) *Hub {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = def.DeliverTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	if logger == nil {
		logger = log.WithField("component", "tracking-hub")
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		subs:    make(map[Handle]*subscription),
		byOrder: make(map[string]map[Handle]*subscription),
		lastSeq: make(map[string]int),
	}
}

// Subscribe привязывает observer к заказу. Проверка прав выполняется фасадом.
func (h *Hub) Subscribe(orderID string, observer Observer) (Handle, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return "", fmt.Errorf("%w: order id is required", domain.ErrValidation)
	}
	if observer == nil {
		return "", fmt.Errorf("%w: observer is required", domain.ErrValidation)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		handle:   Handle(uuid.NewString()),
		orderID:  orderID,
		observer: observer,
		queue:    make(chan domain.StatusEvent, h.cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	sub.lastActive.Store(h.now().UnixNano())

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		return "", ErrHubClosed
	}
	h.subs[sub.handle] = sub
	if h.byOrder[orderID] == nil {
		h.byOrder[orderID] = make(map[Handle]*subscription)
	}
	h.byOrder[orderID][sub.handle] = sub
	h.wg.Add(1)
	h.mu.Unlock()

	h.metrics.SubscriptionOpened()
	go h.run(sub)

	h.logger.WithFields(log.Fields{"order_id": orderID, "handle": sub.handle}).Debug("subscription opened")
	return sub.handle, nil
}

// Unsubscribe снимает подписку. Повторный вызов ничего не делает.
func (h *Hub) Unsubscribe(handle Handle) {
	h.mu.Lock()
	sub, ok := h.subs[handle]
	if ok {
		h.detachLocked(sub)
	}
	h.mu.Unlock()

	if ok {
		sub.cancel()
	}
}

// Notify ставит событие в очереди всех подписчиков заказа и не блокируется.
// Событие с sequence не новее уже разосланного отбрасывается.
// Событие заказа без подписчиков принимается без эффекта.
// Возвращает false, если событие отброшено как устаревшее.
func (h *Hub) Notify(event domain.StatusEvent) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	subs := h.byOrder[event.OrderID]
	if len(subs) == 0 {
		return true
	}
	if event.Sequence <= h.lastSeq[event.OrderID] {
		h.metrics.RecordDropped("stale")
		return false
	}
	h.lastSeq[event.OrderID] = event.Sequence

	for _, sub := range subs {
		h.enqueueLocked(sub, event)
	}

	if event.Status.Final() {
		// финальное событие уже в очередях: подписки закрываются после его доставки
		for _, sub := range subs {
			h.detachLocked(sub)
		}
	}
	return true
}

// enqueueLocked кладёт событие в очередь; при переполнении вытесняет самое старое.
func (h *Hub) enqueueLocked(sub *subscription, event domain.StatusEvent) {
	select {
	case sub.queue <- event:
		return
	default:
	}
	select {
	case <-sub.queue:
		h.metrics.RecordDropped("overflow")
	default:
	}
	select {
	case sub.queue <- event:
	default:
		h.metrics.RecordDropped("overflow")
	}
}

// detachLocked убирает подписку из индексов и закрывает её очередь.
// Горутина доставки дочитает очередь и завершится.
func (h *Hub) detachLocked(sub *subscription) {
	if _, ok := h.subs[sub.handle]; !ok {
		return
	}
	delete(h.subs, sub.handle)
	if set := h.byOrder[sub.orderID]; set != nil {
		delete(set, sub.handle)
		if len(set) == 0 {
			delete(h.byOrder, sub.orderID)
			delete(h.lastSeq, sub.orderID)
		}
	}
	close(sub.queue)
}

func (h *Hub) run(sub *subscription) {
	defer h.wg.Done()
	defer h.metrics.SubscriptionClosed()
	defer sub.cancel()

	for event := range sub.queue {
		if sub.ctx.Err() != nil {
			return
		}
		h.deliver(sub, event)
	}
}

func (h *Hub) deliver(sub *subscription, event domain.StatusEvent) {
	started := time.Now()
	entry := h.logger.WithFields(log.Fields{
		"order_id": event.OrderID,
		"status":   event.Status,
		"sequence": event.Sequence,
		"handle":   sub.handle,
	})

	err := resilience.Retry(sub.ctx, h.cfg.Retry, entry, "deliver status event",
		func(err error) bool { return !errors.Is(err, context.Canceled) },
		func(ctx context.Context) error {
			attemptCtx, cancel := context.WithTimeout(ctx, h.cfg.DeliverTimeout)
			defer cancel()
			return sub.observer.Deliver(attemptCtx, event)
		})
	if err != nil {
		h.metrics.RecordDelivery("failed", time.Since(started))
		if sub.ctx.Err() == nil {
			entry.WithError(err).Warn("status event delivery failed")
		}
		return
	}
	sub.lastActive.Store(h.now().UnixNano())
	h.metrics.RecordDelivery("delivered", time.Since(started))
}

// ReapIdle снимает подписки, не получавшие событий с момента before. Возвращает их число.
func (h *Hub) ReapIdle(before time.Time) int {
	cutoff := before.UnixNano()

	h.mu.Lock()
	var reaped []*subscription
	for _, sub := range h.subs {
		if sub.lastActive.Load() < cutoff {
			reaped = append(reaped, sub)
		}
	}
	for _, sub := range reaped {
		h.detachLocked(sub)
	}
	h.mu.Unlock()

	for _, sub := range reaped {
		sub.cancel()
	}
	if len(reaped) > 0 {
		h.logger.WithField("count", len(reaped)).Info("idle subscriptions reaped")
	}
	return len(reaped)
}

// trackedOrders возвращает число заказов, для которых hub помнит sequence.
func (h *Hub) trackedOrders() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.lastSeq)
}

// Subscribers возвращает число активных подписок заказа.
func (h *Hub) Subscribers(orderID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byOrder[orderID])
}

// Close снимает все подписки и ждёт завершения горутин доставки.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	all := make([]*subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		all = append(all, sub)
	}
	for _, sub := range all {
		h.detachLocked(sub)
	}
	h.mu.Unlock()

	for _, sub := range all {
		sub.cancel()
	}
	h.wg.Wait()
}
