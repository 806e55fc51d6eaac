package domain

import (
	"context"
	"time"
)

// OrderRepository описывает авторитетное хранилище заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ с Version = 1. Дубликат ID или номера даёт ErrConflict.
	Create(ctx context.Context, order Order) (Order, error)
	// Get возвращает заказ или ErrNotFound.
	Get(ctx context.Context, id string) (Order, error)
	// ApplyTransition атомарно заменяет заказ, если его версия равна expectedVersion.
	// При несовпадении возвращает ErrConflict и ничего не меняет.
	ApplyTransition(ctx context.Context, id string, expectedVersion int64, next Order) (Order, error)
	// ListByCustomer возвращает все заказы клиента; фильтрация выполняется отдельно.
	ListByCustomer(ctx context.Context, customerID string) ([]Order, error)
}

// CatalogService проверяет цены и доступность товаров.
type CatalogService interface {
	Lookup(ctx context.Context, productIDs []string) (map[string]CatalogItem, error)
}

// PaymentService описывает взаимодействие с платёжным провайдером.
type PaymentService interface {
	// CaptureStatus возвращает состояние оплаты заказа.
	CaptureStatus(ctx context.Context, orderID string) (PaymentStatus, error)
	// Refund инициирует возврат средств; должен быть идемпотентным по orderID.
	Refund(ctx context.Context, orderID string, amountMinor int64, currency string) (PaymentStatus, error)
}

// StatsCache хранит проекции статистики по клиенту.
type StatsCache interface {
	Get(ctx context.Context, customerID string) (OrderStats, bool, error)
	Set(ctx context.Context, customerID string, stats OrderStats) error
	Invalidate(ctx context.Context, customerID string) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// IdempotencyRepository хранит ответы на создание заказа по ключу вызывающего.
// CreateProcessing занимает ключ заново, если прежняя запись уже истекла.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key IdempotencyKey, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key IdempotencyKey) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key IdempotencyKey, responseBody []byte, httpStatus int) error
	MarkFailed(ctx context.Context, key IdempotencyKey, responseBody []byte, httpStatus int) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

const (
	// AggregateOrder — тип агрегата для outbox-сообщений заказа.
	AggregateOrder = "order"
	// EventOrderStatusChanged — тип события смены статуса.
	EventOrderStatusChanged = "order.status_changed"
)
