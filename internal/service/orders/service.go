// Package orders реализует фасад команд и запросов по заказам.
//
// Каждая операция: загрузка заказа, проверка прав, расчёт нового состояния
// машиной состояний, запись через CAS. Побочные эффекты (push подписчикам,
// outbox, сброс статистики, метрики) выполняются только после успешной записи.
package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
	"github.com/vladislavdragonenkov/ordertrack/internal/metrics"
	"github.com/vladislavdragonenkov/ordertrack/internal/query"
	"github.com/vladislavdragonenkov/ordertrack/internal/tracking"
)

// Notifier описывает часть tracking.Hub, нужная фасаду.
type Notifier interface {
	Notify(event domain.StatusEvent) bool
	Subscribe(orderID string, observer tracking.Observer) (tracking.Handle, error)
	Unsubscribe(handle tracking.Handle)
}

// Dependencies собирает внешние зависимости фасада. Обязателен только Orders.
type Dependencies struct {
	Orders   domain.OrderRepository
	Outbox   domain.OutboxRepository
	Stats    domain.StatsCache
	Catalog  domain.CatalogService
	Payment  domain.PaymentService
	Notifier Notifier
	Metrics  *metrics.OrderMetrics
}

// Service реализует операции над заказами от имени проверенной Identity.
type Service struct {
	orders   domain.OrderRepository
	outbox   domain.OutboxRepository
	stats    domain.StatsCache
	catalog  domain.CatalogService
	payment  domain.PaymentService
	notifier Notifier
	metrics  *metrics.OrderMetrics
	machine  domain.StateMachine
	logger   *log.Entry
	now      func() time.Time
}

// NewService собирает фасад.
func NewService(deps Dependencies, machine domain.StateMachine, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "order-facade")
	}
	return &Service{
		orders:   deps.Orders,
		outbox:   deps.Outbox,
		stats:    deps.Stats,
		catalog:  deps.Catalog,
		payment:  deps.Payment,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		machine:  machine,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateOrder создаёт заказ. Клиент создаёт только свои заказы, админ любые.
func (s *Service) CreateOrder(ctx context.Context, id domain.Identity, draft domain.OrderDraft) (order domain.Order, err error) {
	defer s.observe("create", time.Now(), &err)

	draft.CustomerID = strings.TrimSpace(draft.CustomerID)
	switch id.Role {
	case domain.RoleAdmin:
	case domain.RoleCustomer:
		if draft.CustomerID == "" {
			draft.CustomerID = id.Subject
		}
		if id.Subject == "" || draft.CustomerID != id.Subject {
			return domain.Order{}, fmt.Errorf("%w: customers can only create their own orders", domain.ErrUnauthorized)
		}
	default:
		return domain.Order{}, fmt.Errorf("%w: role %q cannot create orders", domain.ErrUnauthorized, id.Role)
	}
	return s.create(ctx, draft)
}

func (s *Service) create(ctx context.Context, draft domain.OrderDraft) (domain.Order, error) {
	order := domain.NewOrder(draft, s.now())
	if err := order.Validate(); err != nil {
		return domain.Order{}, err
	}

	created, err := s.orders.Create(ctx, order)
	if err != nil {
		return domain.Order{}, err
	}

	s.metrics.RecordCreated()
	s.afterStatusChange(ctx, "", created)
	s.logger.WithFields(log.Fields{
		"order_id":    created.ID,
		"customer_id": created.CustomerID,
		"vendors":     len(created.Vendors),
	}).Info("order created")
	return created, nil
}

// UpdateOrder меняет адрес и комментарий до отгрузки.
func (s *Service) UpdateOrder(ctx context.Context, id domain.Identity, orderID string, patch domain.DetailsPatch) (order domain.Order, err error) {
	defer s.observe("update", time.Now(), &err)

	current, err := s.load(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !id.CanActAsOwner(current) {
		return domain.Order{}, forbidden(current.ID)
	}
	next, err := s.machine.UpdateDetails(current, patch, s.now())
	if err != nil {
		return domain.Order{}, err
	}
	return s.commit(ctx, current, next)
}

// AdvanceStatus продвигает заказ по прямому пути. expectedVersion == 0 отключает проверку версии.
func (s *Service) AdvanceStatus(ctx context.Context, id domain.Identity, orderID string, target domain.OrderStatus, expectedVersion int64) (order domain.Order, err error) {
	defer s.observe("advance", time.Now(), &err)

	current, err := s.load(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !id.CanFulfil(current) {
		return domain.Order{}, forbidden(current.ID)
	}
	if current.Status == target {
		return current, nil
	}
	if expectedVersion > 0 && expectedVersion != current.Version {
		return domain.Order{}, fmt.Errorf("%w: expected version %d, current %d", domain.ErrConflict, expectedVersion, current.Version)
	}
	if current.Status == domain.OrderStatusPendingPayment {
		return domain.Order{}, fmt.Errorf("%w: payment must be confirmed first", domain.ErrInvalidTransition)
	}

	next, err := s.machine.Advance(current, target, s.now())
	if err != nil {
		return domain.Order{}, err
	}
	return s.commit(ctx, current, next)
}

// ConfirmPayment переводит pending_payment -> pending, если провайдер подтвердил списание.
func (s *Service) ConfirmPayment(ctx context.Context, id domain.Identity, orderID string) (order domain.Order, err error) {
	defer s.observe("confirm_payment", time.Now(), &err)

	current, err := s.load(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !id.CanActAsOwner(current) {
		return domain.Order{}, forbidden(current.ID)
	}
	if current.Status == domain.OrderStatusPending {
		return current, nil
	}
	if current.Status != domain.OrderStatusPendingPayment {
		return domain.Order{}, fmt.Errorf("%w: order is %s, not awaiting payment", domain.ErrInvalidTransition, current.Status)
	}
	if s.payment == nil {
		return domain.Order{}, fmt.Errorf("%w: payment service is not configured", domain.ErrUnavailable)
	}

	captured, err := s.payment.CaptureStatus(ctx, current.ID)
	if err != nil {
		return domain.Order{}, err
	}
	if captured != domain.PaymentStatusCaptured {
		return domain.Order{}, fmt.Errorf("%w: payment is %s", domain.ErrInvalidTransition, captured)
	}

	next, err := s.machine.Advance(current, domain.OrderStatusPending, s.now())
	if err != nil {
		return domain.Order{}, err
	}
	return s.commit(ctx, current, next)
}

// CancelOrder отменяет заказ до передачи в доставку.
func (s *Service) CancelOrder(ctx context.Context, id domain.Identity, orderID, reason string) (order domain.Order, err error) {
	defer s.observe("cancel", time.Now(), &err)

	current, err := s.load(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !id.CanActAsOwner(current) {
		return domain.Order{}, forbidden(current.ID)
	}
	if current.Status == domain.OrderStatusCancelled {
		return current, nil
	}
	next, err := s.machine.Cancel(current, reason, s.now())
	if err != nil {
		return domain.Order{}, err
	}
	return s.commit(ctx, current, next)
}

// RequestRefund проверяет окно возврата, передаёт возврат провайдеру и записывает результат.
// Провайдер идемпотентен по orderID, поэтому повтор после конфликта не вернёт деньги дважды.
func (s *Service) RequestRefund(ctx context.Context, id domain.Identity, orderID string, req domain.RefundRequest) (order domain.Order, err error) {
	defer s.observe("refund", time.Now(), &err)

	current, err := s.load(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !id.CanActAsOwner(current) {
		return domain.Order{}, forbidden(current.ID)
	}
	if current.Status == domain.OrderStatusRefunded {
		return current, nil
	}
	next, err := s.machine.Refund(current, req, s.now())
	if err != nil {
		return domain.Order{}, err
	}
	if s.payment == nil {
		return domain.Order{}, fmt.Errorf("%w: payment service is not configured", domain.ErrUnavailable)
	}

	paymentStatus, err := s.payment.Refund(ctx, current.ID, next.Refund.AmountMinor, current.Currency)
	if err != nil {
		return domain.Order{}, err
	}
	if paymentStatus == domain.PaymentStatusFailed {
		s.logger.WithField("order_id", current.ID).Warn("payment provider rejected refund")
		return domain.Order{}, domain.ErrRefundRejected
	}
	next.Refund.PaymentStatus = paymentStatus
	return s.commit(ctx, current, next)
}

// AddReview прикрепляет отзыв к доставленному заказу.
func (s *Service) AddReview(ctx context.Context, id domain.Identity, orderID string, input domain.ReviewInput) (order domain.Order, err error) {
	defer s.observe("review", time.Now(), &err)

	current, err := s.load(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !id.CanActAsOwner(current) {
		return domain.Order{}, forbidden(current.ID)
	}
	next, err := s.machine.AttachReview(current, input, s.now())
	if err != nil {
		return domain.Order{}, err
	}
	return s.commit(ctx, current, next)
}

// Reorder создаёт новый заказ с позициями исходного по актуальным ценам каталога.
// Недоступные товары пропускаются; статус и таймлайн не копируются.
func (s *Service) Reorder(ctx context.Context, id domain.Identity, orderID string) (order domain.Order, err error) {
	defer s.observe("reorder", time.Now(), &err)

	source, err := s.load(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !id.CanActAsOwner(source) {
		return domain.Order{}, forbidden(source.ID)
	}
	if s.catalog == nil {
		return domain.Order{}, fmt.Errorf("%w: catalog service is not configured", domain.ErrUnavailable)
	}

	productIDs := make([]string, 0, len(source.Items))
	for _, item := range source.Items {
		if item.ProductID != "" {
			productIDs = append(productIDs, item.ProductID)
		}
	}
	catalog, err := s.catalog.Lookup(ctx, productIDs)
	if err != nil {
		return domain.Order{}, err
	}

	items := make([]domain.OrderItem, 0, len(source.Items))
	for _, item := range source.Items {
		current, ok := catalog[item.ProductID]
		if !ok || !current.Available {
			continue
		}
		vendor := current.VendorID
		if vendor == "" {
			vendor = item.VendorID
		}
		name := current.Name
		if name == "" {
			name = item.Name
		}
		items = append(items, domain.OrderItem{
			ProductID:      item.ProductID,
			VendorID:       vendor,
			Name:           name,
			UnitPriceMinor: current.UnitPriceMinor,
			Quantity:       item.Quantity,
		})
	}
	if len(items) == 0 {
		return domain.Order{}, fmt.Errorf("%w: none of the items are available", domain.ErrInvalidOrder)
	}
	if dropped := len(source.Items) - len(items); dropped > 0 {
		s.logger.WithFields(log.Fields{"order_id": source.ID, "dropped": dropped}).Info("reorder skipped unavailable items")
	}

	return s.create(ctx, domain.OrderDraft{
		CustomerID:       source.CustomerID,
		Currency:         source.Currency,
		Items:            items,
		DeliveryFeeMinor: source.Totals.DeliveryFeeMinor,
		TaxMinor:         source.Totals.TaxMinor,
		PaymentMethod:    source.PaymentMethod,
		DeliveryAddress:  source.DeliveryAddress,
		DeliveryNotes:    source.DeliveryNotes,
	})
}

// TrackOrder авторитетно читает заказ; используется и для опроса статуса.
func (s *Service) TrackOrder(ctx context.Context, id domain.Identity, orderID string) (order domain.Order, err error) {
	defer s.observe("track", time.Now(), &err)

	current, err := s.load(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !id.CanView(current) {
		return domain.Order{}, forbidden(current.ID)
	}
	return current, nil
}

// ListOrders возвращает страницу заказов клиента.
func (s *Service) ListOrders(ctx context.Context, id domain.Identity, customerID string, filter domain.OrderFilter) (page domain.OrderPage, err error) {
	defer s.observe("list", time.Now(), &err)

	if !id.CanReadCustomer(customerID) {
		return domain.OrderPage{}, fmt.Errorf("%w: orders of customer %s", domain.ErrUnauthorized, customerID)
	}
	if err := filter.Validate(); err != nil {
		return domain.OrderPage{}, err
	}
	orders, err := s.orders.ListByCustomer(ctx, customerID)
	if err != nil {
		return domain.OrderPage{}, err
	}
	return query.Apply(orders, filter, s.now()), nil
}

// GetStats возвращает агрегаты клиента; проекция берётся из кэша или пересчитывается.
func (s *Service) GetStats(ctx context.Context, id domain.Identity, customerID string) (stats domain.OrderStats, err error) {
	defer s.observe("stats", time.Now(), &err)

	if !id.CanReadCustomer(customerID) {
		return domain.OrderStats{}, fmt.Errorf("%w: stats of customer %s", domain.ErrUnauthorized, customerID)
	}
	logger := s.logger.WithField("customer_id", customerID)

	if s.stats != nil {
		cached, ok, err := s.stats.Get(ctx, customerID)
		switch {
		case err != nil:
			logger.WithError(err).Warn("stats cache read failed")
		case ok:
			return cached, nil
		}
	}

	orders, err := s.orders.ListByCustomer(ctx, customerID)
	if err != nil {
		return domain.OrderStats{}, err
	}
	computed := query.ComputeStats(orders, s.now())

	if s.stats != nil {
		if err := s.stats.Set(ctx, customerID, computed); err != nil {
			logger.WithError(err).Warn("stats cache write failed")
		}
	}
	return computed, nil
}

// Subscribe подписывает observer на события заказа, если вызывающий видит заказ.
func (s *Service) Subscribe(ctx context.Context, id domain.Identity, orderID string, observer tracking.Observer) (tracking.Handle, domain.Order, error) {
	current, err := s.TrackOrder(ctx, id, orderID)
	if err != nil {
		return "", domain.Order{}, err
	}
	if s.notifier == nil {
		return "", domain.Order{}, fmt.Errorf("%w: tracking is not configured", domain.ErrUnavailable)
	}
	handle, err := s.notifier.Subscribe(current.ID, observer)
	if err != nil {
		return "", domain.Order{}, err
	}
	// снимок читается после подписки, чтобы переход между чтением и подпиской не потерялся
	snapshot, err := s.load(ctx, current.ID)
	if err != nil {
		s.notifier.Unsubscribe(handle)
		return "", domain.Order{}, err
	}
	return handle, snapshot, nil
}

// Unsubscribe снимает подписку; повторный вызов безопасен.
func (s *Service) Unsubscribe(handle tracking.Handle) {
	if s.notifier != nil {
		s.notifier.Unsubscribe(handle)
	}
}

func (s *Service) load(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", domain.ErrValidation)
	}
	return s.orders.Get(ctx, orderID)
}

// commit записывает next поверх current через CAS. Конфликт версий возвращается как есть.
func (s *Service) commit(ctx context.Context, current, next domain.Order) (domain.Order, error) {
	saved, err := s.orders.ApplyTransition(ctx, current.ID, current.Version, next)
	if err != nil {
		return domain.Order{}, err
	}
	if saved.Status != current.Status {
		s.metrics.RecordTransition(string(current.Status), string(saved.Status))
		s.afterStatusChange(ctx, current.Status, saved)
		s.logger.WithFields(log.Fields{
			"order_id": saved.ID,
			"from":     current.Status,
			"to":       saved.Status,
			"version":  saved.Version,
		}).Info("order status changed")
	}
	return saved, nil
}

// afterStatusChange выполняет побочные эффекты закоммиченного перехода.
// Ошибки логируются: запись уже состоялась, клиенты могут дочитать статус опросом.
func (s *Service) afterStatusChange(ctx context.Context, from domain.OrderStatus, saved domain.Order) {
	event := domain.NewStatusEvent(saved)
	logger := s.logger.WithFields(log.Fields{"order_id": saved.ID, "sequence": event.Sequence})

	if s.notifier != nil {
		s.notifier.Notify(event)
	}

	if s.outbox != nil {
		payload, err := json.Marshal(event)
		if err == nil {
			_, err = s.outbox.Enqueue(ctx, domain.OutboxMessage{
				ID:            uuid.NewString(),
				AggregateType: domain.AggregateOrder,
				AggregateID:   saved.ID,
				EventType:     domain.EventOrderStatusChanged,
				Payload:       payload,
			})
		}
		if err != nil {
			logger.WithError(err).WithField("from", from).Error("failed to enqueue status event")
		}
	}

	if s.stats != nil {
		if err := s.stats.Invalidate(ctx, saved.CustomerID); err != nil {
			logger.WithError(err).Warn("stats cache invalidation failed")
		}
	}
}

func (s *Service) observe(operation string, started time.Time, errp *error) {
	s.metrics.RecordDuration(operation, time.Since(started))
	if errp != nil && *errp != nil {
		s.metrics.RecordFailure(operation, string(domain.KindOf(*errp)))
	}
}

func forbidden(orderID string) error {
	return fmt.Errorf("%w: order %s", domain.ErrUnauthorized, orderID)
}
