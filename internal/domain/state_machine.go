package domain

import (
	"fmt"
	"strings"
	"time"
)

// DefaultRefundWindow задаёт окно возврата после доставки или отмены.
const DefaultRefundWindow = 30 * 24 * time.Hour

// RefundRequest описывает запрос клиента на возврат.
// AmountMinor == 0 означает полный возврат.
type RefundRequest struct {
	AmountMinor int64
	Reason      string
}

// ReviewInput содержит данные отзыва.
type ReviewInput struct {
	Rating int
	Text   string
}

// DetailsPatch содержит изменяемые до отгрузки поля. nil означает "не менять".
type DetailsPatch struct {
	DeliveryAddress *string
	DeliveryNotes   *string
}

// Empty сообщает, что патч ничего не меняет.
func (p DetailsPatch) Empty() bool {
	return p.DeliveryAddress == nil && p.DeliveryNotes == nil
}

// StateMachine проверяет и применяет переходы статусов.
// Все методы работают с копией заказа и не меняют входной аргумент.
type StateMachine struct {
	refundWindow          time.Duration
	cancelledRefundWindow time.Duration
}

// NewStateMachine создаёт машину состояний; нулевые окна заменяются значением по умолчанию.
func NewStateMachine(refundWindow, cancelledRefundWindow time.Duration) StateMachine {
	if refundWindow <= 0 {
		refundWindow = DefaultRefundWindow
	}
	if cancelledRefundWindow <= 0 {
		cancelledRefundWindow = DefaultRefundWindow
	}
	return StateMachine{
		refundWindow:          refundWindow,
		cancelledRefundWindow: cancelledRefundWindow,
	}
}

// Advance продвигает заказ по прямому пути жизненного цикла.
func (m StateMachine) Advance(order Order, target OrderStatus, now time.Time) (Order, error) {
	if !target.Known() {
		return Order{}, ErrUnknownStatus
	}
	if !order.Status.CanAdvanceTo(target) {
		return Order{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, target)
	}

	next := order.Clone()
	next.appendEntry(target, now, "")
	return next, nil
}

// Cancel отменяет заказ до передачи в доставку.
func (m StateMachine) Cancel(order Order, reason string, now time.Time) (Order, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Order{}, ErrReasonRequired
	}
	if !order.Status.Cancellable() {
		return Order{}, fmt.Errorf("%w: status %s", ErrNotCancellable, order.Status)
	}

	next := order.Clone()
	next.CancellationReason = reason
	next.appendEntry(OrderStatusCancelled, now, reason)
	return next, nil
}

// RefundDeadline возвращает момент закрытия окна возврата.
func (m StateMachine) RefundDeadline(order Order) (time.Time, bool) {
	switch order.Status {
	case OrderStatusDelivered:
		at, ok := order.EnteredAt(OrderStatusDelivered)
		return at.Add(m.refundWindow), ok
	case OrderStatusCancelled:
		at, ok := order.EnteredAt(OrderStatusCancelled)
		return at.Add(m.cancelledRefundWindow), ok
	default:
		return time.Time{}, false
	}
}

// Refund переводит доставленный или отменённый заказ в refunded.
// Запись о возврате создаётся со статусом платежа pending; итог проставляет вызывающий.
func (m StateMachine) Refund(order Order, req RefundRequest, now time.Time) (Order, error) {
	deadline, ok := m.RefundDeadline(order)
	if !ok {
		return Order{}, fmt.Errorf("%w: refund is not allowed from %s", ErrInvalidTransition, order.Status)
	}
	if now.After(deadline) {
		return Order{}, fmt.Errorf("%w: closed at %s", ErrRefundWindowExpired, deadline.Format(time.RFC3339))
	}

	amount := req.AmountMinor
	if amount == 0 {
		amount = order.Totals.TotalMinor
	}
	if amount <= 0 || amount > order.Totals.TotalMinor {
		return Order{}, ErrRefundAmount
	}

	next := order.Clone()
	next.appendEntry(OrderStatusRefunded, now, strings.TrimSpace(req.Reason))
	next.Refund = &RefundRecord{
		AmountMinor:   amount,
		Reason:        strings.TrimSpace(req.Reason),
		PaymentStatus: PaymentStatusPending,
		RequestedAt:   next.UpdatedAt,
	}
	return next, nil
}

// AttachReview добавляет отзыв к доставленному заказу. Статус не меняется.
func (m StateMachine) AttachReview(order Order, input ReviewInput, now time.Time) (Order, error) {
	if order.Status != OrderStatusDelivered {
		return Order{}, fmt.Errorf("%w: review requires delivered order, got %s", ErrInvalidTransition, order.Status)
	}
	if order.Review != nil {
		return Order{}, ErrAlreadyReviewed
	}
	if input.Rating < 1 || input.Rating > 5 {
		return Order{}, ErrRatingInvalid
	}

	next := order.Clone()
	at := timelineInstant(now)
	next.Review = &Review{Rating: input.Rating, Text: strings.TrimSpace(input.Text), CreatedAt: at}
	next.UpdatedAt = at
	return next, nil
}

// UpdateDetails меняет адрес и комментарий, пока заказ не отгружен.
func (m StateMachine) UpdateDetails(order Order, patch DetailsPatch, now time.Time) (Order, error) {
	if !order.Status.Cancellable() {
		return Order{}, fmt.Errorf("%w: details are frozen in status %s", ErrInvalidTransition, order.Status)
	}
	if patch.Empty() {
		return Order{}, fmt.Errorf("%w: nothing to update", ErrValidation)
	}

	next := order.Clone()
	if patch.DeliveryAddress != nil {
		address := strings.TrimSpace(*patch.DeliveryAddress)
		if address == "" {
			return Order{}, fmt.Errorf("%w: delivery address must not be empty", ErrValidation)
		}
		next.DeliveryAddress = address
	}
	if patch.DeliveryNotes != nil {
		next.DeliveryNotes = strings.TrimSpace(*patch.DeliveryNotes)
	}
	next.UpdatedAt = timelineInstant(now)
	return next, nil
}
