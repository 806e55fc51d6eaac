package domain

import (
	"errors"
	"fmt"
)

// Kind классифицирует ошибки для транспорта и метрик.
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindInvalidOrder        Kind = "invalid_order"
	KindInvalidTransition   Kind = "invalid_transition"
	KindNotCancellable      Kind = "not_cancellable"
	KindRefundWindowExpired Kind = "refund_window_expired"
	KindAlreadyReviewed     Kind = "already_reviewed"
	KindConflict            Kind = "conflict"
	KindUnauthorized        Kind = "unauthorized"
	KindValidation          Kind = "validation_error"
	KindUnavailable         Kind = "unavailable"
	KindInternal            Kind = "internal"
)

var (
	// ErrNotFound возвращается, если заказ не найден в хранилище.
	ErrNotFound = errors.New("order not found")
	// ErrInvalidOrder — заказ нарушает инварианты (пустой состав, расхождение сумм).
	ErrInvalidOrder = errors.New("invalid order")
	// ErrInvalidTransition — переход статуса не разрешён таблицей переходов.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNotCancellable — заказ уже не в предотгрузочном статусе.
	ErrNotCancellable = errors.New("order cannot be cancelled in its current status")
	// ErrRefundWindowExpired — окно возврата закрыто.
	ErrRefundWindowExpired = errors.New("refund window expired")
	// ErrAlreadyReviewed — отзыв к заказу уже оставлен.
	ErrAlreadyReviewed = errors.New("order already reviewed")
	// ErrConflict сигнализирует о конфликте версий при compare-and-swap.
	ErrConflict = errors.New("order version conflict")
	// ErrUnauthorized — у вызывающего нет прав на заказ.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrValidation — некорректный ввод.
	ErrValidation = errors.New("validation error")
	// ErrUnavailable — хранилище или внешний сервис временно недоступны.
	ErrUnavailable = errors.New("service unavailable")
)

var (
	ErrCustomerRequired = fmt.Errorf("%w: customer_id is required", ErrInvalidOrder)
	ErrCurrencyRequired = fmt.Errorf("%w: currency is required", ErrInvalidOrder)
	ErrItemsRequired    = fmt.Errorf("%w: order must contain at least one item", ErrInvalidOrder)
	ErrItemQtyInvalid   = fmt.Errorf("%w: item quantity must be greater than zero", ErrInvalidOrder)
	ErrItemPriceInvalid = fmt.Errorf("%w: item price must be non-negative", ErrInvalidOrder)
	ErrItemVendorMissed = fmt.Errorf("%w: item vendor_id is required", ErrInvalidOrder)
	ErrAmountNegative   = fmt.Errorf("%w: amounts must be non-negative", ErrInvalidOrder)
	// Сумма позиций не сходится с subtotal или total не равен формуле.
	ErrAmountMismatch = fmt.Errorf("%w: order totals do not match items", ErrInvalidOrder)
	// Пустой таймлайн или последний статус не совпадает с текущим.
	ErrTimelineBroken = fmt.Errorf("%w: timeline does not match order status", ErrInvalidOrder)

	ErrReasonRequired = fmt.Errorf("%w: cancellation reason is required", ErrValidation)
	ErrRatingInvalid  = fmt.Errorf("%w: rating must be between 1 and 5", ErrValidation)
	ErrRefundAmount   = fmt.Errorf("%w: refund amount must be positive and not exceed order total", ErrValidation)
	ErrUnknownStatus  = fmt.Errorf("%w: unknown order status", ErrValidation)

	// Провайдер отклонил возврат; заказ остаётся в прежнем статусе.
	ErrRefundRejected = fmt.Errorf("%w: payment provider rejected refund", ErrUnavailable)
)

var (
	// Ошибка пустого idempotency-key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// Ключ длиннее MaxIdempotencyKeyLength.
	ErrIdempotencyKeyTooLong = errors.New("idempotency key is too long")
	// Ключ без вызывающего не может быть привязан к пользователю.
	ErrIdempotencySubjectRequired = errors.New("idempotency key subject is required")
	// Ошибка пустого хеша запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// Ключ уже зарегистрирован с тем же запросом.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// Ключ уже зарегистрирован с другим телом запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
	ErrIdempotencyKeyNotFound  = errors.New("idempotency key not found")

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

var kindsByError = []struct {
	err  error
	kind Kind
}{
	{ErrNotFound, KindNotFound},
	{ErrInvalidOrder, KindInvalidOrder},
	{ErrInvalidTransition, KindInvalidTransition},
	{ErrNotCancellable, KindNotCancellable},
	{ErrRefundWindowExpired, KindRefundWindowExpired},
	{ErrAlreadyReviewed, KindAlreadyReviewed},
	{ErrConflict, KindConflict},
	{ErrUnauthorized, KindUnauthorized},
	{ErrValidation, KindValidation},
	{ErrUnavailable, KindUnavailable},
}

// KindOf возвращает класс ошибки. Для nil возвращается пустая строка.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, candidate := range kindsByError {
		if errors.Is(err, candidate.err) {
			return candidate.kind
		}
	}
	return KindInternal
}

// IsConflict проверяет, является ли ошибка конфликтом версий.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsIdempotencyConflict проверяет повторное использование ключа идемпотентности.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}
