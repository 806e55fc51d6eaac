package domain

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusPendingPayment — заказ создан, ждём подтверждения оплаты.
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	// OrderStatusPending — оплата подтверждена, заказ ждёт вендора.
	OrderStatusPending        OrderStatus = "pending"
	OrderStatusConfirmed      OrderStatus = "confirmed"
	OrderStatusProcessing     OrderStatus = "processing"
	OrderStatusPreparing      OrderStatus = "preparing"
	OrderStatusReadyForPickup OrderStatus = "ready_for_pickup"
	OrderStatusOutForDelivery OrderStatus = "out_for_delivery"
	OrderStatusDelivered      OrderStatus = "delivered"
	// OrderStatusCancelled — терминальный статус, допускает только возврат.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRefunded — терминальный статус.
	OrderStatusRefunded OrderStatus = "refunded"
)

// AllStatuses перечисляет статусы в порядке жизненного цикла.
var AllStatuses = []OrderStatus{
	OrderStatusPendingPayment,
	OrderStatusPending,
	OrderStatusConfirmed,
	OrderStatusProcessing,
	OrderStatusPreparing,
	OrderStatusReadyForPickup,
	OrderStatusOutForDelivery,
	OrderStatusDelivered,
	OrderStatusCancelled,
	OrderStatusRefunded,
}

// forwardTransitions задаёт прямое продвижение заказа. Отмена и возврат живут
// в отдельных операциях со своими правилами.
var forwardTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPendingPayment: {OrderStatusPending},
	OrderStatusPending:        {OrderStatusConfirmed},
	OrderStatusConfirmed:      {OrderStatusProcessing},
	OrderStatusProcessing:     {OrderStatusPreparing},
	OrderStatusPreparing:      {OrderStatusReadyForPickup},
	OrderStatusReadyForPickup: {OrderStatusOutForDelivery},
	OrderStatusOutForDelivery: {OrderStatusDelivered},
}

var cancellableStatuses = map[OrderStatus]struct{}{
	OrderStatusPendingPayment: {},
	OrderStatusPending:        {},
	OrderStatusConfirmed:      {},
	OrderStatusProcessing:     {},
	OrderStatusPreparing:      {},
}

// Known сообщает, входит ли статус в закрытый набор.
func (s OrderStatus) Known() bool {
	for _, status := range AllStatuses {
		if status == s {
			return true
		}
	}
	return false
}

// Cancellable истинно для статусов до передачи в доставку.
func (s OrderStatus) Cancellable() bool {
	_, ok := cancellableStatuses[s]
	return ok
}

// Final — после события с таким статусом подписки на заказ освобождаются.
// delivered сюда не входит: пока открыто окно возврата, возможен переход в refunded.
func (s OrderStatus) Final() bool {
	return s == OrderStatusCancelled || s == OrderStatusRefunded
}

// CountsAsSpend сообщает, учитывается ли заказ в сумме трат клиента.
func (s OrderStatus) CountsAsSpend() bool {
	return s != OrderStatusCancelled && s != OrderStatusRefunded
}

// CanAdvanceTo проверяет прямой переход по таблице.
func (s OrderStatus) CanAdvanceTo(next OrderStatus) bool {
	for _, candidate := range forwardTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// NextStatuses возвращает разрешённые прямые переходы.
func (s OrderStatus) NextStatuses() []OrderStatus {
	next := forwardTransitions[s]
	out := make([]OrderStatus, len(next))
	copy(out, next)
	return out
}

// ParseStatus приводит строку к известному статусу.
func ParseStatus(raw string) (OrderStatus, error) {
	status := OrderStatus(raw)
	if !status.Known() {
		return "", ErrUnknownStatus
	}
	return status, nil
}
