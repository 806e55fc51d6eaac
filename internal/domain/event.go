package domain

import "time"

// StatusEvent описывает push-уведомление об изменении статуса.
// Sequence равен длине таймлайна в момент перехода и монотонно растёт для заказа.
type StatusEvent struct {
	OrderID   string      `json:"order_id"`
	Status    OrderStatus `json:"status"`
	Sequence  int         `json:"sequence"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewStatusEvent строит событие по последней записи таймлайна.
func NewStatusEvent(order Order) StatusEvent {
	event := StatusEvent{
		OrderID:  order.ID,
		Status:   order.Status,
		Sequence: len(order.Timeline),
	}
	if last, ok := order.LastEntry(); ok {
		event.Timestamp = last.At
	}
	return event
}
