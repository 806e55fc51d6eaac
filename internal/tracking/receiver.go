package tracking

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
)

// Receiver применяет события идемпотентно: событие с sequence <= последнего
// принятого по заказу отбрасывается. Используется на стороне клиента и в тестах.
type Receiver struct {
	mu       sync.Mutex
	last     map[string]domain.StatusEvent
	onChange func(domain.StatusEvent)
}

// NewReceiver создаёт Receiver. onChange вызывается только для принятых событий.
func NewReceiver(onChange func(domain.StatusEvent)) *Receiver {
	return &Receiver{last: make(map[string]domain.StatusEvent), onChange: onChange}
}

// Apply возвращает true, если событие новое и было применено.
func (r *Receiver) Apply(event domain.StatusEvent) bool {
	r.mu.Lock()
	prev, seen := r.last[event.OrderID]
	if seen && event.Sequence <= prev.Sequence {
		r.mu.Unlock()
		return false
	}
	r.last[event.OrderID] = event
	cb := r.onChange
	r.mu.Unlock()

	if cb != nil {
		cb(event)
	}
	return true
}

// Deliver позволяет подписать Receiver напрямую на Hub или Poller.
func (r *Receiver) Deliver(_ context.Context, event domain.StatusEvent) error {
	r.Apply(event)
	return nil
}

// Current возвращает последнее принятое событие по заказу.
func (r *Receiver) Current(orderID string) (domain.StatusEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.last[orderID]
	return ev, ok
}
