package tracking

import (
	"context"
	"errors"
	"sync"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
)

// ErrObserverClosed — observer закрыт потребителем.
var ErrObserverClosed = errors.New("observer is closed")

// ChannelObserver передаёт события в канал для потоковых транспортов.
type ChannelObserver struct {
	events    chan domain.StatusEvent
	done      chan struct{}
	closeOnce sync.Once
}

func NewChannelObserver(buffer int) *ChannelObserver {
	if buffer < 0 {
		buffer = 0
	}
	return &ChannelObserver{
		events: make(chan domain.StatusEvent, buffer),
		done:   make(chan struct{}),
	}
}

// Events возвращает канал событий; не закрывается, завершение отслеживается через Done.
func (o *ChannelObserver) Events() <-chan domain.StatusEvent {
	return o.events
}

// Done закрывается после Close.
func (o *ChannelObserver) Done() <-chan struct{} {
	return o.done
}

func (o *ChannelObserver) Deliver(ctx context.Context, event domain.StatusEvent) error {
	select {
	case <-o.done:
		return ErrObserverClosed
	default:
	}
	select {
	case o.events <- event:
		return nil
	case <-o.done:
		return ErrObserverClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close прекращает приём событий. Повторный вызов безопасен.
func (o *ChannelObserver) Close() {
	o.closeOnce.Do(func() { close(o.done) })
}
