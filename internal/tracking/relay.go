package tracking

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
)

// Relay передаёт события, прочитанные из общей шины, в локальный Hub.
// Так подписчики любого экземпляра сервиса видят переходы, сделанные на других.
// Повторы и события, уже разосланные локально, отсекает сам Hub по sequence.
type Relay struct {
	hub    *Hub
	logger *log.Entry
}

func NewRelay(hub *Hub, logger *log.Entry) *Relay {
	if logger == nil {
		logger = log.WithField("component", "tracking-relay")
	}
	return &Relay{hub: hub, logger: logger}
}

// Handle никогда не возвращает ошибку для корректного события: доставка асинхронная.
func (r *Relay) Handle(_ context.Context, event domain.StatusEvent) error {
	if event.OrderID == "" || !event.Status.Known() {
		r.logger.WithFields(log.Fields{
			"order_id": event.OrderID,
			"status":   event.Status,
		}).Warn("skipping malformed status event")
		return nil
	}
	if r.hub.Notify(event) {
		r.logger.WithFields(log.Fields{
			"order_id": event.OrderID,
			"sequence": event.Sequence,
		}).Debug("relayed status event")
	}
	return nil
}
