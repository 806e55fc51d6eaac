package tracking

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
)

const (
	// MinPollInterval задаёт нижнюю границу интервала опроса.
	MinPollInterval = 5 * time.Second
	// PollJitter задаёт долю случайной добавки к интервалу.
	PollJitter = 0.2
)

// Notifier описывает общий контракт Hub и Poller.
type Notifier interface {
	Subscribe(orderID string, observer Observer) (Handle, error)
	Unsubscribe(handle Handle)
}

// OrderReader описывает то, что Poller читает из хранилища.
type OrderReader interface {
	Get(ctx context.Context, id string) (domain.Order, error)
}

// NextPollInterval возвращает интервал не меньше MinPollInterval с джиттером до 20%.
func NextPollInterval(base time.Duration) time.Duration {
	return jittered(base, MinPollInterval, rand.Float64())
}

func jittered(base, floor time.Duration, r float64) time.Duration {
	if base < floor {
		base = floor
	}
	return base + time.Duration(float64(base)*PollJitter*r)
}

// Poller реализует Notifier опросом хранилища. Для каждой подписки своя горутина,
// которая читает заказ и отдаёт событие, когда sequence вырос.
type Poller struct {
	reader   OrderReader
	interval time.Duration
	floor    time.Duration
	logger   *log.Entry
	now      func() time.Time

	mu     sync.Mutex
	closed bool
	subs   map[Handle]*pollSubscription
	wg     sync.WaitGroup
}

type pollSubscription struct {
	cancel     context.CancelFunc
	lastActive atomic.Int64
}

func NewPoller(reader OrderReader, interval time.Duration, logger *log.Entry) *Poller {
	if logger == nil {
		logger = log.WithField("component", "tracking-poller")
	}
	return &Poller{
		reader:   reader,
		interval: interval,
		floor:    MinPollInterval,
		logger:   logger,
		now:      time.Now,
		subs:     make(map[Handle]*pollSubscription),
	}
}

func (p *Poller) Subscribe(orderID string, observer Observer) (Handle, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" || observer == nil {
		return "", fmt.Errorf("%w: order id and observer are required", domain.ErrValidation)
	}

	ctx, cancel := context.WithCancel(context.Background())
	handle := Handle(uuid.NewString())
	sub := &pollSubscription{cancel: cancel}
	sub.lastActive.Store(p.now().UnixNano())

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		return "", ErrHubClosed
	}
	p.subs[handle] = sub
	p.wg.Add(1)
	p.mu.Unlock()

	go p.loop(ctx, handle, orderID, observer, sub)
	return handle, nil
}

func (p *Poller) Unsubscribe(handle Handle) {
	p.mu.Lock()
	sub, ok := p.subs[handle]
	delete(p.subs, handle)
	p.mu.Unlock()
	if ok {
		sub.cancel()
	}
}

// ReapIdle останавливает опросы, не доставлявшие событий с момента before.
// Так освобождаются подписки на доставленные заказы, по которым возврата не было.
func (p *Poller) ReapIdle(before time.Time) int {
	cutoff := before.UnixNano()

	p.mu.Lock()
	var reaped []*pollSubscription
	for handle, sub := range p.subs {
		if sub.lastActive.Load() < cutoff {
			reaped = append(reaped, sub)
			delete(p.subs, handle)
		}
	}
	p.mu.Unlock()

	for _, sub := range reaped {
		sub.cancel()
	}
	if len(reaped) > 0 {
		p.logger.WithField("count", len(reaped)).Info("idle polls stopped")
	}
	return len(reaped)
}

func (p *Poller) loop(ctx context.Context, handle Handle, orderID string, observer Observer, sub *pollSubscription) {
	defer p.wg.Done()
	defer p.Unsubscribe(handle)

	entry := p.logger.WithFields(log.Fields{"order_id": orderID, "handle": handle})
	lastSeq := 0
	for {
		done, err := p.poll(ctx, orderID, observer, &lastSeq, sub)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			entry.Warn("polled order not found, stopping")
			return
		case err != nil && ctx.Err() == nil:
			entry.WithError(err).Warn("poll failed")
		}
		if done {
			return
		}

		timer := time.NewTimer(jittered(p.interval, p.floor, rand.Float64()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// poll возвращает done=true, когда доставлено финальное событие.
func (p *Poller) poll(ctx context.Context, orderID string, observer Observer, lastSeq *int, sub *pollSubscription) (bool, error) {
	order, err := p.reader.Get(ctx, orderID)
	if err != nil {
		return false, err
	}
	event := domain.NewStatusEvent(order)
	if event.Sequence <= *lastSeq {
		return false, nil
	}
	if err := observer.Deliver(ctx, event); err != nil {
		return false, fmt.Errorf("deliver polled event: %w", err)
	}
	*lastSeq = event.Sequence
	sub.lastActive.Store(p.now().UnixNano())
	return event.Status.Final(), nil
}

// Notify ничего не делает: Poller сам читает хранилище.
func (p *Poller) Notify(domain.StatusEvent) bool { return false }

// Close останавливает все опросы. После Close Subscribe возвращает ErrHubClosed.
func (p *Poller) Close() {
	p.mu.Lock()
	p.closed = true
	for handle, sub := range p.subs {
		sub.cancel()
		delete(p.subs, handle)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

var (
	_ Notifier = (*Hub)(nil)
	_ Notifier = (*Poller)(nil)
)
