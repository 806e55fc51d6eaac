package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
	"github.com/vladislavdragonenkov/ordertrack/internal/resilience"
)

// Guarded пропускает вызовы провайдера через circuit breaker.
// Разомкнутая цепь и ошибки провайдера отдаются как ErrUnavailable.
type Guarded struct {
	next    domain.PaymentService
	breaker *resilience.CircuitBreaker
}

func NewGuarded(next domain.PaymentService, breaker *resilience.CircuitBreaker) *Guarded {
	return &Guarded{next: next, breaker: breaker}
}

func (g *Guarded) CaptureStatus(ctx context.Context, orderID string) (domain.PaymentStatus, error) {
	var status domain.PaymentStatus
	err := g.breaker.Execute("payment.capture_status", func() error {
		var err error
		status, err = g.next.CaptureStatus(ctx, orderID)
		return err
	})
	return status, unavailable("capture status", err)
}

func (g *Guarded) Refund(ctx context.Context, orderID string, amountMinor int64, currency string) (domain.PaymentStatus, error) {
	var status domain.PaymentStatus
	err := g.breaker.Execute("payment.refund", func() error {
		var err error
		status, err = g.next.Refund(ctx, orderID, amountMinor, currency)
		return err
	})
	return status, unavailable("refund", err)
}

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrUnavailable) {
		return err
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return fmt.Errorf("%w: payment %s: %v", domain.ErrUnavailable, op, err)
	}
	return fmt.Errorf("%w: payment %s failed: %v", domain.ErrUnavailable, op, err)
}

var _ domain.PaymentService = (*Guarded)(nil)
