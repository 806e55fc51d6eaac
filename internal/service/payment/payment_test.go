package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
	"github.com/vladislavdragonenkov/ordertrack/internal/resilience"
)

func TestMockService(t *testing.T) {
	ctx := context.Background()
	mock := NewMockService()

	status, err := mock.CaptureStatus(ctx, "o-1")
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusCaptured, status)

	mock.SetCapture("o-2", domain.PaymentStatusAuthorized)
	status, err = mock.CaptureStatus(ctx, "o-2")
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusAuthorized, status)

	refund, err := mock.Refund(ctx, "o-1", 100, "USD")
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusRefunded, refund)

	mock.RefundStatus = domain.PaymentStatusFailed
	again, err := mock.Refund(ctx, "o-1", 100, "USD")
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusRefunded, again, "refund must be idempotent per order")

	rejected, err := mock.Refund(ctx, "o-2", 100, "USD")
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusFailed, rejected)
	mock.RefundStatus = domain.PaymentStatusRefunded
	retried, err := mock.Refund(ctx, "o-2", 100, "USD")
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusRefunded, retried, "rejected refund can be retried")

	mock.RefundErr = errors.New("provider down")
	_, err = mock.Refund(ctx, "o-3", 100, "USD")
	require.Error(t, err)
	require.Equal(t, 5, mock.RefundCalls)
	require.Equal(t, 2, mock.CaptureCalls)
}

func TestGuarded_OpensAfterFailures(t *testing.T) {
	ctx := context.Background()
	mock := NewMockService()
	mock.CaptureErr = errors.New("timeout")
	guarded := NewGuarded(mock, resilience.NewCircuitBreaker(2, time.Minute, nil))

	for i := 0; i < 2; i++ {
		_, err := guarded.CaptureStatus(ctx, "o-1")
		require.ErrorIs(t, err, domain.ErrUnavailable)
	}
	require.Equal(t, 2, mock.CaptureCalls)

	_, err := guarded.CaptureStatus(ctx, "o-1")
	require.ErrorIs(t, err, domain.ErrUnavailable)
	require.Equal(t, 2, mock.CaptureCalls, "open circuit must not reach the provider")

	_, err = guarded.Refund(ctx, "o-1", 100, "USD")
	require.ErrorIs(t, err, domain.ErrUnavailable)
	require.Zero(t, mock.RefundCalls)
}

func TestGuarded_PassesThroughSuccess(t *testing.T) {
	guarded := NewGuarded(NewMockService(), resilience.NewCircuitBreaker(1, time.Minute, nil))

	status, err := guarded.Refund(context.Background(), "o-1", 100, "USD")
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusRefunded, status)
}
