// Package payment содержит клиентов платёжного провайдера.
package payment

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
)

// MockService — in-memory платёжный провайдер для локального запуска и тестов.
// Refund идемпотентен по orderID: повторный вызов возвращает прежний результат.
// Отклонённый возврат не запоминается, его можно повторить.
type MockService struct {
	mu sync.Mutex

	// DefaultCapture задаёт статус оплаты заказа, для которого не задано явного значения.
	DefaultCapture domain.PaymentStatus
	RefundStatus   domain.PaymentStatus
	CaptureErr     error
	RefundErr      error

	captures map[string]domain.PaymentStatus
	refunds  map[string]domain.PaymentStatus

	CaptureCalls int
	RefundCalls  int
}

// NewMockService возвращает mock с успешным сценарием по умолчанию.
func NewMockService() *MockService {
	return &MockService{
		DefaultCapture: domain.PaymentStatusCaptured,
		RefundStatus:   domain.PaymentStatusRefunded,
		captures:       make(map[string]domain.PaymentStatus),
		refunds:        make(map[string]domain.PaymentStatus),
	}
}

// SetCapture задаёт статус оплаты конкретного заказа.
func (m *MockService) SetCapture(orderID string, status domain.PaymentStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captures[orderID] = status
}

func (m *MockService) CaptureStatus(_ context.Context, orderID string) (domain.PaymentStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CaptureCalls++
	if m.CaptureErr != nil {
		return "", m.CaptureErr
	}
	if status, ok := m.captures[orderID]; ok {
		return status, nil
	}
	return m.DefaultCapture, nil
}

func (m *MockService) Refund(_ context.Context, orderID string, _ int64, _ string) (domain.PaymentStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RefundCalls++
	if m.RefundErr != nil {
		return "", m.RefundErr
	}
	if status, ok := m.refunds[orderID]; ok {
		return status, nil
	}
	if m.RefundStatus != domain.PaymentStatusFailed {
		m.refunds[orderID] = m.RefundStatus
	}
	return m.RefundStatus, nil
}

var _ domain.PaymentService = (*MockService)(nil)
