package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
)

// orderRecord хранит заказ со своим мьютексом: CAS по одному заказу
// не блокирует остальные.
type orderRecord struct {
	mu    sync.Mutex
	order domain.Order
}

// OrderRepository — in-memory реализация domain.OrderRepository.
type OrderRepository struct {
	mu         sync.RWMutex
	orders     map[string]*orderRecord
	numbers    map[string]string
	byCustomer map[string][]string
}

// NewOrderRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{
		orders:     make(map[string]*orderRecord),
		numbers:    make(map[string]string),
		byCustomer: make(map[string][]string),
	}
}

// Create сохраняет новый заказ, если ID и номер ещё не заняты.
func (r *OrderRepository) Create(ctx context.Context, order domain.Order) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	if err := order.Validate(); err != nil {
		return domain.Order{}, err
	}

	stored := order.Clone()
	stored.Version = 1

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orders[stored.ID]; exists {
		return domain.Order{}, fmt.Errorf("%w: order %s already exists", domain.ErrConflict, stored.ID)
	}
	if _, exists := r.numbers[stored.Number]; exists {
		return domain.Order{}, fmt.Errorf("%w: order number %s already exists", domain.ErrConflict, stored.Number)
	}

	r.orders[stored.ID] = &orderRecord{order: stored}
	r.numbers[stored.Number] = stored.ID
	r.byCustomer[stored.CustomerID] = append(r.byCustomer[stored.CustomerID], stored.ID)

	return stored.Clone(), nil
}

// Get возвращает копию заказа или ErrNotFound.
func (r *OrderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}

	rec, ok := r.record(id)
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.order.Clone(), nil
}

// ApplyTransition заменяет заказ, если текущая версия совпадает с expectedVersion.
func (r *OrderRepository) ApplyTransition(ctx context.Context, id string, expectedVersion int64, next domain.Order) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}

	rec, ok := r.record(id)
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.order.Version != expectedVersion {
		return domain.Order{}, fmt.Errorf("%w: expected version %d, current %d", domain.ErrConflict, expectedVersion, rec.order.Version)
	}
	if err := domain.CheckSuccessor(rec.order, next); err != nil {
		return domain.Order{}, err
	}
	if err := next.Validate(); err != nil {
		return domain.Order{}, err
	}

	stored := next.Clone()
	stored.Version = expectedVersion + 1
	rec.order = stored

	return stored.Clone(), nil
}

// ListByCustomer возвращает копии всех заказов клиента в порядке создания.
func (r *OrderRepository) ListByCustomer(ctx context.Context, customerID string) ([]domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	ids := append([]string(nil), r.byCustomer[customerID]...)
	records := make([]*orderRecord, 0, len(ids))
	for _, id := range ids {
		records = append(records, r.orders[id])
	}
	r.mu.RUnlock()

	result := make([]domain.Order, 0, len(records))
	for _, rec := range records {
		rec.mu.Lock()
		result = append(result, rec.order.Clone())
		rec.mu.Unlock()
	}
	return result, nil
}

func (r *OrderRepository) record(id string) (*orderRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.orders[id]
	return rec, ok
}

var _ domain.OrderRepository = (*OrderRepository)(nil)
