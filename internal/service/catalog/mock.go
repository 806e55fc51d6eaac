// Package catalog содержит клиентов каталога (цены и доступность товаров).
package catalog

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
)

// MockService — in-memory каталог. Неизвестные товары в ответ не попадают.
type MockService struct {
	mu    sync.RWMutex
	items map[string]domain.CatalogItem
	Err   error
	Calls int
}

func NewMockService(items ...domain.CatalogItem) *MockService {
	m := &MockService{items: make(map[string]domain.CatalogItem, len(items))}
	for _, item := range items {
		m.items[item.ProductID] = item
	}
	return m
}

// Put добавляет или заменяет товар.
func (m *MockService) Put(item domain.CatalogItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ProductID] = item
}

func (m *MockService) Lookup(_ context.Context, productIDs []string) (map[string]domain.CatalogItem, error) {
	m.mu.Lock()
	m.Calls++
	err := m.Err
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]domain.CatalogItem, len(productIDs))
	for _, id := range productIDs {
		if item, ok := m.items[id]; ok {
			out[id] = item
		}
	}
	return out, nil
}

var _ domain.CatalogService = (*MockService)(nil)
