package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
	"github.com/vladislavdragonenkov/ordertrack/internal/resilience"
)

// Guarded ограничивает обращения к каталогу circuit breaker'ом.
type Guarded struct {
	next    domain.CatalogService
	breaker *resilience.CircuitBreaker
}

func NewGuarded(next domain.CatalogService, breaker *resilience.CircuitBreaker) *Guarded {
	return &Guarded{next: next, breaker: breaker}
}

func (g *Guarded) Lookup(ctx context.Context, productIDs []string) (map[string]domain.CatalogItem, error) {
	var items map[string]domain.CatalogItem
	err := g.breaker.Execute("catalog.lookup", func() error {
		var err error
		items, err = g.next.Lookup(ctx, productIDs)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: catalog lookup: %v", domain.ErrUnavailable, err)
	}
	return items, nil
}

var _ domain.CatalogService = (*Guarded)(nil)
