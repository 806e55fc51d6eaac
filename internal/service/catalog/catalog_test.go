package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
	"github.com/vladislavdragonenkov/ordertrack/internal/resilience"
)

func TestMockService_Lookup(t *testing.T) {
	mock := NewMockService(
		domain.CatalogItem{ProductID: "p-1", VendorID: "v-1", Name: "Tea", UnitPriceMinor: 250, Available: true},
	)
	mock.Put(domain.CatalogItem{ProductID: "p-2", VendorID: "v-2", Name: "Cake", UnitPriceMinor: 400})

	items, err := mock.Lookup(context.Background(), []string{"p-1", "p-2", "p-missing"})
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.True(t, items["p-1"].Available)
	require.False(t, items["p-2"].Available)
	require.Equal(t, 1, mock.Calls)
}

func TestGuarded_Lookup(t *testing.T) {
	mock := NewMockService()
	mock.Err = errors.New("connection refused")
	guarded := NewGuarded(mock, resilience.NewCircuitBreaker(1, time.Minute, nil))

	_, err := guarded.Lookup(context.Background(), []string{"p-1"})
	require.ErrorIs(t, err, domain.ErrUnavailable)

	_, err = guarded.Lookup(context.Background(), []string{"p-1"})
	require.ErrorIs(t, err, domain.ErrUnavailable)
	require.Equal(t, 1, mock.Calls)
}
