package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
)

func TestOrderFilterNormalize(t *testing.T) {
	f := domain.OrderFilter{Status: "all", Search: "  burger ", Page: -3, Limit: 1000}.Normalize()

	assert.Equal(t, domain.OrderStatus(""), f.Status)
	assert.Equal(t, domain.DateRangeAllTime, f.DateRange)
	assert.Equal(t, "burger", f.Search)
	assert.Equal(t, domain.SortByCreatedAt, f.SortBy)
	assert.Equal(t, domain.SortDesc, f.SortDir)
	assert.Equal(t, 1, f.Page)
	assert.Equal(t, domain.MaxPageLimit, f.Limit)

	assert.Equal(t, domain.DefaultPageLimit, domain.OrderFilter{}.Normalize().Limit)
}

func TestOrderFilterValidate(t *testing.T) {
	require.NoError(t, domain.OrderFilter{Status: "all"}.Validate())
	require.NoError(t, domain.OrderFilter{Status: domain.OrderStatusDelivered, DateRange: domain.DateRangeWeek}.Validate())
	require.ErrorIs(t, domain.OrderFilter{Status: "shipped"}.Validate(), domain.ErrValidation)
	require.ErrorIs(t, domain.OrderFilter{DateRange: "year"}.Validate(), domain.ErrValidation)
	require.ErrorIs(t, domain.OrderFilter{SortBy: "vendor"}.Validate(), domain.ErrValidation)
	require.ErrorIs(t, domain.OrderFilter{SortDir: "up"}.Validate(), domain.ErrValidation)
}

func TestDateRangeSince(t *testing.T) {
	now := time.Date(2026, 3, 31, 10, 0, 0, 0, time.UTC)

	since, ok := domain.DateRangeWeek.Since(now)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 24, 10, 0, 0, 0, time.UTC), since)

	since, ok = domain.DateRange3Months.Since(now)
	require.True(t, ok)
	assert.Equal(t, now.AddDate(0, -3, 0), since)

	_, ok = domain.DateRangeAllTime.Since(now)
	assert.False(t, ok)
}

func TestIdentityAccess(t *testing.T) {
	order := makeOrder()

	customer := domain.Identity{Subject: "customer-1", Role: domain.RoleCustomer}
	stranger := domain.Identity{Subject: "customer-2", Role: domain.RoleCustomer}
	vendor := domain.Identity{Subject: "vendor-a", Role: domain.RoleVendor}
	otherVendor := domain.Identity{Subject: "vendor-z", Role: domain.RoleVendor}
	admin := domain.Identity{Subject: "root", Role: domain.RoleAdmin}

	assert.True(t, customer.CanView(order))
	assert.False(t, stranger.CanView(order))
	assert.True(t, vendor.CanView(order))
	assert.False(t, otherVendor.CanView(order))
	assert.True(t, admin.CanView(order))

	assert.True(t, customer.CanActAsOwner(order))
	assert.False(t, vendor.CanActAsOwner(order))
	assert.True(t, vendor.CanFulfil(order))
	assert.False(t, customer.CanFulfil(order))

	assert.True(t, customer.CanReadCustomer("customer-1"))
	assert.False(t, customer.CanReadCustomer("customer-2"))
	assert.False(t, vendor.CanReadCustomer("customer-1"))
	assert.True(t, admin.CanReadCustomer("customer-1"))
}
