package query

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
)

var now = time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC)

func order(id, number string, status domain.OrderStatus, age time.Duration, total int64, itemName string) domain.Order {
	return domain.Order{
		ID:         id,
		Number:     number,
		CustomerID: "customer-1",
		Status:     status,
		Items:      []domain.OrderItem{{ID: id + "-i", Name: itemName, UnitPriceMinor: total, Quantity: 1}},
		Totals:     domain.Totals{SubtotalMinor: total, TotalMinor: total},
		CreatedAt:  now.Add(-age),
	}
}

func fixture() []domain.Order {
	return []domain.Order{
		order("a", "ORD-20260520-AAAA", domain.OrderStatusPending, time.Hour, 1500, "Pizza Margherita"),
		order("b", "ORD-20260518-BBBB", domain.OrderStatusDelivered, 2*24*time.Hour, 3200, "Sushi set"),
		order("c", "ORD-20260501-CCCC", domain.OrderStatusCancelled, 19*24*time.Hour, 900, "Pizza Diavola"),
		order("d", "ORD-20260310-DDDD", domain.OrderStatusDelivered, 71*24*time.Hour, 4100, "Burger"),
		order("e", "ORD-20251101-EEEE", domain.OrderStatusRefunded, 200*24*time.Hour, 700, "Soup"),
	}
}

func ids(orders []domain.Order) []string {
	out := make([]string, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.ID)
	}
	return out
}

func TestApply_DefaultsSortNewestFirst(t *testing.T) {
	page := Apply(fixture(), domain.OrderFilter{}, now)

	require.Equal(t, []string{"a", "b", "c", "d", "e"}, ids(page.Items))
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, domain.DefaultPageLimit, page.Limit)
	assert.Equal(t, 1, page.TotalPages)
}

func TestApply_Filters(t *testing.T) {
	tests := []struct {
		name   string
		filter domain.OrderFilter
		want   []string
	}{
		{name: "status", filter: domain.OrderFilter{Status: domain.OrderStatusDelivered}, want: []string{"b", "d"}},
		{name: "status all", filter: domain.OrderFilter{Status: "all"}, want: []string{"a", "b", "c", "d", "e"}},
		{name: "week", filter: domain.OrderFilter{DateRange: domain.DateRangeWeek}, want: []string{"a", "b"}},
		{name: "month", filter: domain.OrderFilter{DateRange: domain.DateRangeMonth}, want: []string{"a", "b", "c"}},
		{name: "3 months", filter: domain.OrderFilter{DateRange: domain.DateRange3Months}, want: []string{"a", "b", "c", "d"}},
		{name: "search item name case-insensitive", filter: domain.OrderFilter{Search: "PIZZA"}, want: []string{"a", "c"}},
		{name: "search number", filter: domain.OrderFilter{Search: "dddd"}, want: []string{"d"}},
		{name: "conjunction", filter: domain.OrderFilter{Search: "pizza", DateRange: domain.DateRangeWeek}, want: []string{"a"}},
		{name: "no match", filter: domain.OrderFilter{Search: "tacos"}, want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := Apply(fixture(), tt.filter, now)
			require.Equal(t, tt.want, ids(page.Items))
			require.Equal(t, len(tt.want), page.Total)
		})
	}
}

func TestApply_StatusRangeAndSearchTogether(t *testing.T) {
	orders := []domain.Order{
		order("hit", "ORD-1", domain.OrderStatusCancelled, 10*24*time.Hour, 450, "Sourdough Bread"),
		order("old", "ORD-2", domain.OrderStatusCancelled, 45*24*time.Hour, 450, "Rye bread"),
		order("delivered", "ORD-3", domain.OrderStatusDelivered, 3*24*time.Hour, 450, "Bread rolls"),
		order("soup", "ORD-4", domain.OrderStatusCancelled, 5*24*time.Hour, 450, "Tomato soup"),
	}

	page := Apply(orders, domain.OrderFilter{
		Status:    domain.OrderStatusCancelled,
		DateRange: domain.DateRangeMonth,
		Search:    "bread",
	}, now)
	require.Equal(t, []string{"hit"}, ids(page.Items))
	require.Equal(t, 1, page.Total)
}

func TestApply_SameFilterSameBytes(t *testing.T) {
	orders := fixture()
	orders = append(orders,
		order("f", "ORD-20260520-FFFF", domain.OrderStatusPending, time.Hour, 1500, "Pizza Margherita"),
		order("g", "ORD-20260520-GGGG", domain.OrderStatusPending, time.Hour, 1500, "Pizza Margherita"),
	)
	filters := []domain.OrderFilter{
		{},
		{SortBy: domain.SortByTotal, SortDir: domain.SortAsc},
		{SortBy: domain.SortByStatus, SortDir: domain.SortDesc, Limit: 2, Page: 2},
		{Search: "pizza", DateRange: domain.DateRangeMonth},
	}

	for _, filter := range filters {
		first, err := json.Marshal(Apply(orders, filter, now))
		require.NoError(t, err)
		second, err := json.Marshal(Apply(orders, filter, now))
		require.NoError(t, err)
		require.Equal(t, string(first), string(second), "filter %+v", filter)
	}
}

func TestApply_Sorting(t *testing.T) {
	tests := []struct {
		name string
		key  domain.SortKey
		dir  domain.SortDir
		want []string
	}{
		{name: "total asc", key: domain.SortByTotal, dir: domain.SortAsc, want: []string{"e", "c", "a", "b", "d"}},
		{name: "total desc", key: domain.SortByTotal, dir: domain.SortDesc, want: []string{"d", "b", "a", "c", "e"}},
		{name: "created asc", key: domain.SortByCreatedAt, dir: domain.SortAsc, want: []string{"e", "d", "c", "b", "a"}},
		{name: "number asc", key: domain.SortByNumber, dir: domain.SortAsc, want: []string{"e", "d", "c", "b", "a"}},
		// delivered b и d равны по ключу: новые раньше
		{name: "status asc", key: domain.SortByStatus, dir: domain.SortAsc, want: []string{"a", "b", "d", "c", "e"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := Apply(fixture(), domain.OrderFilter{SortBy: tt.key, SortDir: tt.dir}, now)
			require.Equal(t, tt.want, ids(page.Items))
		})
	}
}

func TestApply_TiesBrokenByCreatedThenID(t *testing.T) {
	orders := []domain.Order{
		order("z", "N-1", domain.OrderStatusPending, time.Hour, 100, "x"),
		order("y", "N-2", domain.OrderStatusPending, time.Hour, 100, "x"),
		order("x", "N-3", domain.OrderStatusPending, time.Minute, 100, "x"),
	}
	page := Apply(orders, domain.OrderFilter{SortBy: domain.SortByTotal, SortDir: domain.SortAsc}, now)
	require.Equal(t, []string{"x", "y", "z"}, ids(page.Items))
}

func TestApply_Pagination(t *testing.T) {
	orders := make([]domain.Order, 0, 25)
	for i := 0; i < 25; i++ {
		orders = append(orders, order(fmt.Sprintf("o-%02d", i), fmt.Sprintf("N-%02d", i), domain.OrderStatusPending, time.Duration(i)*time.Minute, 100, "x"))
	}

	page := Apply(orders, domain.OrderFilter{Page: 3, Limit: 10}, now)
	require.Len(t, page.Items, 5)
	require.Equal(t, "o-20", page.Items[0].ID)
	require.Equal(t, 25, page.Total)
	require.Equal(t, 3, page.TotalPages)

	past := Apply(orders, domain.OrderFilter{Page: 9, Limit: 10}, now)
	require.NotNil(t, past.Items)
	require.Empty(t, past.Items)
	require.Equal(t, 25, past.Total)

	clamped := Apply(orders, domain.OrderFilter{Limit: 1000}, now)
	require.Equal(t, domain.MaxPageLimit, clamped.Limit)
	require.Len(t, clamped.Items, 25)
}

func TestApply_DoesNotAliasInput(t *testing.T) {
	orders := fixture()
	page := Apply(orders, domain.OrderFilter{}, now)
	page.Items[0].Items[0].Name = "changed"
	require.Equal(t, "Pizza Margherita", orders[0].Items[0].Name)
}

func TestComputeStats(t *testing.T) {
	orders := append(fixture(), domain.Order{ID: "weird", Status: "lost_in_space", Totals: domain.Totals{TotalMinor: 50}})

	stats := ComputeStats(orders, now)
	require.Equal(t, 6, stats.Total)
	require.Equal(t, 1, stats.Other)
	require.Equal(t, 2, stats.ByStatus[domain.OrderStatusDelivered])
	require.Equal(t, 1, stats.ByStatus[domain.OrderStatusPending])
	require.Equal(t, 0, stats.ByStatus[domain.OrderStatusPreparing])
	require.Equal(t, int64(1500+3200+4100), stats.TotalSpentMinor)
	require.Equal(t, now, stats.ComputedAt)

	sum := stats.Other
	for _, n := range stats.ByStatus {
		sum += n
	}
	require.Equal(t, stats.Total, sum)
}

func TestComputeStats_Empty(t *testing.T) {
	stats := ComputeStats(nil, now)
	require.Zero(t, stats.Total)
	require.Zero(t, stats.TotalSpentMinor)
	require.Len(t, stats.ByStatus, len(domain.AllStatuses))
}
