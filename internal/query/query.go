// Package query реализует выборку и агрегаты по заказам клиента.
// Функции чистые: на вход срез заказов и момент времени, на выход новая страница.
package query

import (
	"sort"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
)

// Apply фильтрует, сортирует и режет на страницы. Фильтр нормализуется внутри.
// Страница за пределами выборки возвращает пустой Items.
func Apply(orders []domain.Order, filter domain.OrderFilter, now time.Time) domain.OrderPage {
	f := filter.Normalize()

	matched := make([]domain.Order, 0, len(orders))
	since, bounded := f.DateRange.Since(now)
	search := strings.ToLower(f.Search)
	for _, o := range orders {
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if bounded && o.CreatedAt.Before(since) {
			continue
		}
		if search != "" && !matchesSearch(o, search) {
			continue
		}
		matched = append(matched, o)
	}

	sortOrders(matched, f.SortBy, f.SortDir)

	page := domain.OrderPage{
		Items: []domain.Order{},
		Total: len(matched),
		Page:  f.Page,
		Limit: f.Limit,
	}
	page.TotalPages = (page.Total + f.Limit - 1) / f.Limit

	start := (f.Page - 1) * f.Limit
	if start >= len(matched) {
		return page
	}
	end := start + f.Limit
	if end > len(matched) {
		end = len(matched)
	}
	for _, o := range matched[start:end] {
		page.Items = append(page.Items, o.Clone())
	}
	return page
}

// ComputeStats считает агрегаты. Статусы вне перечисления попадают в Other.
func ComputeStats(orders []domain.Order, now time.Time) domain.OrderStats {
	stats := domain.OrderStats{
		Total:      len(orders),
		ByStatus:   make(map[domain.OrderStatus]int, len(domain.AllStatuses)),
		ComputedAt: now,
	}
	for _, s := range domain.AllStatuses {
		stats.ByStatus[s] = 0
	}
	for _, o := range orders {
		if !o.Status.Known() {
			stats.Other++
			continue
		}
		stats.ByStatus[o.Status]++
		if o.Status.CountsAsSpend() {
			stats.TotalSpentMinor += o.Totals.TotalMinor
		}
	}
	return stats
}

// matchesSearch: регистронезависимая подстрока в номере заказа или названии позиции.
func matchesSearch(o domain.Order, needle string) bool {
	if strings.Contains(strings.ToLower(o.Number), needle) {
		return true
	}
	for _, item := range o.Items {
		if strings.Contains(strings.ToLower(item.Name), needle) {
			return true
		}
	}
	return false
}

func sortOrders(orders []domain.Order, key domain.SortKey, dir domain.SortDir) {
	sort.SliceStable(orders, func(i, j int) bool {
		a, b := orders[i], orders[j]
		if c := compareBy(a, b, key); c != 0 {
			if dir == domain.SortAsc {
				return c < 0
			}
			return c > 0
		}
		// ничья: новые раньше, затем по id
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func compareBy(a, b domain.Order, key domain.SortKey) int {
	switch key {
	case domain.SortByTotal:
		return compareInt64(a.Totals.TotalMinor, b.Totals.TotalMinor)
	case domain.SortByStatus:
		return compareInt64(int64(statusRank(a.Status)), int64(statusRank(b.Status)))
	case domain.SortByNumber:
		return strings.Compare(a.Number, b.Number)
	default:
		switch {
		case a.CreatedAt.Before(b.CreatedAt):
			return -1
		case a.CreatedAt.After(b.CreatedAt):
			return 1
		}
		return 0
	}
}

// statusRank возвращает позицию статуса в жизненном цикле; неизвестные в конце.
func statusRank(s domain.OrderStatus) int {
	for i, candidate := range domain.AllStatuses {
		if candidate == s {
			return i
		}
	}
	return len(domain.AllStatuses)
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
