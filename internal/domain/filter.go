package domain

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultPageLimit = 10
	MaxPageLimit     = 100
)

// DateRange задаёт относительный период по дате создания.
type DateRange string

const (
	DateRangeWeek    DateRange = "week"
	DateRangeMonth   DateRange = "month"
	DateRange3Months DateRange = "3months"
	DateRangeAllTime DateRange = "all"
)

// Since возвращает нижнюю границу периода относительно now.
func (r DateRange) Since(now time.Time) (time.Time, bool) {
	switch r {
	case DateRangeWeek:
		return now.Add(-7 * 24 * time.Hour), true
	case DateRangeMonth:
		return now.AddDate(0, -1, 0), true
	case DateRange3Months:
		return now.AddDate(0, -3, 0), true
	default:
		return time.Time{}, false
	}
}

// SortKey — поле сортировки списка заказов.
type SortKey string

const (
	SortByCreatedAt SortKey = "created_at"
	SortByTotal     SortKey = "total"
	SortByStatus    SortKey = "status"
	SortByNumber    SortKey = "number"
)

// SortDir — направление сортировки.
type SortDir string

const (
	SortAsc  SortDir = "asc"
	SortDesc SortDir = "desc"
)

// OrderFilter описывает выборку заказов. Пустой Status означает "все статусы".
type OrderFilter struct {
	Status    OrderStatus
	DateRange DateRange
	Search    string
	SortBy    SortKey
	SortDir   SortDir
	Page      int
	Limit     int
}

// Normalize подставляет значения по умолчанию и ограничивает limit.
func (f OrderFilter) Normalize() OrderFilter {
	out := f
	if out.Status == "all" {
		out.Status = ""
	}
	if out.DateRange == "" {
		out.DateRange = DateRangeAllTime
	}
	out.Search = strings.TrimSpace(out.Search)
	if out.SortBy == "" {
		out.SortBy = SortByCreatedAt
	}
	if out.SortDir == "" {
		out.SortDir = SortDesc
	}
	if out.Page < 1 {
		out.Page = 1
	}
	switch {
	case out.Limit <= 0:
		out.Limit = DefaultPageLimit
	case out.Limit > MaxPageLimit:
		out.Limit = MaxPageLimit
	}
	return out
}

// Validate проверяет значения перечислений после Normalize.
func (f OrderFilter) Validate() error {
	if f.Status != "" && f.Status != "all" && !f.Status.Known() {
		return fmt.Errorf("%w: status %q", ErrValidation, f.Status)
	}
	switch f.DateRange {
	case "", DateRangeWeek, DateRangeMonth, DateRange3Months, DateRangeAllTime:
	default:
		return fmt.Errorf("%w: date range %q", ErrValidation, f.DateRange)
	}
	switch f.SortBy {
	case "", SortByCreatedAt, SortByTotal, SortByStatus, SortByNumber:
	default:
		return fmt.Errorf("%w: sort key %q", ErrValidation, f.SortBy)
	}
	switch f.SortDir {
	case "", SortAsc, SortDesc:
	default:
		return fmt.Errorf("%w: sort direction %q", ErrValidation, f.SortDir)
	}
	return nil
}

// OrderPage хранит страницу результата выборки.
type OrderPage struct {
	Items      []Order `json:"items"`
	Total      int     `json:"total"`
	Page       int     `json:"page"`
	Limit      int     `json:"limit"`
	TotalPages int     `json:"total_pages"`
}

// OrderStats хранит агрегаты по заказам клиента. Это проекция, а не источник правды.
type OrderStats struct {
	Total           int                 `json:"total"`
	ByStatus        map[OrderStatus]int `json:"by_status"`
	Other           int                 `json:"other"`
	TotalSpentMinor int64               `json:"total_spent_minor"`
	ComputedAt      time.Time           `json:"computed_at"`
}
