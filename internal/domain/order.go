package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AmountToleranceMinor задаёт допустимое расхождение сумм из-за округления (в минимальных единицах).
const AmountToleranceMinor = 1

// OrderItem представляет одну позицию заказа у конкретного вендора.
type OrderItem struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	VendorID  string `json:"vendor_id"`
	Name      string `json:"name"`
	// UnitPriceMinor — цена за единицу в минимальных денежных единицах (12.49 -> 1249).
	UnitPriceMinor int64 `json:"unit_price_minor"`
	Quantity       int32 `json:"quantity"`
}

// LineTotalMinor возвращает price * qty.
func (i OrderItem) LineTotalMinor() int64 {
	return i.UnitPriceMinor * int64(i.Quantity)
}

// Totals хранит денежную разбивку заказа.
type Totals struct {
	SubtotalMinor    int64 `json:"subtotal_minor"`
	DeliveryFeeMinor int64 `json:"delivery_fee_minor"`
	DiscountMinor    int64 `json:"discount_minor"`
	TaxMinor         int64 `json:"tax_minor"`
	TotalMinor       int64 `json:"total_minor"`
}

// ExpectedTotalMinor считает total по формуле subtotal + delivery + tax - discount.
func (t Totals) ExpectedTotalMinor() int64 {
	return t.SubtotalMinor + t.DeliveryFeeMinor + t.TaxMinor - t.DiscountMinor
}

// TimelineEntry — одна запись истории статусов.
type TimelineEntry struct {
	Status    OrderStatus `json:"status"`
	At        time.Time   `json:"timestamp"`
	Completed bool        `json:"completed"`
	Note      string      `json:"note,omitempty"`
}

// Review — отзыв клиента о доставленном заказе.
type Review struct {
	Rating    int       `json:"rating"`
	Text      string    `json:"text,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RefundRecord фиксирует результат запроса на возврат.
type RefundRecord struct {
	AmountMinor   int64         `json:"amount_minor"`
	Reason        string        `json:"reason,omitempty"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	RequestedAt   time.Time     `json:"requested_at"`
}

// Order агрегирует состояние заказа, его позиции и историю статусов.
type Order struct {
	ID                 string          `json:"id"`
	Number             string          `json:"order_number"`
	CustomerID         string          `json:"customer_id"`
	Items              []OrderItem     `json:"items"`
	Vendors            []string        `json:"vendors"`
	Currency           string          `json:"currency"`
	Totals             Totals          `json:"totals"`
	Status             OrderStatus     `json:"status"`
	PaymentMethod      string          `json:"payment_method,omitempty"`
	DeliveryAddress    string          `json:"delivery_address,omitempty"`
	DeliveryNotes      string          `json:"delivery_notes,omitempty"`
	EstimatedDelivery  *time.Time      `json:"estimated_delivery,omitempty"`
	Timeline           []TimelineEntry `json:"timeline"`
	Review             *Review         `json:"review,omitempty"`
	CancellationReason string          `json:"cancellation_reason,omitempty"`
	Refund             *RefundRecord   `json:"refund,omitempty"`
	Version            int64           `json:"version"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// OrderDraft содержит входные данные для создания заказа.
type OrderDraft struct {
	CustomerID        string
	Currency          string
	Items             []OrderItem
	DeliveryFeeMinor  int64
	DiscountMinor     int64
	TaxMinor          int64
	PaymentMethod     string
	DeliveryAddress   string
	DeliveryNotes     string
	EstimatedDelivery *time.Time
	// AwaitPayment создаёт заказ в pending_payment вместо pending.
	AwaitPayment bool
}

// NewOrder собирает заказ из черновика: назначает идентификаторы,
// считает суммы и открывает таймлайн первой записью.
func NewOrder(draft OrderDraft, now time.Time) Order {
	at := timelineInstant(now)

	items := make([]OrderItem, len(draft.Items))
	for i, item := range draft.Items {
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		items[i] = item
	}

	status := OrderStatusPending
	if draft.AwaitPayment {
		status = OrderStatusPendingPayment
	}

	totals := Totals{
		SubtotalMinor:    ItemsSubtotalMinor(items),
		DeliveryFeeMinor: draft.DeliveryFeeMinor,
		DiscountMinor:    draft.DiscountMinor,
		TaxMinor:         draft.TaxMinor,
	}
	totals.TotalMinor = totals.ExpectedTotalMinor()

	var eta *time.Time
	if draft.EstimatedDelivery != nil {
		v := draft.EstimatedDelivery.UTC()
		eta = &v
	}

	return Order{
		ID:                uuid.NewString(),
		Number:            NewOrderNumber(at),
		CustomerID:        strings.TrimSpace(draft.CustomerID),
		Items:             items,
		Vendors:           VendorIDs(items),
		Currency:          strings.ToUpper(strings.TrimSpace(draft.Currency)),
		Totals:            totals,
		Status:            status,
		PaymentMethod:     draft.PaymentMethod,
		DeliveryAddress:   draft.DeliveryAddress,
		DeliveryNotes:     draft.DeliveryNotes,
		EstimatedDelivery: eta,
		Timeline:          []TimelineEntry{{Status: status, At: at, Completed: true}},
		CreatedAt:         at,
		UpdatedAt:         at,
	}
}

// NewOrderNumber генерирует человекочитаемый номер вида ORD-20260102-9F3A1C2B.
func NewOrderNumber(at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("ORD-%s-%s", at.UTC().Format("20060102"), suffix)
}

// ItemsSubtotalMinor суммирует price * qty по позициям.
func ItemsSubtotalMinor(items []OrderItem) int64 {
	var sum int64
	for _, item := range items {
		sum += item.LineTotalMinor()
	}
	return sum
}

// VendorIDs возвращает отсортированный список уникальных вендоров.
func VendorIDs(items []OrderItem) []string {
	seen := make(map[string]struct{}, len(items))
	vendors := make([]string, 0, len(items))
	for _, item := range items {
		if item.VendorID == "" {
			continue
		}
		if _, ok := seen[item.VendorID]; ok {
			continue
		}
		seen[item.VendorID] = struct{}{}
		vendors = append(vendors, item.VendorID)
	}
	sort.Strings(vendors)
	return vendors
}

// ValidateInvariants проверяет инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.CustomerID == "" {
		errs = append(errs, ErrCustomerRequired)
	}
	if o.Currency == "" {
		errs = append(errs, ErrCurrencyRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}

	for _, item := range o.Items {
		if item.Quantity <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.UnitPriceMinor < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
		if item.VendorID == "" {
			errs = append(errs, ErrItemVendorMissed)
		}
	}

	t := o.Totals
	if t.SubtotalMinor < 0 || t.DeliveryFeeMinor < 0 || t.DiscountMinor < 0 || t.TaxMinor < 0 || t.TotalMinor < 0 {
		errs = append(errs, ErrAmountNegative)
	}
	if absMinor(t.SubtotalMinor-ItemsSubtotalMinor(o.Items)) > AmountToleranceMinor ||
		absMinor(t.TotalMinor-t.ExpectedTotalMinor()) > AmountToleranceMinor {
		errs = append(errs, ErrAmountMismatch)
	}

	if len(o.Timeline) == 0 || o.Timeline[len(o.Timeline)-1].Status != o.Status {
		errs = append(errs, ErrTimelineBroken)
	}

	return errs
}

// Validate возвращает первую найденную ошибку инвариантов или nil.
func (o *Order) Validate() error {
	if errs := o.ValidateInvariants(); len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// CheckSuccessor проверяет, что next может заменить current при записи:
// идентичность не меняется, таймлайн только дополняется,
// позиции неизменны после выхода из pending.
func CheckSuccessor(current, next Order) error {
	if next.ID != current.ID || next.CustomerID != current.CustomerID || next.Number != current.Number {
		return fmt.Errorf("%w: order identity is immutable", ErrInvalidOrder)
	}
	if len(next.Timeline) < len(current.Timeline) {
		return fmt.Errorf("%w: timeline is append-only", ErrInvalidOrder)
	}
	for i := range current.Timeline {
		if !current.Timeline[i].At.Equal(next.Timeline[i].At) || current.Timeline[i].Status != next.Timeline[i].Status {
			return fmt.Errorf("%w: timeline is append-only", ErrInvalidOrder)
		}
	}
	for i := len(current.Timeline); i < len(next.Timeline); i++ {
		if i > 0 && !next.Timeline[i].At.After(next.Timeline[i-1].At) {
			return fmt.Errorf("%w: timeline timestamps must increase", ErrInvalidOrder)
		}
	}
	if current.Status != OrderStatusPending && current.Status != OrderStatusPendingPayment && !ItemsEqual(current.Items, next.Items) {
		return fmt.Errorf("%w: items are immutable in status %s", ErrInvalidOrder, current.Status)
	}
	return nil
}

// ItemsEqual сравнивает позиции поэлементно.
func ItemsEqual(a, b []OrderItem) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Clone возвращает глубокую копию заказа.
func (o Order) Clone() Order {
	out := o
	out.Items = append([]OrderItem(nil), o.Items...)
	out.Vendors = append([]string(nil), o.Vendors...)
	out.Timeline = append([]TimelineEntry(nil), o.Timeline...)
	if o.EstimatedDelivery != nil {
		v := *o.EstimatedDelivery
		out.EstimatedDelivery = &v
	}
	if o.Review != nil {
		v := *o.Review
		out.Review = &v
	}
	if o.Refund != nil {
		v := *o.Refund
		out.Refund = &v
	}
	return out
}

// HasVendor сообщает, есть ли в заказе позиции вендора.
func (o Order) HasVendor(vendorID string) bool {
	for _, v := range o.Vendors {
		if v == vendorID {
			return true
		}
	}
	for _, item := range o.Items {
		if item.VendorID == vendorID {
			return true
		}
	}
	return false
}

// LastEntry возвращает последнюю запись таймлайна.
func (o Order) LastEntry() (TimelineEntry, bool) {
	if len(o.Timeline) == 0 {
		return TimelineEntry{}, false
	}
	return o.Timeline[len(o.Timeline)-1], true
}

// EnteredAt возвращает момент последнего входа в статус.
func (o Order) EnteredAt(status OrderStatus) (time.Time, bool) {
	for i := len(o.Timeline) - 1; i >= 0; i-- {
		if o.Timeline[i].Status == status {
			return o.Timeline[i].At, true
		}
	}
	return time.Time{}, false
}

// Progress возвращает пройденные записи и ещё не наступившие шаги прямого пути.
func (o Order) Progress() []TimelineEntry {
	progress := append([]TimelineEntry(nil), o.Timeline...)
	if o.Status.Final() {
		return progress
	}
	for status := o.Status; ; {
		next := status.NextStatuses()
		if len(next) == 0 {
			break
		}
		status = next[0]
		progress = append(progress, TimelineEntry{Status: status})
	}
	return progress
}

// appendEntry добавляет запись со строго возрастающим временем.
func (o *Order) appendEntry(status OrderStatus, now time.Time, note string) {
	at := timelineInstant(now)
	if last, ok := o.LastEntry(); ok && !at.After(last.At) {
		at = last.At.Add(time.Microsecond)
	}
	o.Timeline = append(o.Timeline, TimelineEntry{Status: status, At: at, Completed: true, Note: note})
	o.Status = status
	o.UpdatedAt = at
}

// Время храним с точностью до микросекунды, как в PostgreSQL.
func timelineInstant(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func absMinor(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
