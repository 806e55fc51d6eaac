package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
)

const maxBodyBytes = 1 << 20

// CreateOrderItem — позиция в запросе на создание заказа.
type CreateOrderItem struct {
	ProductID      string `json:"product_id" validate:"required,max=128"`
	VendorID       string `json:"vendor_id" validate:"required,max=128"`
	Name           string `json:"name" validate:"max=256"`
	UnitPriceMinor int64  `json:"unit_price_minor" validate:"gte=0"`
	Quantity       int32  `json:"quantity" validate:"gt=0,lte=1000"`
}

// CreateOrderRequest — тело POST /v1/orders.
type CreateOrderRequest struct {
	CustomerID        string            `json:"customer_id" validate:"omitempty,max=128"`
	Currency          string            `json:"currency" validate:"required,len=3,alpha"`
	Items             []CreateOrderItem `json:"items" validate:"required,min=1,max=100,dive"`
	DeliveryFeeMinor  int64             `json:"delivery_fee_minor" validate:"gte=0"`
	DiscountMinor     int64             `json:"discount_minor" validate:"gte=0"`
	TaxMinor          int64             `json:"tax_minor" validate:"gte=0"`
	PaymentMethod     string            `json:"payment_method" validate:"max=64"`
	DeliveryAddress   string            `json:"delivery_address" validate:"max=512"`
	DeliveryNotes     string            `json:"delivery_notes" validate:"max=1024"`
	EstimatedDelivery *time.Time        `json:"estimated_delivery"`
	AwaitPayment      bool              `json:"await_payment"`
}

func (r CreateOrderRequest) toDraft() domain.OrderDraft {
	items := make([]domain.OrderItem, 0, len(r.Items))
	for _, item := range r.Items {
		items = append(items, domain.OrderItem{
			ProductID:      item.ProductID,
			VendorID:       item.VendorID,
			Name:           item.Name,
			UnitPriceMinor: item.UnitPriceMinor,
			Quantity:       item.Quantity,
		})
	}
	return domain.OrderDraft{
		CustomerID:        r.CustomerID,
		Currency:          r.Currency,
		Items:             items,
		DeliveryFeeMinor:  r.DeliveryFeeMinor,
		DiscountMinor:     r.DiscountMinor,
		TaxMinor:          r.TaxMinor,
		PaymentMethod:     r.PaymentMethod,
		DeliveryAddress:   r.DeliveryAddress,
		DeliveryNotes:     r.DeliveryNotes,
		EstimatedDelivery: r.EstimatedDelivery,
		AwaitPayment:      r.AwaitPayment,
	}
}

// UpdateOrderRequest — тело PATCH /v1/orders/{id}. Отсутствующее поле не меняется.
type UpdateOrderRequest struct {
	DeliveryAddress *string `json:"delivery_address" validate:"omitempty,max=512"`
	DeliveryNotes   *string `json:"delivery_notes" validate:"omitempty,max=1024"`
}

// AdvanceStatusRequest — тело POST /v1/orders/{id}/status.
type AdvanceStatusRequest struct {
	Status string `json:"status" validate:"required"`
	// ExpectedVersion дублирует If-Match; 0 отключает проверку.
	ExpectedVersion int64 `json:"expected_version" validate:"gte=0"`
}

// CancelRequest — тело POST /v1/orders/{id}/cancel.
type CancelRequest struct {
	Reason string `json:"reason" validate:"required,max=512"`
}

// RefundRequest — тело POST /v1/orders/{id}/refund. Нулевая сумма означает полный возврат.
type RefundRequest struct {
	AmountMinor int64  `json:"amount_minor" validate:"gte=0"`
	Reason      string `json:"reason" validate:"max=512"`
}

// ReviewRequest — тело POST /v1/orders/{id}/review.
type ReviewRequest struct {
	Rating int    `json:"rating" validate:"required,min=1,max=5"`
	Text   string `json:"text" validate:"max=2000"`
}

// TrackResponse — ответ GET /v1/orders/{id}/track.
type TrackResponse struct {
	OrderID           string                 `json:"order_id"`
	Status            domain.OrderStatus     `json:"status"`
	Sequence          int                    `json:"sequence"`
	Progress          []domain.TimelineEntry `json:"progress"`
	EstimatedDelivery *time.Time             `json:"estimated_delivery,omitempty"`
	Version           int64                  `json:"version"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

func newTrackResponse(order domain.Order) TrackResponse {
	return TrackResponse{
		OrderID:           order.ID,
		Status:            order.Status,
		Sequence:          len(order.Timeline),
		Progress:          order.Progress(),
		EstimatedDelivery: order.EstimatedDelivery,
		Version:           order.Version,
		UpdatedAt:         order.UpdatedAt,
	}
}

// decoder читает JSON и прогоняет validator.
type decoder struct {
	validate *validator.Validate
}

func newDecoder() decoder {
	return decoder{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// decode читает тело; пустое тело допустимо, если dst не требует полей.
func (d decoder) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	body, err := readBody(w, r)
	if err != nil {
		return err
	}
	return d.decodeBytes(body, dst)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", domain.ErrValidation, err)
	}
	return body, nil
}

func (d decoder) decodeBytes(body []byte, dst any) error {
	if len(bytes.TrimSpace(body)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.DisallowUnknownFields()
		if err := dec.Decode(dst); err != nil {
			return fmt.Errorf("%w: malformed json: %v", domain.ErrValidation, err)
		}
	}
	if err := d.validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrValidation, describeValidation(err))
	}
	return nil
}

func describeValidation(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s must satisfy %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
