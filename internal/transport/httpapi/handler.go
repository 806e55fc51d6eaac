// Package httpapi реализует REST-контракт сервиса заказов поверх chi.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
	"github.com/vladislavdragonenkov/ordertrack/internal/service/idempotency"
	"github.com/vladislavdragonenkov/ordertrack/internal/tracking"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"
	HeaderPollInterval   = "X-Poll-Interval"
)

// OrderService описывает операции фасада, доступные по REST.
type OrderService interface {
	CreateOrder(ctx context.Context, id domain.Identity, draft domain.OrderDraft) (domain.Order, error)
	UpdateOrder(ctx context.Context, id domain.Identity, orderID string, patch domain.DetailsPatch) (domain.Order, error)
	AdvanceStatus(ctx context.Context, id domain.Identity, orderID string, target domain.OrderStatus, expectedVersion int64) (domain.Order, error)
	ConfirmPayment(ctx context.Context, id domain.Identity, orderID string) (domain.Order, error)
	CancelOrder(ctx context.Context, id domain.Identity, orderID, reason string) (domain.Order, error)
	RequestRefund(ctx context.Context, id domain.Identity, orderID string, req domain.RefundRequest) (domain.Order, error)
	AddReview(ctx context.Context, id domain.Identity, orderID string, input domain.ReviewInput) (domain.Order, error)
	Reorder(ctx context.Context, id domain.Identity, orderID string) (domain.Order, error)
	TrackOrder(ctx context.Context, id domain.Identity, orderID string) (domain.Order, error)
	ListOrders(ctx context.Context, id domain.Identity, customerID string, filter domain.OrderFilter) (domain.OrderPage, error)
	GetStats(ctx context.Context, id domain.Identity, customerID string) (domain.OrderStats, error)
}

// Handler обслуживает /v1/orders и /v1/customers.
type Handler struct {
	orders       OrderService
	guard        *idempotency.Guard
	decoder      decoder
	logger       *log.Entry
	pollInterval time.Duration
}

// NewHandler создаёт handler. guard может быть nil: тогда Idempotency-Key игнорируется.
func NewHandler(orders OrderService, guard *idempotency.Guard, pollInterval time.Duration, logger *log.Entry) *Handler {
	if logger == nil {
		logger = log.WithField("component", "http-api")
	}
	return &Handler{
		orders:       orders,
		guard:        guard,
		decoder:      newDecoder(),
		logger:       logger,
		pollInterval: pollInterval,
	}
}

// Routes монтирует маршруты в переданный роутер.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/v1/orders", func(r chi.Router) {
		r.Post("/", h.createOrder)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getOrder)
			r.Patch("/", h.updateOrder)
			r.Post("/status", h.advanceStatus)
			r.Post("/confirm-payment", h.confirmPayment)
			r.Post("/cancel", h.cancelOrder)
			r.Post("/refund", h.requestRefund)
			r.Post("/review", h.addReview)
			r.Post("/reorder", h.reorder)
			r.Get("/track", h.trackOrder)
		})
	})
	r.Route("/v1/customers/{id}", func(r chi.Router) {
		r.Get("/orders", h.listOrders)
		r.Get("/stats", h.getStats)
	})
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	if key == "" || h.guard == nil {
		status, payload := h.create(r.Context(), id, body)
		writeRaw(w, status, payload)
		return
	}

	replay, err := h.guard.Begin(r.Context(), id.Subject, key, idempotency.HashRequest(r.Method, r.URL.Path, body))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if replay != nil {
		w.Header().Set(HeaderReplayed, "true")
		writeRaw(w, replay.StatusCode, replay.Body)
		return
	}

	status, payload := h.create(r.Context(), id, body)
	h.guard.Complete(r.Context(), id.Subject, key, status, payload)
	writeRaw(w, status, payload)
}

// create возвращает код и тело ответа, чтобы их можно было сохранить по ключу идемпотентности.
func (h *Handler) create(ctx context.Context, id domain.Identity, body []byte) (int, []byte) {
	var req CreateOrderRequest
	if err := h.decoder.decodeBytes(body, &req); err != nil {
		return encodeError(err)
	}
	order, err := h.orders.CreateOrder(ctx, id, req.toDraft())
	if err != nil {
		status, payload := encodeError(err)
		if status >= http.StatusInternalServerError {
			h.logger.WithError(err).Error("create order failed")
		}
		return status, payload
	}
	payload, err := json.Marshal(order)
	if err != nil {
		return encodeError(err)
	}
	return http.StatusCreated, payload
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.TrackOrder(r.Context(), identity(r), chi.URLParam(r, "id"))
	h.respondOrder(w, http.StatusOK, order, err)
}

func (h *Handler) updateOrder(w http.ResponseWriter, r *http.Request) {
	var req UpdateOrderRequest
	if err := h.decoder.decode(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	order, err := h.orders.UpdateOrder(r.Context(), identity(r), chi.URLParam(r, "id"), domain.DetailsPatch{
		DeliveryAddress: req.DeliveryAddress,
		DeliveryNotes:   req.DeliveryNotes,
	})
	h.respondOrder(w, http.StatusOK, order, err)
}

func (h *Handler) advanceStatus(w http.ResponseWriter, r *http.Request) {
	var req AdvanceStatusRequest
	if err := h.decoder.decode(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	target, err := domain.ParseStatus(req.Status)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	expected, err := expectedVersion(r.Header.Get("If-Match"), req.ExpectedVersion)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	order, err := h.orders.AdvanceStatus(r.Context(), identity(r), chi.URLParam(r, "id"), target, expected)
	h.respondOrder(w, http.StatusOK, order, err)
}

func (h *Handler) confirmPayment(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.ConfirmPayment(r.Context(), identity(r), chi.URLParam(r, "id"))
	h.respondOrder(w, http.StatusOK, order, err)
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := h.decoder.decode(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	order, err := h.orders.CancelOrder(r.Context(), identity(r), chi.URLParam(r, "id"), req.Reason)
	h.respondOrder(w, http.StatusOK, order, err)
}

func (h *Handler) requestRefund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if err := h.decoder.decode(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	order, err := h.orders.RequestRefund(r.Context(), identity(r), chi.URLParam(r, "id"), domain.RefundRequest{
		AmountMinor: req.AmountMinor,
		Reason:      req.Reason,
	})
	h.respondOrder(w, http.StatusOK, order, err)
}

func (h *Handler) addReview(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if err := h.decoder.decode(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	order, err := h.orders.AddReview(r.Context(), identity(r), chi.URLParam(r, "id"), domain.ReviewInput{
		Rating: req.Rating,
		Text:   req.Text,
	})
	h.respondOrder(w, http.StatusOK, order, err)
}

func (h *Handler) reorder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.Reorder(r.Context(), identity(r), chi.URLParam(r, "id"))
	h.respondOrder(w, http.StatusCreated, order, err)
}

func (h *Handler) trackOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.TrackOrder(r.Context(), identity(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if !order.Status.Final() {
		seconds := int(math.Ceil(tracking.NextPollInterval(h.pollInterval).Seconds()))
		w.Header().Set(HeaderPollInterval, strconv.Itoa(seconds))
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("ETag", etag(order.Version))
	writeJSON(w, http.StatusOK, newTrackResponse(order))
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	page, err := h.orders.ListOrders(r.Context(), identity(r), chi.URLParam(r, "id"), filter)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.orders.GetStats(r.Context(), identity(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) respondOrder(w http.ResponseWriter, status int, order domain.Order, err error) {
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.Header().Set("ETag", etag(order.Version))
	writeJSON(w, status, order)
}

// identity возвращает Identity из контекста; без middleware запрос анонимен и получит 403.
func identity(r *http.Request) domain.Identity {
	id, _ := IdentityFrom(r.Context())
	return id
}

func etag(version int64) string {
	return strconv.Quote(strconv.FormatInt(version, 10))
}

// expectedVersion берёт версию из If-Match, иначе из тела запроса.
func expectedVersion(ifMatch string, fromBody int64) (int64, error) {
	ifMatch = strings.TrimSpace(ifMatch)
	if ifMatch == "" || ifMatch == "*" {
		return fromBody, nil
	}
	raw := strings.TrimPrefix(ifMatch, "W/")
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = unquoted
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || version <= 0 {
		return 0, fmt.Errorf("%w: If-Match must carry an order version", domain.ErrValidation)
	}
	return version, nil
}

func parseFilter(r *http.Request) (domain.OrderFilter, error) {
	q := r.URL.Query()
	filter := domain.OrderFilter{
		Status:    domain.OrderStatus(q.Get("status")),
		DateRange: domain.DateRange(q.Get("date_range")),
		Search:    q.Get("search"),
		SortBy:    domain.SortKey(q.Get("sort")),
		SortDir:   domain.SortDir(strings.ToLower(q.Get("dir"))),
	}
	var err error
	if filter.Page, err = intParam(q.Get("page")); err != nil {
		return domain.OrderFilter{}, fmt.Errorf("%w: page must be an integer", domain.ErrValidation)
	}
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		return domain.OrderFilter{}, fmt.Errorf("%w: limit must be an integer", domain.ErrValidation)
	}
	return filter, nil
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
