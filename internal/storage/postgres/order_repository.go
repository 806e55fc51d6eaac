package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
)

// querier покрывает общие методы *sql.DB и *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const orderColumns = `
	id, number, customer_id, status, currency,
	subtotal_minor, delivery_fee_minor, discount_minor, tax_minor, total_minor,
	payment_method, delivery_address, delivery_notes, estimated_delivery,
	cancellation_reason, review, refund, version, created_at, updated_at`

// OrderRepository — PostgreSQL-реализация domain.OrderRepository.
type OrderRepository struct {
	store *Store
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) *OrderRepository {
	return &OrderRepository{store: store}
}

func (r *OrderRepository) Create(ctx context.Context, order domain.Order) (domain.Order, error) {
	order = order.Clone()
	order.Version = 1
	order.Vendors = domain.VendorIDs(order.Items)
	if err := order.Validate(); err != nil {
		return domain.Order{}, err
	}

	err := r.store.withRetry(ctx, "create order", func(ctx context.Context) error {
		return r.inTx(ctx, func(tx *sql.Tx) error {
			if err := insertOrderRow(ctx, tx, order); err != nil {
				return err
			}
			if err := insertItems(ctx, tx, order.ID, order.Items); err != nil {
				return err
			}
			return insertTimeline(ctx, tx, order.ID, 0, order.Timeline)
		})
	})
	if err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (r *OrderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	var order domain.Order
	err := r.store.withRetry(ctx, "get order", func(ctx context.Context) error {
		var err error
		order, err = loadOrder(ctx, r.store.db, id, false)
		return err
	})
	return order, err
}

func (r *OrderRepository) ApplyTransition(ctx context.Context, id string, expectedVersion int64, next domain.Order) (domain.Order, error) {
	var stored domain.Order
	err := r.store.withRetry(ctx, "apply order transition", func(ctx context.Context) error {
		return r.inTx(ctx, func(tx *sql.Tx) error {
			current, err := loadOrder(ctx, tx, id, true)
			if err != nil {
				return err
			}
			if current.Version != expectedVersion {
				return fmt.Errorf("%w: order %s has version %d, expected %d", domain.ErrConflict, id, current.Version, expectedVersion)
			}
			if err := domain.CheckSuccessor(current, next); err != nil {
				return err
			}

			candidate := next.Clone()
			candidate.Vendors = domain.VendorIDs(candidate.Items)
			candidate.Version = current.Version + 1
			if err := candidate.Validate(); err != nil {
				return err
			}

			if err := updateOrderRow(ctx, tx, candidate, expectedVersion); err != nil {
				return err
			}
			if err := insertTimeline(ctx, tx, id, len(current.Timeline), candidate.Timeline[len(current.Timeline):]); err != nil {
				return err
			}
			if !domain.ItemsEqual(current.Items, candidate.Items) {
				if _, err := tx.ExecContext(ctx, `DELETE FROM order_items WHERE order_id = $1`, id); err != nil {
					return fmt.Errorf("delete order items: %w", err)
				}
				if err := insertItems(ctx, tx, id, candidate.Items); err != nil {
					return err
				}
			}
			stored = candidate
			return nil
		})
	})
	if err != nil {
		return domain.Order{}, err
	}
	return stored, nil
}

func (r *OrderRepository) ListByCustomer(ctx context.Context, customerID string) ([]domain.Order, error) {
	var result []domain.Order
	err := r.store.withRetry(ctx, "list customer orders", func(ctx context.Context) error {
		var err error
		result, err = listOrders(ctx, r.store.db, customerID)
		return err
	})
	return result, err
}

func (r *OrderRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func insertOrderRow(ctx context.Context, q querier, order domain.Order) error {
	review, refund, err := encodeOptional(order)
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		order.ID, order.Number, order.CustomerID, string(order.Status), order.Currency,
		order.Totals.SubtotalMinor, order.Totals.DeliveryFeeMinor, order.Totals.DiscountMinor,
		order.Totals.TaxMinor, order.Totals.TotalMinor,
		order.PaymentMethod, order.DeliveryAddress, order.DeliveryNotes, order.EstimatedDelivery,
		order.CancellationReason, review, refund, order.Version, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: order %s or number %s already exists", domain.ErrConflict, order.ID, order.Number)
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func updateOrderRow(ctx context.Context, q querier, order domain.Order, expectedVersion int64) error {
	review, refund, err := encodeOptional(order)
	if err != nil {
		return err
	}

	res, err := q.ExecContext(ctx, `
		UPDATE orders
		SET status = $3,
		    subtotal_minor = $4,
		    delivery_fee_minor = $5,
		    discount_minor = $6,
		    tax_minor = $7,
		    total_minor = $8,
		    payment_method = $9,
		    delivery_address = $10,
		    delivery_notes = $11,
		    estimated_delivery = $12,
		    cancellation_reason = $13,
		    review = $14,
		    refund = $15,
		    version = version + 1,
		    updated_at = $16
		WHERE id = $1 AND version = $2
	`,
		order.ID, expectedVersion, string(order.Status),
		order.Totals.SubtotalMinor, order.Totals.DeliveryFeeMinor, order.Totals.DiscountMinor,
		order.Totals.TaxMinor, order.Totals.TotalMinor,
		order.PaymentMethod, order.DeliveryAddress, order.DeliveryNotes, order.EstimatedDelivery,
		order.CancellationReason, review, refund, order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: order %s changed concurrently", domain.ErrConflict, order.ID)
	}
	return nil
}

func insertItems(ctx context.Context, q querier, orderID string, items []domain.OrderItem) error {
	for pos, item := range items {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO order_items (
				id, order_id, position, product_id, vendor_id, name, unit_price_minor, quantity
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`,
			item.ID, orderID, pos, item.ProductID, item.VendorID, item.Name, item.UnitPriceMinor, item.Quantity,
		); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: order item %s already exists", domain.ErrConflict, item.ID)
			}
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	return nil
}

func insertTimeline(ctx context.Context, q querier, orderID string, fromSeq int, entries []domain.TimelineEntry) error {
	for i, entry := range entries {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO order_timeline (order_id, seq, status, at, completed, note)
			VALUES ($1,$2,$3,$4,$5,$6)
		`,
			orderID, fromSeq+i, string(entry.Status), entry.At, entry.Completed, entry.Note,
		); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: timeline of order %s changed concurrently", domain.ErrConflict, orderID)
			}
			return fmt.Errorf("insert timeline entry: %w", err)
		}
	}
	return nil
}

// rowScanner обобщает *sql.Row и *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order     domain.Order
		statusRaw string
		estimated sql.NullTime
		review    []byte
		refund    []byte
	)
	if err := row.Scan(
		&order.ID, &order.Number, &order.CustomerID, &statusRaw, &order.Currency,
		&order.Totals.SubtotalMinor, &order.Totals.DeliveryFeeMinor, &order.Totals.DiscountMinor,
		&order.Totals.TaxMinor, &order.Totals.TotalMinor,
		&order.PaymentMethod, &order.DeliveryAddress, &order.DeliveryNotes, &estimated,
		&order.CancellationReason, &review, &refund, &order.Version, &order.CreatedAt, &order.UpdatedAt,
	); err != nil {
		return domain.Order{}, err
	}

	order.Status = domain.OrderStatus(statusRaw)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	if estimated.Valid {
		at := estimated.Time.UTC()
		order.EstimatedDelivery = &at
	}
	if len(review) > 0 {
		order.Review = &domain.Review{}
		if err := json.Unmarshal(review, order.Review); err != nil {
			return domain.Order{}, fmt.Errorf("decode review of order %s: %w", order.ID, err)
		}
	}
	if len(refund) > 0 {
		order.Refund = &domain.RefundRecord{}
		if err := json.Unmarshal(refund, order.Refund); err != nil {
			return domain.Order{}, fmt.Errorf("decode refund of order %s: %w", order.ID, err)
		}
	}
	return order, nil
}

func loadOrder(ctx context.Context, q querier, id string, forUpdate bool) (domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	order, err := scanOrder(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, fmt.Errorf("%w: order %s", domain.ErrNotFound, id)
		}
		return domain.Order{}, fmt.Errorf("get order: %w", err)
	}

	byOrder := map[string]*domain.Order{order.ID: &order}
	if err := attachItems(ctx, q, byOrder, `WHERE order_id = $1`, id); err != nil {
		return domain.Order{}, err
	}
	if err := attachTimeline(ctx, q, byOrder, `WHERE order_id = $1`, id); err != nil {
		return domain.Order{}, err
	}
	order.Vendors = domain.VendorIDs(order.Items)
	return order, nil
}

func listOrders(ctx context.Context, q querier, customerID string) ([]domain.Order, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE customer_id = $1 ORDER BY created_at DESC, id`, customerID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	if len(orders) == 0 {
		return orders, nil
	}

	byOrder := make(map[string]*domain.Order, len(orders))
	for i := range orders {
		byOrder[orders[i].ID] = &orders[i]
	}
	scope := `WHERE order_id IN (SELECT id FROM orders WHERE customer_id = $1)`
	if err := attachItems(ctx, q, byOrder, scope, customerID); err != nil {
		return nil, err
	}
	if err := attachTimeline(ctx, q, byOrder, scope, customerID); err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Vendors = domain.VendorIDs(orders[i].Items)
	}
	return orders, nil
}

func attachItems(ctx context.Context, q querier, byOrder map[string]*domain.Order, where string, arg any) error {
	rows, err := q.QueryContext(ctx, `
		SELECT order_id, id, product_id, vendor_id, name, unit_price_minor, quantity
		FROM order_items `+where+`
		ORDER BY order_id, position
	`, arg)
	if err != nil {
		return fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			orderID string
			item    domain.OrderItem
		)
		if err := rows.Scan(&orderID, &item.ID, &item.ProductID, &item.VendorID, &item.Name, &item.UnitPriceMinor, &item.Quantity); err != nil {
			return fmt.Errorf("scan order item: %w", err)
		}
		if order, ok := byOrder[orderID]; ok {
			order.Items = append(order.Items, item)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate order items: %w", err)
	}
	return nil
}

func attachTimeline(ctx context.Context, q querier, byOrder map[string]*domain.Order, where string, arg any) error {
	rows, err := q.QueryContext(ctx, `
		SELECT order_id, status, at, completed, note
		FROM order_timeline `+where+`
		ORDER BY order_id, seq
	`, arg)
	if err != nil {
		return fmt.Errorf("query order timeline: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			orderID   string
			statusRaw string
			entry     domain.TimelineEntry
		)
		if err := rows.Scan(&orderID, &statusRaw, &entry.At, &entry.Completed, &entry.Note); err != nil {
			return fmt.Errorf("scan timeline entry: %w", err)
		}
		entry.Status = domain.OrderStatus(statusRaw)
		entry.At = entry.At.UTC()
		if order, ok := byOrder[orderID]; ok {
			order.Timeline = append(order.Timeline, entry)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate order timeline: %w", err)
	}
	return nil
}

// encodeOptional сериализует review и refund в JSONB; nil остаётся SQL NULL.
func encodeOptional(order domain.Order) (review, refund any, err error) {
	if order.Review != nil {
		raw, err := json.Marshal(order.Review)
		if err != nil {
			return nil, nil, fmt.Errorf("encode review: %w", err)
		}
		review = string(raw)
	}
	if order.Refund != nil {
		raw, err := json.Marshal(order.Refund)
		if err != nil {
			return nil, nil, fmt.Errorf("encode refund: %w", err)
		}
		refund = string(raw)
	}
	return review, refund, nil
}

var _ domain.OrderRepository = (*OrderRepository)(nil)
