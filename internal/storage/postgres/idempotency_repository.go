package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
)

const defaultIdempotencyTTL = 24 * time.Hour

// IdempotencyRepository хранит ключи Idempotency-Key для POST /v1/orders.
// Первичный ключ таблицы (subject, key).
type IdempotencyRepository struct {
	store *Store
	now   func() time.Time
}

func NewIdempotencyRepository(store *Store) *IdempotencyRepository {
	return &IdempotencyRepository{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// CreateProcessing резервирует ключ. Истёкшая запись перезаписывается в том же
// INSERT; живая возвращается вместе с ErrIdempotencyKeyAlreadyExists или ErrIdempotencyHashMismatch.
func (r *IdempotencyRepository) CreateProcessing(ctx context.Context, key domain.IdempotencyKey, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	if err := key.Validate(); err != nil {
		return domain.IdempotencyRecord{}, err
	}
	requestHash = strings.TrimSpace(requestHash)
	if requestHash == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRequestHashRequired
	}

	now := r.now()
	if ttlAt.IsZero() {
		ttlAt = now.Add(defaultIdempotencyTTL)
	}

	var reserved bool
	err := r.store.withRetry(ctx, "reserve idempotency key", func(ctx context.Context) error {
		res, err := r.store.db.ExecContext(ctx, `
			INSERT INTO idempotency_keys (subject, key, request_hash, status, ttl_at, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$6)
			ON CONFLICT (subject, key) DO UPDATE
			SET request_hash = EXCLUDED.request_hash,
			    response_body = NULL,
			    http_status = NULL,
			    status = EXCLUDED.status,
			    ttl_at = EXCLUDED.ttl_at,
			    created_at = EXCLUDED.created_at,
			    updated_at = EXCLUDED.updated_at
			WHERE idempotency_keys.ttl_at <= EXCLUDED.created_at
		`, key.Subject, key.Value, requestHash, string(domain.IdempotencyStatusProcessing), ttlAt, now)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		reserved = affected == 1
		return err
	})
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("create idempotency record: %w", err)
	}

	if !reserved {
		existing, err := r.Get(ctx, key)
		if err != nil {
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyAlreadyExists
		}
		if existing.RequestHash != requestHash {
			return existing, domain.ErrIdempotencyHashMismatch
		}
		return existing, domain.ErrIdempotencyKeyAlreadyExists
	}

	return domain.IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      domain.IdempotencyStatusProcessing,
		TTLAt:       ttlAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Get не возвращает истёкшие записи, даже если очистка их ещё не удалила.
func (r *IdempotencyRepository) Get(ctx context.Context, key domain.IdempotencyKey) (domain.IdempotencyRecord, error) {
	if err := key.Validate(); err != nil {
		return domain.IdempotencyRecord{}, err
	}

	record := domain.IdempotencyRecord{Key: key}
	err := r.store.withRetry(ctx, "get idempotency key", func(ctx context.Context) error {
		var (
			statusRaw  string
			body       []byte
			httpStatus sql.NullInt64
		)
		if err := r.store.db.QueryRowContext(ctx, `
			SELECT request_hash, response_body, http_status, status, ttl_at, created_at, updated_at
			FROM idempotency_keys
			WHERE subject = $1 AND key = $2 AND ttl_at > $3
		`, key.Subject, key.Value, r.now()).Scan(
			&record.RequestHash, &body, &httpStatus, &statusRaw,
			&record.TTLAt, &record.CreatedAt, &record.UpdatedAt,
		); err != nil {
			return err
		}
		record.Status = domain.IdempotencyStatus(statusRaw)
		record.ResponseBody = append([]byte(nil), body...)
		record.HTTPStatus = 0
		if httpStatus.Valid {
			record.HTTPStatus = int(httpStatus.Int64)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
		}
		return domain.IdempotencyRecord{}, fmt.Errorf("get idempotency record: %w", err)
	}
	if !record.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("invalid idempotency status %q for key %s", record.Status, key)
	}
	return record, nil
}

func (r *IdempotencyRepository) MarkDone(ctx context.Context, key domain.IdempotencyKey, responseBody []byte, httpStatus int) error {
	return r.finish(ctx, key, domain.IdempotencyStatusDone, responseBody, httpStatus)
}

func (r *IdempotencyRepository) MarkFailed(ctx context.Context, key domain.IdempotencyKey, responseBody []byte, httpStatus int) error {
	return r.finish(ctx, key, domain.IdempotencyStatusFailed, responseBody, httpStatus)
}

// DeleteExpired удаляет записи с ttl_at <= before, самые старые первыми; limit<=0 снимает ограничение.
func (r *IdempotencyRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = r.now()
	}

	query := `DELETE FROM idempotency_keys WHERE ttl_at <= $1`
	args := []any{before}
	if limit > 0 {
		query = `
			DELETE FROM idempotency_keys
			WHERE (subject, key) IN (
				SELECT subject, key FROM idempotency_keys
				WHERE ttl_at <= $1
				ORDER BY ttl_at
				LIMIT $2
			)`
		args = append(args, limit)
	}

	var affected int64
	err := r.store.withRetry(ctx, "delete expired idempotency keys", func(ctx context.Context) error {
		res, err := r.store.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records: %w", err)
	}
	return int(affected), nil
}

func (r *IdempotencyRepository) finish(ctx context.Context, key domain.IdempotencyKey, status domain.IdempotencyStatus, responseBody []byte, httpStatus int) error {
	if err := key.Validate(); err != nil {
		return err
	}

	var affected int64
	err := r.store.withRetry(ctx, "finish idempotency key", func(ctx context.Context) error {
		res, err := r.store.db.ExecContext(ctx, `
			UPDATE idempotency_keys
			SET response_body = $3, http_status = $4, status = $5, updated_at = $6
			WHERE subject = $1 AND key = $2
		`, key.Subject, key.Value, responseBody, httpStatus, string(status), r.now())
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("mark idempotency key status: %w", err)
	}
	if affected == 0 {
		return domain.ErrIdempotencyKeyNotFound
	}
	return nil
}

var _ domain.IdempotencyRepository = (*IdempotencyRepository)(nil)
