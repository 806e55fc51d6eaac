package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
)

const (
	outboxStatusPending = "pending"
	outboxStatusSent    = "sent"
	outboxStatusFailed  = "failed"

	defaultOutboxBatch = 100
)

// OutboxRepository хранит события статусов до публикации в Kafka.
type OutboxRepository struct {
	store *Store
	now   func() time.Time
}

// NewOutboxRepository создаёт PostgreSQL-реализацию OutboxRepository.
func NewOutboxRepository(store *Store) *OutboxRepository {
	return &OutboxRepository{store: store, now: func() time.Time { return time.Now().UTC() }}
}

func (r *OutboxRepository) Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := r.now()

	err := r.store.withRetry(ctx, "enqueue outbox message", func(ctx context.Context) error {
		_, err := r.store.db.ExecContext(ctx, `
			INSERT INTO outbox_messages (
				id, aggregate_type, aggregate_id, event_type, payload,
				status, attempt_count, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,0,$7,$7)
			ON CONFLICT (id) DO NOTHING
		`, msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload, outboxStatusPending, now)
		return err
	})
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("enqueue outbox message: %w", err)
	}
	return msg, nil
}

func (r *OutboxRepository) PullPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = defaultOutboxBatch
	}

	var result []domain.OutboxMessage
	err := r.store.withRetry(ctx, "pull outbox messages", func(ctx context.Context) error {
		rows, err := r.store.db.QueryContext(ctx, `
			SELECT id, aggregate_type, aggregate_id, event_type, payload
			FROM outbox_messages
			WHERE status = $1
			ORDER BY created_at, id
			LIMIT $2
		`, outboxStatusPending, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		result = make([]domain.OutboxMessage, 0, limit)
		for rows.Next() {
			var msg domain.OutboxMessage
			if err := rows.Scan(&msg.ID, &msg.AggregateType, &msg.AggregateID, &msg.EventType, &msg.Payload); err != nil {
				return fmt.Errorf("scan outbox message: %w", err)
			}
			result = append(result, msg)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("pull pending outbox messages: %w", err)
	}
	return result, nil
}

func (r *OutboxRepository) Stats(ctx context.Context) (domain.OutboxStats, error) {
	var stats domain.OutboxStats
	err := r.store.withRetry(ctx, "outbox stats", func(ctx context.Context) error {
		var oldest sql.NullTime
		if err := r.store.db.QueryRowContext(ctx, `
			SELECT COUNT(*), MIN(created_at)
			FROM outbox_messages
			WHERE status = $1
		`, outboxStatusPending).Scan(&stats.PendingCount, &oldest); err != nil {
			return err
		}
		stats.OldestPendingAt = time.Time{}
		if oldest.Valid {
			stats.OldestPendingAt = oldest.Time.UTC()
		}
		return nil
	})
	if err != nil {
		return domain.OutboxStats{}, fmt.Errorf("outbox stats query failed: %w", err)
	}
	return stats, nil
}

func (r *OutboxRepository) MarkSent(ctx context.Context, id string) error {
	return r.transition(ctx, id, outboxStatusSent)
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id string) error {
	return r.transition(ctx, id, outboxStatusFailed)
}

// Purge удаляет отправленные сообщения старше before и возвращает их число.
func (r *OutboxRepository) Purge(ctx context.Context, before time.Time) (int, error) {
	var affected int64
	err := r.store.withRetry(ctx, "purge outbox", func(ctx context.Context) error {
		res, err := r.store.db.ExecContext(ctx, `
			DELETE FROM outbox_messages
			WHERE status = $1 AND updated_at < $2
		`, outboxStatusSent, before)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("purge outbox messages: %w", err)
	}
	return int(affected), nil
}

func (r *OutboxRepository) transition(ctx context.Context, id, status string) error {
	var affected int64
	err := r.store.withRetry(ctx, "mark outbox "+status, func(ctx context.Context) error {
		res, err := r.store.db.ExecContext(ctx, `
			UPDATE outbox_messages
			SET status = $2,
			    attempt_count = attempt_count + 1,
			    updated_at = $3
			WHERE id = $1
		`, id, status, r.now())
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("mark outbox message as %s: %w", status, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: outbox message %s", domain.ErrNotFound, id)
	}
	return nil
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
