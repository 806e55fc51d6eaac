package jobs

import (
	"context"
	"time"
)

const (
	JobIdempotencyCleanup = "idempotency_cleanup"
	JobIdleSubscriptions  = "idle_subscriptions"
	JobOutboxPurge        = "outbox_purge"
)

// IdempotencyCleaner удаляет просроченные ключи идемпотентности.
type IdempotencyCleaner interface {
	Cleanup(ctx context.Context) (int, error)
}

// IdleReaper снимает подписки без активности.
type IdleReaper interface {
	ReapIdle(before time.Time) int
}

// OutboxPurger удаляет отправленные сообщения outbox.
type OutboxPurger interface {
	PurgeSent(ctx context.Context, retention time.Duration) (int, error)
}

// IdempotencyCleanupTask удаляет просроченные записи Idempotency-Key.
func IdempotencyCleanupTask(cleaner IdempotencyCleaner, spec string) Task {
	return Task{
		Name:    JobIdempotencyCleanup,
		Spec:    spec,
		Timeout: time.Minute,
		Run:     cleaner.Cleanup,
	}
}

// IdleSubscriptionTask снимает подписки, не получавшие событий дольше idleAfter.
func IdleSubscriptionTask(reaper IdleReaper, idleAfter time.Duration, spec string) Task {
	return Task{
		Name: JobIdleSubscriptions,
		Spec: spec,
		Run: func(context.Context) (int, error) {
			return reaper.ReapIdle(time.Now().Add(-idleAfter)), nil
		},
	}
}

// OutboxPurgeTask удаляет отправленные сообщения старше retention.
func OutboxPurgeTask(purger OutboxPurger, retention time.Duration, spec string) Task {
	return Task{
		Name:    JobOutboxPurge,
		Spec:    spec,
		Timeout: time.Minute,
		Run: func(ctx context.Context) (int, error) {
			return purger.PurgeSent(ctx, retention)
		},
	}
}
