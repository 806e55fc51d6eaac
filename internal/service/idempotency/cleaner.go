// Package idempotency обслуживает ключи Idempotency-Key: повтор ответа и очистку.
package idempotency

import (
	"context"
	"time"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
)

const defaultCleanupBatchSize = 500

// Cleaner удаляет просроченные записи порциями.
type Cleaner struct {
	repo      domain.IdempotencyRepository
	batchSize int
	now       func() time.Time
}

// NewCleaner создаёт очиститель; batchSize <= 0 заменяется значением по умолчанию.
func NewCleaner(repo domain.IdempotencyRepository, batchSize int) *Cleaner {
	if batchSize <= 0 {
		batchSize = defaultCleanupBatchSize
	}
	return &Cleaner{repo: repo, batchSize: batchSize, now: time.Now}
}

// Cleanup удаляет все записи с истёкшим TTL и возвращает их число.
func (c *Cleaner) Cleanup(ctx context.Context) (int, error) {
	before := c.now().UTC()
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		deleted, err := c.repo.DeleteExpired(ctx, before, c.batchSize)
		if err != nil {
			return total, err
		}
		total += deleted
		if deleted < c.batchSize {
			return total, nil
		}
	}
}
