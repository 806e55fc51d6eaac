package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
	"github.com/vladislavdragonenkov/ordertrack/internal/resilience"
	"github.com/vladislavdragonenkov/ordertrack/internal/service/catalog"
	"github.com/vladislavdragonenkov/ordertrack/internal/service/payment"
	"github.com/vladislavdragonenkov/ordertrack/internal/storage/memory"
	"github.com/vladislavdragonenkov/ordertrack/internal/storage/postgres"
	"github.com/vladislavdragonenkov/ordertrack/internal/storage/redis"
)

const (
	breakerMaxFailures  = 5
	breakerResetTimeout = 30 * time.Second
	statsCacheNamespace = "ordertrack:stats"
)

// runtimeDependencies — хранилища и внешние сервисы, выбранные по конфигурации.
type runtimeDependencies struct {
	orders      domain.OrderRepository
	outbox      domain.OutboxRepository
	idempotency domain.IdempotencyRepository
	stats       domain.StatsCache
	catalog     domain.CatalogService
	payment     domain.PaymentService

	// storagePing и cachePing попадают в health-проверки; nil отключает проверку.
	storagePing func(ctx context.Context) error
	cachePing   func(ctx context.Context) error

	closers []func() error
}

// Close освобождает соединения в обратном порядке открытия.
func (d *runtimeDependencies) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	deps := &runtimeDependencies{}

	switch cfg.StorageDriver {
	case "", StorageDriverMemory:
		deps.orders = memory.NewOrderRepository()
		deps.outbox = memory.NewOutboxRepository()
		deps.idempotency = memory.NewIdempotencyRepository()
		logger.Info("используем in-memory хранилище")
	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres dsn is required for storage driver %q", StorageDriverPostgres)
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		deps.closers = append(deps.closers, store.Close)
		if cfg.PostgresAutoMigrate {
			if err := store.MigrateUp(ctx, 0); err != nil {
				_ = deps.Close()
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		deps.orders = postgres.NewOrderRepository(store)
		deps.outbox = postgres.NewOutboxRepository(store)
		deps.idempotency = postgres.NewIdempotencyRepository(store)
		deps.storagePing = store.Ping
		logger.WithField("auto_migrate", cfg.PostgresAutoMigrate).Info("используем PostgreSQL")
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}

	if cfg.RedisAddr != "" {
		cache := redis.NewStatsCache(cfg.RedisAddr, statsCacheNamespace, cfg.StatsCacheTTL)
		deps.closers = append(deps.closers, cache.Close)
		deps.stats = cache
		deps.cachePing = cache.Ping
		logger.WithField("addr", cfg.RedisAddr).Info("статистика кэшируется в Redis")
	} else {
		deps.stats = memory.NewStatsCache(cfg.StatsCacheTTL)
	}

	if cfg.AllowMockIntegrations {
		deps.catalog = catalog.NewGuarded(catalog.NewMockService(),
			resilience.NewCircuitBreaker(breakerMaxFailures, breakerResetTimeout, logger.WithField("breaker", "catalog")))
		deps.payment = payment.NewGuarded(payment.NewMockService(),
			resilience.NewCircuitBreaker(breakerMaxFailures, breakerResetTimeout, logger.WithField("breaker", "payment")))
		logger.Warn("каталог и платёжный провайдер работают на заглушках")
	}

	return deps, nil
}
