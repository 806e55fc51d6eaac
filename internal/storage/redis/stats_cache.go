// Package redis хранит проекции статистики клиентов в Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
)

const defaultStatsTTL = 5 * time.Minute

// StatsCache — реализация domain.StatsCache поверх Redis.
type StatsCache struct {
	client    *goredis.Client
	namespace string
	ttl       time.Duration
	logger    *log.Entry
}

// NewStatsCache подключается к Redis по адресу addr.
func NewStatsCache(addr, namespace string, ttl time.Duration) *StatsCache {
	return NewStatsCacheWithClient(goredis.NewClient(&goredis.Options{Addr: addr}), namespace, ttl)
}

// NewStatsCacheWithClient использует готовый клиент.
func NewStatsCacheWithClient(client *goredis.Client, namespace string, ttl time.Duration) *StatsCache {
	if ttl <= 0 {
		ttl = defaultStatsTTL
	}
	if namespace == "" {
		namespace = "ordertrack"
	}
	return &StatsCache{
		client:    client,
		namespace: namespace,
		ttl:       ttl,
		logger:    log.WithField("component", "redis-stats-cache"),
	}
}

func (c *StatsCache) key(customerID string) string {
	return fmt.Sprintf("%s:stats:%s", c.namespace, customerID)
}

// Get возвращает (stats, false, nil), если записи нет.
func (c *StatsCache) Get(ctx context.Context, customerID string) (domain.OrderStats, bool, error) {
	raw, err := c.client.Get(ctx, c.key(customerID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return domain.OrderStats{}, false, nil
	}
	if err != nil {
		return domain.OrderStats{}, false, fmt.Errorf("%w: redis get: %v", domain.ErrUnavailable, err)
	}

	var stats domain.OrderStats
	if err := json.Unmarshal(raw, &stats); err != nil {
		// битая запись: считаем промахом, следующая запись её перезапишет
		c.logger.WithError(err).WithField("customer_id", customerID).Warn("failed to decode cached stats")
		return domain.OrderStats{}, false, nil
	}
	return stats, true, nil
}

func (c *StatsCache) Set(ctx context.Context, customerID string, stats domain.OrderStats) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	if err := c.client.Set(ctx, c.key(customerID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("%w: redis set: %v", domain.ErrUnavailable, err)
	}
	return nil
}

func (c *StatsCache) Invalidate(ctx context.Context, customerID string) error {
	if err := c.client.Del(ctx, c.key(customerID)).Err(); err != nil {
		return fmt.Errorf("%w: redis del: %v", domain.ErrUnavailable, err)
	}
	return nil
}

// Ping используется readiness-проверкой.
func (c *StatsCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close закрывает клиент.
func (c *StatsCache) Close() error {
	return c.client.Close()
}

var _ domain.StatsCache = (*StatsCache)(nil)
