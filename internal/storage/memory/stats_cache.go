package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
)

type statsEntry struct {
	stats     domain.OrderStats
	expiresAt time.Time
}

// StatsCache кэширует статистику в памяти процесса с TTL. ttl <= 0 отключает истечение.
type StatsCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]statsEntry
}

// NewStatsCache создаёт кэш статистики.
func NewStatsCache(ttl time.Duration) *StatsCache {
	return &StatsCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]statsEntry),
	}
}

func (c *StatsCache) Get(_ context.Context, customerID string) (domain.OrderStats, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[customerID]
	c.mu.RUnlock()

	if !ok {
		return domain.OrderStats{}, false, nil
	}
	if !entry.expiresAt.IsZero() && c.now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, customerID)
		c.mu.Unlock()
		return domain.OrderStats{}, false, nil
	}
	return cloneStats(entry.stats), true, nil
}

func (c *StatsCache) Set(_ context.Context, customerID string, stats domain.OrderStats) error {
	entry := statsEntry{stats: cloneStats(stats)}
	if c.ttl > 0 {
		entry.expiresAt = c.now().Add(c.ttl)
	}

	c.mu.Lock()
	c.entries[customerID] = entry
	c.mu.Unlock()
	return nil
}

func (c *StatsCache) Invalidate(_ context.Context, customerID string) error {
	c.mu.Lock()
	delete(c.entries, customerID)
	c.mu.Unlock()
	return nil
}

func cloneStats(src domain.OrderStats) domain.OrderStats {
	dst := src
	dst.ByStatus = make(map[domain.OrderStatus]int, len(src.ByStatus))
	for k, v := range src.ByStatus {
		dst.ByStatus[k] = v
	}
	return dst
}

var _ domain.StatsCache = (*StatsCache)(nil)
