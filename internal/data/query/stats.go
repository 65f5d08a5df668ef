package query

import (
	"sync"
	"time"

	"github.com/haroldDOTsh/fulcrum-sub002/internal/data/schema"
)

// Stats describes a schema's data volume for cost estimation.
type Stats struct {
	Cardinality   int64
	AvgRecordSize int64 // bytes
}

// defaultStats is the heuristic used when nothing measured is cached.
func defaultStats(kind schema.BackendKind) Stats {
	switch kind {
	case schema.KindSQL:
		return Stats{Cardinality: 10_000, AvgRecordSize: 500}
	case schema.KindDocument:
		return Stats{Cardinality: 50_000, AvgRecordSize: 1000}
	default:
		return Stats{Cardinality: 5_000, AvgRecordSize: 800}
	}
}

type statsEntry struct {
	stats    Stats
	cachedAt time.Time
}

// StatsCache holds measured schema statistics with a TTL; expired or absent
// entries fall back to the per-backend-kind defaults.
type StatsCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]statsEntry
}

// NewStatsCache creates the cache. ttl ≤ 0 defaults to 10 minutes.
func NewStatsCache(ttl time.Duration) *StatsCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &StatsCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]statsEntry),
	}
}

// Get returns stats for the schema, measured when fresh, defaults otherwise.
func (c *StatsCache) Get(schemaKey string, kind schema.BackendKind) Stats {
	c.mu.RLock()
	entry, ok := c.entries[schemaKey]
	c.mu.RUnlock()
	if ok && c.now().Sub(entry.cachedAt) < c.ttl {
		return entry.stats
	}
	return defaultStats(kind)
}

// Set records measured stats.
func (c *StatsCache) Set(schemaKey string, stats Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[schemaKey] = statsEntry{stats: stats, cachedAt: c.now()}
}
