// Package dirty tracks modified player data in memory and flushes it to the
// backends on demand or on a schedule. Entries are keyed by
// (player, schema key) with last-write-wins semantics.
package dirty

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/haroldDOTsh/fulcrum-sub002/internal/data"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/data/schema"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/metrics"
)

// BackendResolver aliases the shared resolver contract.
type BackendResolver = data.BackendResolver

// ChangeType classifies a pending write.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Entry is one pending write. Data is nil for deletions.
type Entry struct {
	PlayerID  string
	SchemaKey string
	Data      data.Row
	Change    ChangeType
	MarkedAt  time.Time
}

// FlushResult reports an asynchronous flush.
type FlushResult struct {
	Persisted int
	Err       error
}

// Manager holds the dirty cache. Safe for concurrent use.
type Manager struct {
	schemas  *schema.Registry
	resolver BackendResolver
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu      sync.Mutex
	entries map[string]map[string]*Entry // player -> schema key -> entry

	now func() time.Time
}

// NewManager wires the dirty cache. m may be nil.
func NewManager(schemas *schema.Registry, resolver BackendResolver, m *metrics.Metrics, logger *zap.Logger) *Manager {
	return &Manager{
		schemas:  schemas,
		resolver: resolver,
		metrics:  m,
		logger:   logger.Named("dirty"),
		entries:  make(map[string]map[string]*Entry),
		now:      time.Now,
	}
}

// MarkDirty records (or replaces) the pending write for the player and
// schema key. A ChangeDelete entry flushes as a row deletion.
func (m *Manager) MarkDirty(playerID, schemaKey string, row data.Row, change ChangeType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	perPlayer, ok := m.entries[playerID]
	if !ok {
		perPlayer = make(map[string]*Entry)
		m.entries[playerID] = perPlayer
	}
	perPlayer[schemaKey] = &Entry{
		PlayerID:  playerID,
		SchemaKey: schemaKey,
		Data:      row,
		Change:    change,
		MarkedAt:  m.now(),
	}
}

// DirtyCount returns the number of pending entries for the player.
func (m *Manager) DirtyCount(playerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries[playerID])
}

// PersistDirty flushes the player's pending entries. Returns the count
// persisted; entries that fail to save stay dirty.
func (m *Manager) PersistDirty(ctx context.Context, playerID string) (int, error) {
	m.mu.Lock()
	perPlayer := m.entries[playerID]
	delete(m.entries, playerID)
	m.mu.Unlock()
	return m.flush(ctx, perPlayer)
}

// PersistAllDirty flushes every pending entry.
func (m *Manager) PersistAllDirty(ctx context.Context) (int, error) {
	m.mu.Lock()
	all := m.entries
	m.entries = make(map[string]map[string]*Entry)
	m.mu.Unlock()

	total := 0
	var firstErr error
	for _, perPlayer := range all {
		n, err := m.flush(ctx, perPlayer)
		total += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return total, firstErr
}

// PersistDirtyAsync flushes on a worker goroutine and reports on the
// returned channel.
func (m *Manager) PersistDirtyAsync(ctx context.Context, playerID string) <-chan FlushResult {
	out := make(chan FlushResult, 1)
	go func() {
		n, err := m.PersistDirty(ctx, playerID)
		out <- FlushResult{Persisted: n, Err: err}
	}()
	return out
}

// PersistAllDirtyAsync flushes everything on a worker goroutine.
func (m *Manager) PersistAllDirtyAsync(ctx context.Context) <-chan FlushResult {
	out := make(chan FlushResult, 1)
	go func() {
		n, err := m.PersistAllDirty(ctx)
		out <- FlushResult{Persisted: n, Err: err}
	}()
	return out
}

// flush saves each entry through its schema's backend. Failed entries are
// re-marked so the next flush retries them.
func (m *Manager) flush(ctx context.Context, perPlayer map[string]*Entry) (int, error) {
	if len(perPlayer) == 0 {
		return 0, nil
	}
	count := 0
	var firstErr error
	for key, entry := range perPlayer {
		sc, ok := m.schemas.Get(key)
		if !ok {
			m.logger.Error("dirty entry for unregistered schema",
				zap.String("playerId", entry.PlayerID),
				zap.String("schemaKey", key),
			)
			continue
		}
		backend := m.resolver.BackendFor(sc)
		if backend == nil {
			m.logger.Error("no backend for schema", zap.String("schemaKey", key))
			continue
		}
		var err error
		if entry.Change == ChangeDelete {
			err = backend.Delete(ctx, entry.PlayerID, sc)
		} else {
			err = backend.Save(ctx, entry.PlayerID, sc, entry.Data)
		}
		if err != nil {
			m.logger.Warn("dirty flush failed",
				zap.String("playerId", entry.PlayerID),
				zap.String("schemaKey", key),
				zap.Error(err),
			)
			m.remark(entry)
			if firstErr == nil {
				firstErr = fmt.Errorf("dirty: flush %s/%s: %w", entry.PlayerID, key, err)
			}
			continue
		}
		count++
	}
	if m.metrics != nil && count > 0 {
		m.metrics.DirtyEntriesFlushed.Add(float64(count))
	}
	return count, firstErr
}

// remark puts a failed entry back unless a newer write arrived meanwhile.
func (m *Manager) remark(entry *Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	perPlayer, ok := m.entries[entry.PlayerID]
	if !ok {
		perPlayer = make(map[string]*Entry)
		m.entries[entry.PlayerID] = perPlayer
	}
	if _, newer := perPlayer[entry.SchemaKey]; !newer {
		perPlayer[entry.SchemaKey] = entry
	}
}
