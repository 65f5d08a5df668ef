// Package jsonbackend implements the player-data backend as one JSON file
// per document under <base>/<collection>/<id>.json. Writes are atomic via a
// temp file and rename; a per-collection read-write lock serializes access
// and an LRU cache absorbs repeated loads.
package jsonbackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/haroldDOTsh/fulcrum-sub002/internal/data"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/data/schema"
)

// DefaultCacheSize is the document cache capacity.
const DefaultCacheSize = 1000

const indexFile = ".index"

// Backend stores rows as JSON documents on disk.
type Backend struct {
	base   string
	logger *zap.Logger
	cache  *lru.Cache[string, data.Row]

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// New creates the backend rooted at base. cacheSize ≤ 0 uses the default.
func New(base string, cacheSize int, logger *zap.Logger) (*Backend, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, data.Row](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("jsonbackend: create cache: %w", err)
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("jsonbackend: create base dir: %w", err)
	}
	return &Backend{
		base:   base,
		logger: logger.Named("jsonbackend"),
		cache:  cache,
		locks:  make(map[string]*sync.RWMutex),
	}, nil
}

// collectionLock returns the lock for a collection, creating it on first
// use.
func (b *Backend) collectionLock(collection string) *sync.RWMutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[collection]
	if !ok {
		l = &sync.RWMutex{}
		b.locks[collection] = l
	}
	return l
}

func (b *Backend) docPath(collection, id string) string {
	return filepath.Join(b.base, collection, id+".json")
}

func cacheKey(collection, id string) string { return collection + "/" + id }

// Load reads a document, cache first.
func (b *Backend) Load(ctx context.Context, playerID string, sc *schema.Schema) (data.Row, error) {
	lock := b.collectionLock(sc.Table)
	lock.RLock()
	defer lock.RUnlock()
	return b.loadLocked(sc, playerID)
}

func (b *Backend) loadLocked(sc *schema.Schema, playerID string) (data.Row, error) {
	if row, hit := b.cache.Get(cacheKey(sc.Table, playerID)); hit {
		return cloneRow(row), nil
	}
	raw, err := os.ReadFile(b.docPath(sc.Table, playerID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, data.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("jsonbackend: read %s/%s: %w", sc.Table, playerID, err)
	}
	var row data.Row
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("jsonbackend: decode %s/%s: %w", sc.Table, playerID, err)
	}
	b.cache.Add(cacheKey(sc.Table, playerID), cloneRow(row))
	return row, nil
}

// Save writes the document atomically: marshal to <id>.tmp, rename over the
// final path.
func (b *Backend) Save(ctx context.Context, playerID string, sc *schema.Schema, row data.Row) error {
	lock := b.collectionLock(sc.Table)
	lock.Lock()
	defer lock.Unlock()
	return b.saveLocked(sc, playerID, row)
}

func (b *Backend) saveLocked(sc *schema.Schema, playerID string, row data.Row) error {
	dir := filepath.Join(b.base, sc.Table)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("jsonbackend: create collection dir: %w", err)
	}

	raw, err := json.MarshalIndent(row, "", "  ")
	if err != nil {
		return fmt.Errorf("jsonbackend: marshal %s/%s: %w", sc.Table, playerID, err)
	}

	final := b.docPath(sc.Table, playerID)
	tmp := filepath.Join(dir, playerID+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("jsonbackend: write temp %s/%s: %w", sc.Table, playerID, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("jsonbackend: move %s/%s: %w", sc.Table, playerID, err)
	}

	b.cache.Add(cacheKey(sc.Table, playerID), cloneRow(row))
	b.updateIndex(sc.Table, playerID)
	return nil
}

// Delete removes the document, its cache entry, and its index line. A
// missing document is a no-op.
func (b *Backend) Delete(ctx context.Context, playerID string, sc *schema.Schema) error {
	lock := b.collectionLock(sc.Table)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(b.docPath(sc.Table, playerID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("jsonbackend: delete %s/%s: %w", sc.Table, playerID, err)
	}
	b.cache.Remove(cacheKey(sc.Table, playerID))
	b.dropFromIndex(sc.Table, playerID)
	return nil
}

// dropFromIndex removes the id from the collection index. Like updateIndex,
// failures are logged, never fatal.
func (b *Backend) dropFromIndex(collection, id string) {
	ids, err := b.readIndex(collection)
	if err != nil {
		b.logger.Warn("index read failed", zap.String("collection", collection), zap.Error(err))
		return
	}
	kept := make([]string, 0, len(ids))
	for _, existing := range ids {
		if existing != id {
			kept = append(kept, existing)
		}
	}
	if len(kept) == len(ids) {
		return
	}
	var out string
	if len(kept) > 0 {
		out = strings.Join(kept, "\n") + "\n"
	}
	path := filepath.Join(b.base, collection, indexFile)
	if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
		b.logger.Warn("index write failed", zap.String("collection", collection), zap.Error(err))
	}
}

// updateIndex appends the id to the collection index when missing. The
// index is an optimization for counts; failures are logged, never fatal.
func (b *Backend) updateIndex(collection, id string) {
	ids, err := b.readIndex(collection)
	if err != nil {
		b.logger.Warn("index read failed", zap.String("collection", collection), zap.Error(err))
		ids = nil
	}
	for _, existing := range ids {
		if existing == id {
			return
		}
	}
	ids = append(ids, id)
	path := filepath.Join(b.base, collection, indexFile)
	if err := os.WriteFile(path, []byte(strings.Join(ids, "\n")+"\n"), 0o644); err != nil {
		b.logger.Warn("index write failed", zap.String("collection", collection), zap.Error(err))
	}
}

func (b *Backend) readIndex(collection string) ([]string, error) {
	raw, err := os.ReadFile(filepath.Join(b.base, collection, indexFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, line := range strings.Split(string(raw), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			ids = append(ids, line)
		}
	}
	return ids, nil
}

// Count returns the number of known documents, O(1) off the index.
func (b *Backend) Count(collection string) int {
	lock := b.collectionLock(collection)
	lock.RLock()
	defer lock.RUnlock()
	ids, err := b.readIndex(collection)
	if err != nil {
		return 0
	}
	return len(ids)
}

// LoadOrCreate returns the document or persists the schema defaults.
func (b *Backend) LoadOrCreate(ctx context.Context, playerID string, sc *schema.Schema) (data.Row, error) {
	lock := b.collectionLock(sc.Table)
	lock.Lock()
	defer lock.Unlock()
	row, err := b.loadLocked(sc, playerID)
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, data.ErrNotFound) {
		return nil, err
	}
	row = data.DefaultRow(playerID, sc)
	if err := b.saveLocked(sc, playerID, row); err != nil {
		return nil, err
	}
	return row, nil
}

// SaveBatch writes each document in turn. There is no transaction on a
// filesystem: a failure stops the batch, already-written documents stay.
func (b *Backend) SaveBatch(ctx context.Context, batch map[string]map[*schema.Schema]data.Row) (int, error) {
	count := 0
	for playerID, perSchema := range batch {
		for sc, row := range perSchema {
			if err := b.Save(ctx, playerID, sc, row); err != nil {
				return count, err
			}
			count++
		}
	}
	return count, nil
}

// SaveChangedFields merges the changed fields into the stored document and
// rewrites it whole; documents are single files either way.
func (b *Backend) SaveChangedFields(ctx context.Context, playerID string, sc *schema.Schema, row data.Row, changed []string) error {
	if len(changed) == 0 {
		return nil
	}
	lock := b.collectionLock(sc.Table)
	lock.Lock()
	defer lock.Unlock()

	stored, err := b.loadLocked(sc, playerID)
	if errors.Is(err, data.ErrNotFound) {
		stored = data.Row{sc.PrimaryKey: playerID}
	} else if err != nil {
		return err
	}
	for _, field := range changed {
		stored[field] = row[field]
	}
	return b.saveLocked(sc, playerID, stored)
}

// Query loads every document in the collection and filters in process.
func (b *Backend) Query(ctx context.Context, sc *schema.Schema, filters []data.Filter, limit, offset int) ([]data.Row, error) {
	lock := b.collectionLock(sc.Table)
	lock.RLock()
	defer lock.RUnlock()

	ids, err := b.listIDs(sc.Table)
	if err != nil {
		return nil, err
	}
	rows := make([]data.Row, 0, len(ids))
	for _, id := range ids {
		row, err := b.loadLocked(sc, id)
		if errors.Is(err, data.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}

	rows = data.ApplyFilters(rows, filters)
	if offset > 0 {
		if offset >= len(rows) {
			return nil, nil
		}
		rows = rows[offset:]
	}
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows, nil
}

// listIDs walks the collection directory; the index alone is advisory.
func (b *Backend) listIDs(collection string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(b.base, collection))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jsonbackend: list %s: %w", collection, err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// SupportsNativeQueries is false: all filtering happens in process.
func (b *Backend) SupportsNativeQueries() bool { return false }

// Kind reports the planner classification.
func (b *Backend) Kind() schema.BackendKind { return schema.KindJSON }

// cloneRow guards the cache against aliasing with caller-held rows.
func cloneRow(row data.Row) data.Row {
	out := make(data.Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
