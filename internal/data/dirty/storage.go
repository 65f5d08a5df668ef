package dirty

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/haroldDOTsh/fulcrum-sub002/internal/data"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/data/schema"
)

// maxEventThrottle caps the per-player gate between event-based flushes.
const maxEventThrottle = 30 * time.Second

// StorageConfig controls the storage manager.
type StorageConfig struct {
	DirtyTracking   bool
	PersistInterval time.Duration // default 5 minutes
	EventBased      bool
	TimeBased       bool
}

// StorageManager owns persistence policy: when writes go straight to the
// backend, when they sit in the dirty cache, and which timer flushes them.
// When the storage manager runs the time-based flush, nothing else may; the
// dirty manager itself carries no timer.
type StorageManager struct {
	cfg      StorageConfig
	manager  *Manager
	resolver BackendResolver
	logger   *zap.Logger

	cron gocron.Scheduler

	mu        sync.Mutex
	lastFlush map[string]time.Time

	now func() time.Time
}

// NewStorageManager wires the manager. Zero PersistInterval defaults to 5
// minutes.
func NewStorageManager(cfg StorageConfig, manager *Manager, resolver BackendResolver, logger *zap.Logger) *StorageManager {
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = 5 * time.Minute
	}
	return &StorageManager{
		cfg:       cfg,
		manager:   manager,
		resolver:  resolver,
		logger:    logger.Named("storage"),
		lastFlush: make(map[string]time.Time),
		now:       time.Now,
	}
}

// Start launches the time-based flush when configured.
func (s *StorageManager) Start(ctx context.Context) error {
	if !s.cfg.TimeBased || !s.cfg.DirtyTracking {
		return nil
	}
	cron, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("storage: create scheduler: %w", err)
	}
	s.cron = cron
	_, err = cron.NewJob(
		gocron.DurationJob(s.cfg.PersistInterval),
		gocron.NewTask(func() {
			n, err := s.manager.PersistAllDirty(ctx)
			if err != nil {
				s.logger.Warn("scheduled flush incomplete", zap.Int("persisted", n), zap.Error(err))
				return
			}
			if n > 0 {
				s.logger.Info("scheduled flush", zap.Int("persisted", n))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("storage: schedule flush: %w", err)
	}
	cron.Start()
	return nil
}

// Stop halts the time-based flush and drains the dirty cache.
func (s *StorageManager) Stop(ctx context.Context) error {
	if s.cron != nil {
		if err := s.cron.Shutdown(); err != nil {
			s.logger.Warn("scheduler shutdown failed", zap.Error(err))
		}
		s.cron = nil
	}
	n, err := s.manager.PersistAllDirty(ctx)
	if n > 0 {
		s.logger.Info("final flush", zap.Int("persisted", n))
	}
	return err
}

// Save persists a player's row under the configured policy. immediate
// bypasses dirty tracking, as does a disabled tracker.
func (s *StorageManager) Save(ctx context.Context, playerID string, sc *schema.Schema, row data.Row, immediate bool) error {
	if immediate || !s.cfg.DirtyTracking {
		backend := s.resolver.BackendFor(sc)
		if backend == nil {
			return fmt.Errorf("storage: no backend for schema %s", sc.Key)
		}
		return backend.Save(ctx, playerID, sc, row)
	}

	s.manager.MarkDirty(playerID, sc.Key, row, ChangeUpdate)
	if s.cfg.EventBased && s.shouldFlush(playerID) {
		s.manager.PersistDirtyAsync(ctx, playerID)
	}
	return nil
}

// Delete removes a player's row under the configured policy. immediate
// bypasses dirty tracking, as does a disabled tracker.
func (s *StorageManager) Delete(ctx context.Context, playerID string, sc *schema.Schema, immediate bool) error {
	if immediate || !s.cfg.DirtyTracking {
		backend := s.resolver.BackendFor(sc)
		if backend == nil {
			return fmt.Errorf("storage: no backend for schema %s", sc.Key)
		}
		return backend.Delete(ctx, playerID, sc)
	}

	s.manager.MarkDirty(playerID, sc.Key, nil, ChangeDelete)
	if s.cfg.EventBased && s.shouldFlush(playerID) {
		s.manager.PersistDirtyAsync(ctx, playerID)
	}
	return nil
}

// shouldFlush gates event-based flushes per player: at most one trigger per
// min(30s, interval/10).
func (s *StorageManager) shouldFlush(playerID string) bool {
	throttle := s.cfg.PersistInterval / 10
	if throttle > maxEventThrottle {
		throttle = maxEventThrottle
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastFlush[playerID]; ok && now.Sub(last) < throttle {
		return false
	}
	s.lastFlush[playerID] = now
	return true
}
