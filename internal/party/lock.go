package party

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/haroldDOTsh/fulcrum-sub002/internal/kv"
)

// partyLock serializes mutations of a single party across coordinator
// instances. Acquire is SETNX with a TTL so a crashed holder frees the lock
// by expiry; release is an atomic compare-and-delete so a holder whose lock
// already expired cannot free a successor's lock.
type partyLock struct {
	store  kv.Store
	ttl    time.Duration
	logger *zap.Logger
}

func newPartyLock(store kv.Store, logger *zap.Logger) *partyLock {
	return &partyLock{store: store, ttl: LockTTL, logger: logger}
}

// acquire takes the lock for partyID. Returns the ownership token and true
// on success; false when the lock is held or the store is unreachable.
func (l *partyLock) acquire(ctx context.Context, partyID string) (string, bool) {
	token := uuid.NewString()
	set, err := l.store.SetNX(ctx, lockKey(partyID), token, l.ttl)
	if err != nil {
		l.logger.Warn("lock acquire failed", zap.String("partyId", partyID), zap.Error(err))
		return "", false
	}
	return token, set
}

// release frees the lock if we still own it. A false compare-and-delete
// means the TTL fired first and someone else may hold the lock now; that is
// logged, not treated as an error.
func (l *partyLock) release(ctx context.Context, partyID, token string) {
	deleted, err := l.store.CompareAndDelete(ctx, lockKey(partyID), token)
	if err != nil {
		l.logger.Warn("lock release failed", zap.String("partyId", partyID), zap.Error(err))
		return
	}
	if !deleted {
		l.logger.Warn("lock expired before release", zap.String("partyId", partyID))
	}
}
