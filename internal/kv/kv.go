// Package kv defines the shared key-value store primitives the control plane
// needs from Redis (or any equivalent store): string and set operations with
// TTLs, SETNX-style locks, and an atomic compare-and-delete used to release
// locks only when the caller still owns them.
//
// All operations are context-aware and safe to call from worker goroutines.
// Failures are surfaced to the caller — nothing in this package retries.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// Store is the minimal contract the party coordinator, reservation service,
// and message bus require from the shared store.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	// SetEx sets key to value with an expiry. A ttl of zero stores the key
	// without expiry, same as Set.
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	// SetNX sets key to value with an expiry only if the key does not exist.
	// Returns true when the key was set — the basis of the distributed lock.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndDelete deletes key only if its current value equals expect.
	// Executed atomically (server-side script). Returns true when the key
	// was deleted.
	CompareAndDelete(ctx context.Context, key, expect string) (bool, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// ScanPrefix returns all keys starting with prefix. Used for maintenance
	// sweeps and invite lookups; not intended for hot paths.
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)
}
