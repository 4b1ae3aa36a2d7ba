// Package store defines the shared-state contract that lets protection
// primitives running in separate processes act as one logical domain,
// along with a Redis-backed implementation and an in-memory one with
// identical semantics.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get and Refresh when the key is absent or
// its lifetime has run out.
var ErrNotFound = errors.New("store: key not found")

// Store is the key-value surface circuit breakers and load shedders
// coordinate through. Implementations must be safe for concurrent use;
// blocking implementations honor ctx cancellation.
type Store interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes value at key. A ttl <= 0 means the key never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// Refresh resets the remaining lifetime of an existing key without
	// touching its value. ttl must be positive. Refreshing an absent key
	// returns ErrNotFound.
	Refresh(ctx context.Context, key string, ttl time.Duration) error

	// SetIfExists writes value at key only when the key is already
	// present, in a single round trip. The key's remaining lifetime is
	// preserved. It reports whether the write happened.
	SetIfExists(ctx context.Context, key string, value []byte) (bool, error)

	// IncrementAndTrip advances the counter at counterKey and, when the
	// advanced value reaches threshold, writes openValue at stateKey in
	// the same indivisible step (with stateTTL when positive). The
	// counter clamps at threshold: once reached it never advances
	// further, so concurrent callers cannot push it past threshold. The
	// post-operation counter value is returned.
	IncrementAndTrip(ctx context.Context, counterKey string, threshold int64, stateKey string, openValue []byte, stateTTL time.Duration) (int64, error)

	// AcquireLease claims key for ttl when nobody else holds it. Exactly
	// one concurrent caller wins until the lease expires or is released.
	AcquireLease(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// ReleaseLease gives up key before its ttl runs out. Releasing an
	// absent lease is not an error.
	ReleaseLease(ctx context.Context, key string) error
}

// Versioned is the optional optimistic-concurrency extension. Each key
// has a monotonically increasing version, tracked under a "-version"
// sibling key and bumped explicitly by writers that want readers to
// detect rewrites.
type Versioned interface {
	// Version returns the current version of key, 0 when never bumped.
	Version(ctx context.Context, key string) (int64, error)

	// IncrementVersion bumps and returns the version of key.
	IncrementVersion(ctx context.Context, key string) (int64, error)
}

// versionKey names the sibling key holding a key's version counter.
func versionKey(key string) string {
	return key + "-version"
}
