// Package storage provides the expiring key-value store that backs every
// counter, timestamp log and token marker in gatekeeper. Values are opaque
// bytes; callers own their encoding.
package storage

import (
	"context"
	"time"
)

// Store defines the contract shared by all backends. Implementations must be
// safe for concurrent use. A ttl of zero or less stores the value without
// expiry. Expired keys are never returned by Get or Keys, even before the
// backend has physically removed them.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value and TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)

	// Keys returns all live keys matching a glob pattern ('*', '?', '[...]').
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases connections and stops background work.
	Close() error
}

// Claimer is implemented by stores that can set a key only when it is absent
// in a single atomic step. Single-use token protocols use it to close the
// window between "is it used?" and "mark it used".
type Claimer interface {
	// SetIfAbsent stores value under key unless a live value already exists.
	// It reports whether this call created the key.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}

// expiryFor converts a TTL into an absolute expiry; the zero time means never.
func expiryFor(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
