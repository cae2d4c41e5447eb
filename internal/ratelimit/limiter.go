// Package ratelimit throttles cheap-to-request, expensive-to-hold operations
// such as credit token issuance. Unlike the admission quota it is purely
// local to one instance: a token bucket per client key kept in memory.
package ratelimit

import "time"

// Limiter defines the throttling contract. Implementations must be safe for
// concurrent use.
type Limiter interface {
	// Allow reports whether one more request for key may proceed, along with
	// the bucket state for response headers.
	Allow(key string) (allowed bool, info Info)

	// Close stops background goroutines and releases resources.
	Close()
}

// Info contains bucket state for populating response headers.
type Info struct {
	Limit      int           // requests per minute
	Remaining  int           // whole tokens left in the bucket
	ResetAt    time.Time     // when the bucket will be full again
	RetryAfter time.Duration // meaningful only when denied
}
