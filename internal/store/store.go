// Package store provides the shared counter stores backing the rate limiter.
package store

import (
	"context"
	"time"
)

// CounterStore is a key-value store with an atomic increment-with-expiry
// primitive. Implementations must be safe for concurrent use; the Redis
// implementation is also safe across gateway replicas.
type CounterStore interface {
	// Increment adds one to the counter for key and returns the new count and
	// the time left until the counter expires. The expiry is set to window
	// only by the increment that creates the counter.
	Increment(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)

	// Close releases any resources held by the store.
	Close() error
}
