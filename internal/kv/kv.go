// Package kv defines the shared key-value state contract.
//
// Rate-limiter timestamps, burst counters, block flags and media locks all
// live behind this interface. Only atomic single-key operations are used;
// no multi-key transactions, so no distributed-lock discipline is needed.
package kv

import (
	"context"
	"time"
)

// Store is the primitive contract the dispatcher needs from shared state.
//
// Implementations must make each operation individually atomic. Loss of
// stored values is acceptable (counters reset); messages themselves are
// never stored here.
type Store interface {
	// Get returns the value for key, or ok=false when the key is absent
	// or expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores value without expiry.
	Set(ctx context.Context, key, value string) error

	// SetEx stores value with the given TTL.
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error

	// IncrEx atomically increments the counter at key and refreshes its TTL,
	// returning the new count. A missing key counts from zero.
	IncrEx(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// TTL returns the remaining lifetime of key. ok=false when the key is
	// absent or carries no expiry.
	TTL(ctx context.Context, key string) (ttl time.Duration, ok bool, err error)

	Close() error
}
