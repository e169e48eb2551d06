// Package kvstore provides the key-value persistence behind the approval
// ledger: a Redis-backed store for production and an in-memory store with
// the same TTL semantics for tests and single-node setups.
package kvstore

import (
	"context"
	"time"
)

// Store is a string key-value store with per-key expiry.
type Store interface {
	// Get returns the value for key. The second return is false when the
	// key is absent or expired.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes key to value. A positive ttl bounds the key's lifetime;
	// zero or negative means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	Close() error
}
