// Package kvstore provides the byte-level key/value backends behind the
// convsync local cache.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for a missing or expired key.
var ErrNotFound = errors.New("kvstore: key not found")

// Backend is a key/value store with best-effort expiry.
// Implementations: Memory (default, tests), Pebble (on-disk), Redis (shared).
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value; ttl <= 0 means no backend-level expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// Keys lists keys starting with prefix, in unspecified order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}
