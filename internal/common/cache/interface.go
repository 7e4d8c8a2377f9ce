package cache

import (
	"context"
	"time"
)

// Cache is the key-value surface the grader needs from its TTL store.
// Missing keys read as an empty string with a nil error.
type Cache interface {
	BasicOps
	ListOps

	// Ping verifies the cache connection is alive
	Ping(ctx context.Context) error

	// Close closes the cache connection
	Close() error
}

// BasicOps defines basic key-value operations
type BasicOps interface {
	// Get retrieves the value for the given key
	Get(ctx context.Context, key string) (string, error)

	// Set stores a key-value pair with optional TTL
	// If ttl is 0, the key will not expire
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// TTL returns the remaining time to live of a key
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// ListOps defines list operations
type ListOps interface {
	// PushCapped prepends value to the list at key and trims it to the newest limit entries.
	// A limit <= 0 keeps the list unbounded.
	PushCapped(ctx context.Context, key string, value interface{}, limit int64) error

	// LRange returns the specified elements of the list stored at key
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// LLen returns the length of the list stored at key
	LLen(ctx context.Context, key string) (int64, error)
}
