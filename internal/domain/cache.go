package domain

import (
	"context"
	"time"
)

// Cache is a byte-oriented key/value store with per-entry expiry. The
// whitelist filter keeps the active domain set in it.
type Cache interface {
	// Get returns nil and no error for a missing or expired key.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}
