package cache

import (
	"context"
	"time"
)

// Cache is a byte oriented key/value cache with per-entry expiry. A miss is
// reported as an error.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, content []byte, duration time.Duration) error
}
