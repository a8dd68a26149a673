package cache

import (
	"context"
	"time"
)

// DefaultTTL is how long a generated reading stays servable from cache.
const DefaultTTL = 72 * time.Hour

// Cache maps a request fingerprint to a serialized response. Entries are
// written whole and never mutated; a Set on an existing key replaces it.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// NopCache never stores anything. Used when caching is disabled.
type NopCache struct{}

func (NopCache) Get(context.Context, string) ([]byte, bool)               { return nil, false }
func (NopCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (NopCache) Delete(context.Context, string) error                     { return nil }
