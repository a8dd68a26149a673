package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultQueryTimeout = 500 * time.Millisecond
	defaultNamespace    = "reading:cache:"
)

// ExactCache stores readings in Redis under {namespace}{fingerprint}.
// Expiry is delegated to the Redis TTL, so an entry written under an older
// prompt version ages out on its own.
//
// Get treats every Redis failure as a miss. Set and Delete return the error
// and leave it to the gateway to log it and carry on without the cache.
type ExactCache struct {
	client       *redis.Client
	namespace    string
	queryTimeout time.Duration
	log          *slog.Logger
}

// ExactOption configures an ExactCache.
type ExactOption func(*ExactCache)

// WithNamespace replaces the key prefix. Replicas that must not share
// readings use different namespaces on the same Redis.
func WithNamespace(ns string) ExactOption {
	return func(c *ExactCache) {
		if ns != "" {
			c.namespace = ns
		}
	}
}

// WithQueryTimeout bounds every Redis round trip.
func WithQueryTimeout(d time.Duration) ExactOption {
	return func(c *ExactCache) {
		if d > 0 {
			c.queryTimeout = d
		}
	}
}

// WithLogger sets the logger used for read failures.
func WithLogger(l *slog.Logger) ExactOption {
	return func(c *ExactCache) {
		if l != nil {
			c.log = l
		}
	}
}

// NewExactCache wraps a connected Redis client. The caller owns the client.
func NewExactCache(rdb *redis.Client, opts ...ExactOption) *ExactCache {
	c := &ExactCache{
		client:       rdb,
		namespace:    defaultNamespace,
		queryTimeout: defaultQueryTimeout,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *ExactCache) key(fp string) string { return c.namespace + fp }

func (c *ExactCache) Get(ctx context.Context, fp string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, c.key(fp)).Bytes()
	switch {
	case err == nil:
		return val, true
	case errors.Is(err, redis.Nil):
		return nil, false
	default:
		c.log.WarnContext(ctx, "cache_get_error",
			slog.String("fingerprint", fp),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
}

// Set writes value with the given TTL (DefaultTTL when <= 0).
func (c *ExactCache) Set(ctx context.Context, fp string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Set(ctx, c.key(fp), value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: SET: %w", err)
	}
	return nil
}

func (c *ExactCache) Delete(ctx context.Context, fp string) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Del(ctx, c.key(fp)).Err(); err != nil {
		return fmt.Errorf("cache: DEL: %w", err)
	}
	return nil
}

// Ready reports whether Redis answers a PING within the query timeout.
// It is the cache probe of the health checker.
func (c *ExactCache) Ready(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()
	return c.client.Ping(ctx).Err() == nil
}
