// Package cache provides the keyed, pattern-scoped cache used for tenant
// facing aggregate views (dashboard rollups and similar). Every cached
// variant is built through Key so that invalidation by scope reliably reaches
// all of them.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

const namespace = "scholardocs"

// Key builds the deterministic cache key for a scoped aggregate view.
func Key(prefix, tenantID, schoolID, variant string) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s", namespace, prefix, tenantID, schoolID, variant)
}

// scopePattern matches every key under a tenant/school scope across prefixes
// and variants.
func scopePattern(tenantID, schoolID string) string {
	return fmt.Sprintf("%s:*:%s:%s:*", namespace, tenantID, schoolID)
}

// Invalidator clears cached aggregate views for a tenant/school scope. It is
// called exactly once per applied state transition, never on idempotent
// no-ops.
type Invalidator interface {
	Invalidate(ctx context.Context, tenantID, schoolID string) error
}

// Client wraps a Redis connection with the scoped key scheme.
type Client struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ Invalidator = (*Client)(nil)

// New constructs a Client. ttl bounds how long aggregate views are served
// without recomputation even when no invalidation fires.
func New(rdb *redis.Client, ttl time.Duration) *Client {
	return &Client{rdb: rdb, ttl: ttl}
}

// Set stores a value under a key built with Key.
func (c *Client) Set(ctx context.Context, key string, value []byte) error {
	if err := c.rdb.Set(ctx, key, value, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Get fetches a cached value, returning ErrMiss when absent.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("cache get: %w", err)
	}
	return val, nil
}

// Invalidate deletes every cached view scoped to the tenant/school pair.
func (c *Client) Invalidate(ctx context.Context, tenantID, schoolID string) error {
	pattern := scopePattern(tenantID, schoolID)
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache scan %q: %w", pattern, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// Noop is an Invalidator for deployments without Redis and for tests that do
// not observe invalidation.
type Noop struct{}

func (Noop) Invalidate(context.Context, string, string) error { return nil }
