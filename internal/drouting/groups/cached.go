package groups

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sebas/drouter/internal/drouting/store"
	"golang.org/x/sync/singleflight"
)

// Cached layers an in-process cache and an optional redis cache in front of
// a resolver. Concurrent misses for the same caller share one lookup.
type Cached struct {
	next      Resolver
	local     *store.TTLStore[string, int]
	remote    *RedisCache
	useDomain bool
	flight    singleflight.Group
}

// NewCached creates the cache. remote may be nil.
func NewCached(next Resolver, remote *RedisCache, ttl time.Duration, useDomain bool) *Cached {
	return &Cached{
		next:      next,
		local:     store.NewTTLStore[string, int](ttl, ttl, 100000),
		remote:    remote,
		useDomain: useDomain,
	}
}

// ResolveGroup returns the caller's group from the nearest cache that has it.
func (c *Cached) ResolveGroup(ctx context.Context, user, domain string) (int, error) {
	key := Key(user, domain, c.useDomain)
	if g, ok := c.local.Get(key); ok {
		return g, nil
	}

	v, err, _ := c.flight.Do(key, func() (any, error) {
		if c.remote != nil {
			g, ok, err := c.remote.Get(ctx, key)
			if err != nil {
				slog.Warn("[Groups] Redis lookup failed, falling back to database", "key", key, "error", err)
			} else if ok {
				c.local.Set(key, g)
				return g, nil
			}
		}

		g, err := c.next.ResolveGroup(ctx, user, domain)
		if err != nil {
			return 0, err
		}
		c.local.Set(key, g)
		if c.remote != nil {
			if err := c.remote.Set(ctx, key, g); err != nil {
				slog.Warn("[Groups] Failed to share group in redis", "key", key, "error", err)
			}
		}
		return g, nil
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			slog.Error("[Groups] Group lookup failed", "key", key, "error", err)
		}
		return 0, err
	}
	return v.(int), nil
}

// Invalidate drops every cached group, locally and in redis.
func (c *Cached) Invalidate(ctx context.Context) error {
	c.local.Purge()
	if c.remote == nil {
		return nil
	}
	n, err := c.remote.Flush(ctx)
	if err != nil {
		return err
	}
	slog.Debug("[Groups] Cache invalidated", "redis_keys", n)
	return nil
}

// Stats returns the in-process cache counters.
func (c *Cached) Stats() store.Stats {
	return c.local.Stats()
}

// Close stops the local cache sweep and closes the redis client.
func (c *Cached) Close() error {
	c.local.Close()
	if c.remote != nil {
		return c.remote.Close()
	}
	return nil
}
