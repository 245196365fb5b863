package groups

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const defaultKeyPrefix = "drouter:group:"

// RedisCache shares resolved groups between routing nodes.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects to addr and verifies the connection.
func NewRedisCache(ctx context.Context, addr string, ttl time.Duration) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		PoolSize: 10,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisCache{rdb: rdb, prefix: defaultKeyPrefix, ttl: ttl}, nil
}

// Get returns the cached group for key.
func (c *RedisCache) Get(ctx context.Context, key string) (int, bool, error) {
	val, err := c.rdb.Get(ctx, c.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get cached group: %w", err)
	}
	group, err := strconv.Atoi(val)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt cached group %q: %w", val, err)
	}
	return group, true, nil
}

// Set caches group under key.
func (c *RedisCache) Set(ctx context.Context, key string, group int) error {
	if err := c.rdb.Set(ctx, c.prefix+key, strconv.Itoa(group), c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache group: %w", err)
	}
	return nil
}

// Flush removes every cached group. Returns the number of keys deleted.
func (c *RedisCache) Flush(ctx context.Context) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, c.prefix+"*", 100).Result()
		if err != nil {
			return deleted, fmt.Errorf("failed to scan cached groups: %w", err)
		}
		if len(keys) > 0 {
			n, err := c.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("failed to delete cached groups: %w", err)
			}
			deleted += int(n)
		}
		if next == 0 {
			return deleted, nil
		}
		cursor = next
	}
}

// Health pings the server.
func (c *RedisCache) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the client.
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
