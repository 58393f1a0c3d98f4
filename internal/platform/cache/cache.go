// Package cache provides the process-scoped cache handle shared by services.
// A Redis-backed implementation is used when an address is configured; the
// in-memory implementation serves single-process deployments and tests.
package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss indicates the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cache is the namespaced key/value contract used by services.
type Cache interface {
	Get(ctx context.Context, namespace, key string) (string, error)
	Set(ctx context.Context, namespace, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, namespace, key string) error
	Close() error
}

func compositeKey(namespace, key string) string {
	return strings.TrimSpace(namespace) + ":" + strings.TrimSpace(key)
}

// Redis stores entries in Redis; it works with single nodes and clusters.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis connects to the given addresses. More than one address with
// useCluster set selects a cluster client.
func NewRedis(addrs []string, password string, useCluster bool) (*Redis, error) {
	cleaned := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		if addr = strings.TrimSpace(addr); addr != "" {
			cleaned = append(cleaned, addr)
		}
	}
	if len(cleaned) == 0 {
		return nil, errors.New("redis address is required")
	}

	var client redis.UniversalClient
	if useCluster && len(cleaned) > 1 {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    cleaned,
			Password: password,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:     cleaned[0],
			Password: password,
			DB:       0,
		})
	}
	return &Redis{client: client}, nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// Ping verifies connectivity.
func (c *Redis) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Get returns the cached value or ErrMiss.
func (c *Redis) Get(ctx context.Context, namespace, key string) (string, error) {
	value, err := c.client.Get(ctx, compositeKey(namespace, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	return value, err
}

// Set stores value with the given ttl; zero ttl keeps the key until deleted.
func (c *Redis) Set(ctx context.Context, namespace, key string, value string, ttl time.Duration) error {
	return c.client.Set(ctx, compositeKey(namespace, key), value, ttl).Err()
}

// Delete removes a key.
func (c *Redis) Delete(ctx context.Context, namespace, key string) error {
	return c.client.Del(ctx, compositeKey(namespace, key)).Err()
}

// IncrWithExpire increments a counter and sets its ttl on first increment.
func (c *Redis) IncrWithExpire(ctx context.Context, namespace, key string, window time.Duration) (int64, error) {
	countKey := compositeKey(namespace, key)
	count, err := c.client.Incr(ctx, countKey).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		_ = c.client.Expire(ctx, countKey, window).Err()
	}
	return count, nil
}

// Close releases the client connections.
func (c *Redis) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// Memory is an in-process cache with per-entry expiry.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	clock   func() time.Time
}

// NewMemory builds an empty in-process cache.
func NewMemory(clock func() time.Time) *Memory {
	if clock == nil {
		clock = time.Now
	}
	return &Memory{entries: make(map[string]memoryEntry), clock: clock}
}

// Get returns the cached value or ErrMiss.
func (c *Memory) Get(ctx context.Context, namespace, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[compositeKey(namespace, key)]
	if !ok {
		return "", ErrMiss
	}
	if !entry.expiresAt.IsZero() && !c.clock().Before(entry.expiresAt) {
		delete(c.entries, compositeKey(namespace, key))
		return "", ErrMiss
	}
	return entry.value, nil
}

// Set stores value with the given ttl; zero ttl keeps the key until deleted.
func (c *Memory) Set(ctx context.Context, namespace, key string, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = c.clock().Add(ttl)
	}
	c.mu.Lock()
	c.entries[compositeKey(namespace, key)] = entry
	c.mu.Unlock()
	return nil
}

// Delete removes a key.
func (c *Memory) Delete(ctx context.Context, namespace, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.entries, compositeKey(namespace, key))
	c.mu.Unlock()
	return nil
}

// Close is a no-op.
func (c *Memory) Close() error { return nil }

var (
	_ Cache = (*Redis)(nil)
	_ Cache = (*Memory)(nil)
)
