package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard records idempotency keys so a retried request is processed once.
// Keys are namespaced by scope (typically the acting user).
type Guard interface {
	// Add records key and reports whether it was new
	Add(ctx context.Context, scope, key string) (bool, error)
	// Remove forgets key so the request may be retried after a failure
	Remove(ctx context.Context, scope, key string) error
}

// RedisGuard stores keys in Redis so every server instance shares them
type RedisGuard struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisGuard creates a guard on client. Keys expire after ttl.
func NewRedisGuard(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisGuard {
	return &RedisGuard{client: client, prefix: prefix, ttl: ttl}
}

func (g *RedisGuard) key(scope, key string) string {
	return fmt.Sprintf("%s:%s:%s", g.prefix, scope, key)
}

// Add records the key if it does not already exist
func (g *RedisGuard) Add(ctx context.Context, scope, key string) (bool, error) {
	return g.client.SetNX(ctx, g.key(scope, key), 1, g.ttl).Result()
}

// Remove deletes a previously recorded key
func (g *RedisGuard) Remove(ctx context.Context, scope, key string) error {
	return g.client.Del(ctx, g.key(scope, key)).Err()
}

// MemoryGuard keeps keys in process memory, for single-node servers and tests
type MemoryGuard struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryGuard creates an in-memory guard. Keys expire after ttl; a
// non-positive ttl keeps them forever.
func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	return &MemoryGuard{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Add records the key if it is not present or has expired
func (g *MemoryGuard) Add(ctx context.Context, scope, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	k := scope + ":" + key
	if expires, ok := g.entries[k]; ok && (expires.IsZero() || now.Before(expires)) {
		return false, nil
	}

	var expires time.Time
	if g.ttl > 0 {
		expires = now.Add(g.ttl)
	}
	g.entries[k] = expires
	g.sweep(now)
	return true, nil
}

// Remove deletes a previously recorded key
func (g *MemoryGuard) Remove(ctx context.Context, scope, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, scope+":"+key)
	return nil
}

// sweep drops expired keys once the map has grown past a threshold
func (g *MemoryGuard) sweep(now time.Time) {
	if len(g.entries) < 1024 {
		return
	}
	for k, expires := range g.entries {
		if !expires.IsZero() && !now.Before(expires) {
			delete(g.entries, k)
		}
	}
}
