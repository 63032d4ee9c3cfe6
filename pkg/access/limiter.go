package access

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/outpace-network/validatorx/pkg/redis"
)

// Limiter reserves a key for a window. Allow reports false while a previous
// reservation is still live.
type Limiter interface {
	Allow(ctx context.Context, key string, window time.Duration) (bool, error)
}

// RedisLimiter shares reservations between sentry instances.
type RedisLimiter struct {
	client *redis.Client
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, window time.Duration) (bool, error) {
	return l.client.SetOnce(ctx, key, window)
}

// MemoryLimiter keeps reservations in a bounded LRU. Entries carry their own
// deadline; the cache TTL only bounds how long stale keys linger.
type MemoryLimiter struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, time.Time]
	now   func() time.Time
}

func NewMemoryLimiter(size int, maxWindow time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		cache: expirable.NewLRU[string, time.Time](size, nil, maxWindow),
		now:   time.Now,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, window time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if until, ok := l.cache.Get(key); ok && now.Before(until) {
		return false, nil
	}
	l.cache.Add(key, now.Add(window))
	return true, nil
}
