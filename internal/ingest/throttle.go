package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/accessible-dispatch/internal/clock"
)

// Throttle limits how often a driver's location is written through.
type Throttle interface {
	Allow(ctx context.Context, driverID string) (bool, error)
}

// RedisThrottle shares the per-driver window across consumer replicas.
type RedisThrottle struct {
	client *redis.Client
	window time.Duration
}

func NewRedisThrottle(client *redis.Client, window time.Duration) *RedisThrottle {
	return &RedisThrottle{client: client, window: window}
}

func (t *RedisThrottle) Allow(ctx context.Context, driverID string) (bool, error) {
	return t.client.SetNX(ctx, "loc:throttle:"+driverID, 1, t.window).Result()
}

// MemoryThrottle is the single-process variant.
type MemoryThrottle struct {
	mu     sync.Mutex
	window time.Duration
	clock  clock.Clock
	last   map[string]time.Time
}

func NewMemoryThrottle(window time.Duration, c clock.Clock) *MemoryThrottle {
	if c == nil {
		c = clock.Real{}
	}
	return &MemoryThrottle{window: window, clock: c, last: make(map[string]time.Time)}
}

func (t *MemoryThrottle) Allow(_ context.Context, driverID string) (bool, error) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.last[driverID]; ok && now.Sub(last) < t.window {
		return false, nil
	}
	t.last[driverID] = now
	return true, nil
}
