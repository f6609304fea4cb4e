package eta

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/accessible-dispatch/internal/models"
)

// RedisCache shares route estimates between engine instances.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: "eta:", ttl: ttl}
}

func (r *RedisCache) Get(ctx context.Context, a, b models.Coord) (Route, bool) {
	raw, err := r.client.Get(ctx, r.prefix+keyFor(a, b)).Bytes()
	if err != nil {
		return Route{}, false
	}
	var out Route
	if err := json.Unmarshal(raw, &out); err != nil {
		return Route{}, false
	}
	return out, true
}

// Set is best-effort; a failed write only costs a future routing call.
func (r *RedisCache) Set(ctx context.Context, a, b models.Coord, v Route) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = r.client.Set(ctx, r.prefix+keyFor(a, b), raw, r.ttl).Err()
}
