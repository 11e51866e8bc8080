package respcache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the capability cmd/ragserver depends on: Cache (in-process
// LRU+TTL) and Redis (shared across replicas) are interchangeable behind
// it, selected by config.CacheConfig.Backend.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string)
}

var _ Store = (*Cache)(nil)
var _ Store = (*Redis)(nil)

// Redis is a Store backed by a shared redis instance, for deployments that
// run more than one ragserver replica and need the first-turn response
// cache to be visible across them. Ctx for Get/Set is
// backgrounded since the Store interface is synchronous; GetContext and
// SetContext take the caller's ctx when one is to hand.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) Get(key string) (string, bool) {
	return r.GetContext(context.Background(), key)
}

func (r *Redis) Set(key, value string) {
	r.SetContext(context.Background(), key, value)
}

// GetContext/SetContext let callers that already hold a request context
// avoid a background one; Get/Set above are the Store-interface shims.
func (r *Redis) GetContext(ctx context.Context, key string) (string, bool) {
	val, err := r.client.Get(ctx, redisKey(key)).Result()
	if err != nil {
		// Expired entries are reported as redis.Nil and count as misses;
		// any other transient error also degrades to a miss rather than
		// failing the caller's request.
		return "", false
	}
	return val, true
}

func (r *Redis) SetContext(ctx context.Context, key, value string) {
	_ = r.client.Set(ctx, redisKey(key), value, r.ttl).Err()
}

func redisKey(key string) string {
	return "respcache:" + key
}
