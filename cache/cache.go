package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/cache/v9"

	"github.com/sidefxlabs/sidefx/config"
	redis_db "github.com/sidefxlabs/sidefx/internal/redis-db"
)

// The ledger read paths cache short-lived query results here. Nothing in the
// idempotency protocol depends on the cache; a miss or an unreachable Redis
// only costs a database round trip.

const (
	// keyPrefix namespaces cache entries so they never collide with the run
	// event keys stored in the same Redis.
	keyPrefix = "sidefx:cache:"

	localEntries  = 64000
	localCacheTTL = time.Minute
)

type Cache interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string, data interface{}) error
	Delete(ctx context.Context, key string) error
}

// NewCache builds a Redis-backed cache with a small in-process TinyLFU tier
// in front of it, using the Redis instance from the service configuration.
func NewCache() (Cache, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	client, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", cfg.Redis.Dns)}, cfg.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}

	return &redisCache{cache: cache.New(&cache.Options{
		Redis:      client.Client(),
		LocalCache: cache.NewTinyLFU(localEntries, localCacheTTL),
	})}, nil
}

type redisCache struct {
	cache *cache.Cache
}

func (r *redisCache) Set(ctx context.Context, key string, data interface{}, ttl time.Duration) error {
	return r.cache.Set(&cache.Item{
		Ctx:   ctx,
		Key:   keyPrefix + key,
		Value: data,
		TTL:   ttl,
	})
}

// Get loads a cached value into data. A miss is not an error; callers detect
// it by data staying at its zero value.
func (r *redisCache) Get(ctx context.Context, key string, data interface{}) error {
	err := r.cache.Get(ctx, keyPrefix+key, &data)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}

func (r *redisCache) Delete(ctx context.Context, key string) error {
	return r.cache.Delete(ctx, keyPrefix+key)
}
