package geocode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cached keeps successful lookups in Redis. Cache errors never fail a lookup.
type Cached struct {
	next  Resolver
	redis *redis.Client
	ttl   time.Duration
	log   *zap.Logger
}

func NewCached(next Resolver, client *redis.Client, ttl time.Duration, log *zap.Logger) *Cached {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cached{next: next, redis: client, ttl: ttl, log: log.Named("geocode_cache")}
}

func (c *Cached) Resolve(ctx context.Context, lat, lon float64) (string, error) {
	if c.redis == nil {
		return c.next.Resolve(ctx, lat, lon)
	}

	key := cacheKey(lat, lon)
	address, err := c.redis.Get(ctx, key).Result()
	switch {
	case err == nil:
		return address, nil
	case !errors.Is(err, redis.Nil):
		c.log.Warn("address cache read failed", zap.String("key", key), zap.Error(err))
	}

	address, err = c.next.Resolve(ctx, lat, lon)
	if err != nil {
		return "", err
	}
	if err := c.redis.Set(ctx, key, address, c.ttl).Err(); err != nil {
		c.log.Warn("address cache write failed", zap.String("key", key), zap.Error(err))
	}
	return address, nil
}

// cacheKey rounds to 5 decimals, roughly one metre.
func cacheKey(lat, lon float64) string {
	return fmt.Sprintf("routetrack:address:%.5f:%.5f", lat, lon)
}
