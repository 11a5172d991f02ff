package inbox

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache remembers consumed message ids for TTL so redeliveries can be
// skipped without a database round trip.
type RedisCache struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
}

func NewRedisCache(rdb redis.UniversalClient, ttl time.Duration, prefix string) *RedisCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "inbox"
	}
	return &RedisCache{rdb: rdb, ttl: ttl, prefix: prefix}
}

func (c *RedisCache) key(messageID, consumer string) string {
	return c.prefix + ":" + consumer + ":" + messageID
}

func (c *RedisCache) Seen(ctx context.Context, messageID, consumer string) (bool, error) {
	n, err := c.rdb.Exists(ctx, c.key(messageID, consumer)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisCache) Mark(ctx context.Context, messageID, consumer string) error {
	return c.rdb.SetNX(ctx, c.key(messageID, consumer), 1, c.ttl).Err()
}

var _ Cache = (*RedisCache)(nil)
