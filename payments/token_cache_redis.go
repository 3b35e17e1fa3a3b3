package payments

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const defaultTokenKey = "mpesa:access_token"

// RedisTokenCache shares one bearer token between all service replicas.
type RedisTokenCache struct {
	client *redis.Client
	key    string
	logger *zap.Logger
}

func NewRedisTokenCache(client *redis.Client, logger *zap.Logger) *RedisTokenCache {
	return &RedisTokenCache{client: client, key: defaultTokenKey, logger: logger}
}

func (c *RedisTokenCache) Get(ctx context.Context) (string, bool) {
	token, err := c.client.Get(ctx, c.key).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("redis token cache read failed", zap.Error(err))
		}
		return "", false
	}
	return token, token != ""
}

func (c *RedisTokenCache) Set(ctx context.Context, token string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if err := c.client.Set(ctx, c.key, token, ttl).Err(); err != nil {
		c.logger.Warn("redis token cache write failed", zap.Error(err))
	}
}

func (c *RedisTokenCache) Invalidate(ctx context.Context) {
	if err := c.client.Del(ctx, c.key).Err(); err != nil {
		c.logger.Warn("redis token cache delete failed", zap.Error(err))
	}
}
