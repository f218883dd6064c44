package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Wei-Shaw/claude-relay/internal/service"
)

type responseCache struct {
	rdb *redis.Client
}

func NewResponseCache(rdb *redis.Client) service.ResponseCache {
	return &responseCache{rdb: rdb}
}

func (c *responseCache) Get(ctx context.Context, fingerprint string) (*service.CachedResponse, error) {
	raw, err := c.rdb.Get(ctx, responseCacheKey(fingerprint)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cached service.CachedResponse
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		_ = c.rdb.Del(ctx, responseCacheKey(fingerprint)).Err()
		return nil, nil
	}
	return &cached, nil
}

func (c *responseCache) Set(ctx context.Context, fingerprint string, resp *service.CachedResponse, ttl time.Duration) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, responseCacheKey(fingerprint), raw, ttl).Err()
}

func (c *responseCache) Delete(ctx context.Context, fingerprint string) error {
	return c.rdb.Del(ctx, responseCacheKey(fingerprint)).Err()
}
