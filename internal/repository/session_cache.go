package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Wei-Shaw/claude-relay/internal/service"
)

type sessionCache struct {
	rdb *redis.Client
}

func NewSessionCache(rdb *redis.Client) service.SessionCache {
	return &sessionCache{rdb: rdb}
}

func (c *sessionCache) GetMapping(ctx context.Context, fingerprint string) (*service.SessionMapping, error) {
	raw, err := c.rdb.Get(ctx, sessionMappingKey(fingerprint)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var mapping service.SessionMapping
	if err := json.Unmarshal([]byte(raw), &mapping); err != nil {
		// 脏数据按未命中处理，顺手清掉。
		_ = c.rdb.Del(ctx, sessionMappingKey(fingerprint)).Err()
		return nil, nil
	}
	return &mapping, nil
}

func (c *sessionCache) SetMapping(ctx context.Context, fingerprint string, mapping *service.SessionMapping, ttl time.Duration) error {
	raw, err := json.Marshal(mapping)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, sessionMappingKey(fingerprint), raw, ttl).Err()
}

func (c *sessionCache) TTL(ctx context.Context, fingerprint string) (time.Duration, error) {
	return c.rdb.TTL(ctx, sessionMappingKey(fingerprint)).Result()
}

func (c *sessionCache) Renew(ctx context.Context, fingerprint string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, sessionMappingKey(fingerprint), ttl).Err()
}

func (c *sessionCache) DeleteMapping(ctx context.Context, fingerprint string) error {
	return c.rdb.Del(ctx, sessionMappingKey(fingerprint)).Err()
}
