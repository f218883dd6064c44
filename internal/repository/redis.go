// Package repository implements the Redis-backed storage ports defined in service.
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Wei-Shaw/claude-relay/internal/config"
)

// NewRedisClient 创建 Redis 客户端并做一次连通性探测。
func NewRedisClient(cfg *config.Config) (*redis.Client, error) {
	rc := cfg.Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:         rc.Address(),
		Password:     rc.Password,
		DB:           rc.DB,
		DialTimeout:  secondsOr(rc.DialTimeoutSeconds, 5*time.Second),
		ReadTimeout:  secondsOr(rc.ReadTimeoutSeconds, 3*time.Second),
		WriteTimeout: secondsOr(rc.WriteTimeoutSeconds, 3*time.Second),
		PoolSize:     rc.PoolSize,
		MinIdleConns: rc.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis %s: %w", rc.Address(), err)
	}
	return rdb, nil
}

func secondsOr(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}
