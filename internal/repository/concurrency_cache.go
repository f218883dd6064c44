package repository

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Wei-Shaw/claude-relay/internal/service"
)

// 槽集合是 zset：member = requestID，score = 租约到期毫秒时间戳。
// 所有判定都在脚本里完成，剔除过期与容量检查之间不存在竞态窗口。
var (
	acquireSlotScript = redis.NewScript(`
		redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
		local count = redis.call('ZCARD', KEYS[1])
		if count >= tonumber(ARGV[2]) then
			return 0
		end
		redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
		redis.call('PEXPIRE', KEYS[1], ARGV[5])
		return count + 1
	`)

	releaseSlotScript = redis.NewScript(`
		redis.call('ZREM', KEYS[1], ARGV[2])
		redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
		return redis.call('ZCARD', KEYS[1])
	`)

	refreshSlotScript = redis.NewScript(`
		local exists = redis.call('ZSCORE', KEYS[1], ARGV[1])
		if exists == false then
			return 0
		end
		redis.call('ZADD', KEYS[1], 'XX', ARGV[2], ARGV[1])
		redis.call('PEXPIRE', KEYS[1], ARGV[3])
		return 1
	`)

	countSlotScript = redis.NewScript(`
		redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
		return redis.call('ZCARD', KEYS[1])
	`)

	// rateWindowScript 滑动窗口限速：记一笔、修剪、返回窗口内计数。
	rateWindowScript = redis.NewScript(`
		redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
		redis.call('ZADD', KEYS[1], ARGV[2], ARGV[3])
		redis.call('PEXPIRE', KEYS[1], ARGV[4])
		return redis.call('ZCARD', KEYS[1])
	`)
)

// leaseExpireMargin PEXPIRE 在租约之上的冗余，防止续租间隙整键蒸发。
const leaseExpireMargin = time.Minute

type concurrencyCache struct {
	rdb *redis.Client
}

func NewConcurrencyCache(rdb *redis.Client) service.ConcurrencyCache {
	return &concurrencyCache{rdb: rdb}
}

func (c *concurrencyCache) acquire(ctx context.Context, key, requestID string, limit int, lease time.Duration) (bool, error) {
	now := time.Now()
	result, err := acquireSlotScript.Run(ctx, c.rdb, []string{key},
		now.UnixMilli(),
		limit,
		now.Add(lease).UnixMilli(),
		requestID,
		(lease + leaseExpireMargin).Milliseconds(),
	).Int64()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

func (c *concurrencyCache) release(ctx context.Context, key, requestID string) error {
	return releaseSlotScript.Run(ctx, c.rdb, []string{key},
		time.Now().UnixMilli(), requestID).Err()
}

func (c *concurrencyCache) refresh(ctx context.Context, key, requestID string, lease time.Duration) error {
	return refreshSlotScript.Run(ctx, c.rdb, []string{key},
		requestID,
		time.Now().Add(lease).UnixMilli(),
		(lease + leaseExpireMargin).Milliseconds(),
	).Err()
}

func (c *concurrencyCache) count(ctx context.Context, key string) (int64, error) {
	return countSlotScript.Run(ctx, c.rdb, []string{key}, time.Now().UnixMilli()).Int64()
}

func (c *concurrencyCache) AcquireAccountSlot(ctx context.Context, accountID, requestID string, limit int, lease time.Duration) (bool, error) {
	return c.acquire(ctx, accountConcurrencyKey(accountID), requestID, limit, lease)
}

func (c *concurrencyCache) ReleaseAccountSlot(ctx context.Context, accountID, requestID string) error {
	return c.release(ctx, accountConcurrencyKey(accountID), requestID)
}

func (c *concurrencyCache) RefreshAccountSlot(ctx context.Context, accountID, requestID string, lease time.Duration) error {
	return c.refresh(ctx, accountConcurrencyKey(accountID), requestID, lease)
}

func (c *concurrencyCache) AccountSlotCount(ctx context.Context, accountID string) (int64, error) {
	return c.count(ctx, accountConcurrencyKey(accountID))
}

func (c *concurrencyCache) AcquireKeySlot(ctx context.Context, apiKeyID, requestID string, limit int, lease time.Duration) (bool, error) {
	return c.acquire(ctx, keyConcurrencyKey(apiKeyID), requestID, limit, lease)
}

func (c *concurrencyCache) ReleaseKeySlot(ctx context.Context, apiKeyID, requestID string) error {
	return c.release(ctx, keyConcurrencyKey(apiKeyID), requestID)
}

func (c *concurrencyCache) KeySlotCount(ctx context.Context, apiKeyID string) (int64, error) {
	return c.count(ctx, keyConcurrencyKey(apiKeyID))
}

// CleanupExpired 枚举所有并发 key，剔除过期成员。
func (c *concurrencyCache) CleanupExpired(ctx context.Context) (int64, error) {
	var removed int64
	nowMillis := strconv.FormatInt(time.Now().UnixMilli(), 10)
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, keyConcurrencyPrefix+"*", 200).Result()
		if err != nil {
			return removed, err
		}
		for _, key := range keys {
			n, err := c.rdb.ZRemRangeByScore(ctx, key, "-inf", nowMillis).Result()
			if err != nil {
				continue
			}
			removed += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return removed, nil
}

// StaleRecords 返回剩余租约超过阈值的记录（疑似 Release 丢失）。
func (c *concurrencyCache) StaleRecords(ctx context.Context, olderThan time.Duration) ([]service.SlotRecord, error) {
	var stale []service.SlotRecord
	// 租约到期时间仍然在阈值之外说明这条记录拿了远超常规的租期，
	// 或者续租器在无人消费的情况下空转。
	threshold := time.Now().Add(olderThan).UnixMilli()
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, keyConcurrencyPrefix+"*", 200).Result()
		if err != nil {
			return stale, err
		}
		for _, key := range keys {
			members, err := c.rdb.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
				Min: strconv.FormatInt(threshold, 10),
				Max: "+inf",
			}).Result()
			if err != nil {
				continue
			}
			for _, member := range members {
				requestID, _ := member.Member.(string)
				stale = append(stale, service.SlotRecord{
					OwnerKey:  key,
					RequestID: requestID,
					ExpireAt:  time.UnixMilli(int64(member.Score)),
				})
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return stale, nil
}

func (c *concurrencyCache) IncrementRateWindow(ctx context.Context, apiKeyID string, window time.Duration) (int64, error) {
	now := time.Now()
	return rateWindowScript.Run(ctx, c.rdb, []string{rateWindowKey(apiKeyID)},
		now.Add(-window).UnixMilli(),
		now.UnixMilli(),
		uuid.NewString(),
		(window + time.Minute).Milliseconds(),
	).Int64()
}
