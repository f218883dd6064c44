package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Wei-Shaw/claude-relay/internal/service"
)

const (
	// dailyCostTTL 日计数器保留 48 小时，跨天查询留余量。
	dailyCostTTL = 48 * time.Hour
	// transactionLogRetention 交易日志保留窗口。明细只服务短期排障，
	// 长期额度由费用计数器承载。
	transactionLogRetention = 24 * time.Hour
)

// incrementCostScript 单脚本原子更新 total/daily/model 三个计数器。
// 拆成多条命令会在进程崩溃时留下互相矛盾的计数。
var incrementCostScript = redis.NewScript(`
	redis.call('INCRBYFLOAT', KEYS[1], ARGV[1])
	redis.call('INCRBYFLOAT', KEYS[2], ARGV[1])
	redis.call('EXPIRE', KEYS[2], ARGV[2])
	redis.call('INCRBYFLOAT', KEYS[3], ARGV[1])
	redis.call('EXPIRE', KEYS[3], ARGV[2])
	return 1
`)

type costCache struct {
	rdb *redis.Client
}

func NewCostCache(rdb *redis.Client) service.CostCache {
	return &costCache{rdb: rdb}
}

func (c *costCache) IncrementCost(ctx context.Context, apiKeyID, model string, amount float64, at time.Time) error {
	keys := []string{
		costTotalKey(apiKeyID),
		costDailyKey(apiKeyID, at),
		costModelKey(apiKeyID, model, at),
	}
	_, err := incrementCostScript.Run(ctx, c.rdb, keys,
		strconv.FormatFloat(amount, 'f', -1, 64),
		int(dailyCostTTL.Seconds()),
	).Result()
	if err != nil {
		return fmt.Errorf("increment cost: %w", err)
	}
	return nil
}

func (c *costCache) GetTotalCost(ctx context.Context, apiKeyID string) (float64, error) {
	return c.readFloat(ctx, costTotalKey(apiKeyID))
}

func (c *costCache) GetDailyCost(ctx context.Context, apiKeyID string, day time.Time) (float64, error) {
	return c.readFloat(ctx, costDailyKey(apiKeyID, day))
}

func (c *costCache) readFloat(ctx context.Context, key string) (float64, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(val, 64)
}

func (c *costCache) GetModelCosts(ctx context.Context, apiKeyID string, day time.Time) (map[string]float64, error) {
	pattern := fmt.Sprintf("%s%s:*:%s", costModelPrefix, apiKeyID, day.Format("20060102"))
	costs := map[string]float64{}
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			cost, err := c.readFloat(ctx, key)
			if err != nil {
				continue
			}
			costs[modelFromCostKey(key, apiKeyID)] = cost
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return costs, nil
}

// modelFromCostKey 从 usage:cost:model:{keyID}:{model}:{yyyymmdd} 取模型段。
// 模型名自身可以含冒号以外的任意字符，按前后缀剥离。
func modelFromCostKey(key, apiKeyID string) string {
	trimmed := strings.TrimPrefix(key, costModelPrefix+apiKeyID+":")
	if idx := strings.LastIndex(trimmed, ":"); idx > 0 {
		return trimmed[:idx]
	}
	return trimmed
}

func (c *costCache) AppendTransaction(ctx context.Context, record *service.TransactionRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal transaction: %w", err)
	}
	key := transactionLogKey(record.APIKeyID)
	retentionStart := time.Now().Add(-transactionLogRetention).UnixMilli()

	pipe := c.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(record.CreatedAt.UnixMilli()), Member: string(raw)})
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(retentionStart, 10))
	pipe.Expire(ctx, key, transactionLogRetention)
	_, err = pipe.Exec(ctx)
	return err
}

func (c *costCache) ListTransactions(ctx context.Context, apiKeyID string, query service.TransactionQuery) ([]*service.TransactionRecord, error) {
	min := "-inf"
	if !query.From.IsZero() {
		min = strconv.FormatInt(query.From.UnixMilli(), 10)
	}
	max := "+inf"
	if !query.To.IsZero() {
		max = strconv.FormatInt(query.To.UnixMilli(), 10)
	}
	page := query.Page
	if page < 1 {
		page = 1
	}
	raws, err := c.rdb.ZRevRangeByScore(ctx, transactionLogKey(apiKeyID), &redis.ZRangeBy{
		Min:    min,
		Max:    max,
		Offset: (page - 1) * query.PageSize,
		Count:  query.PageSize,
	}).Result()
	if err != nil {
		return nil, err
	}
	records := make([]*service.TransactionRecord, 0, len(raws))
	for _, raw := range raws {
		var record service.TransactionRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			continue
		}
		records = append(records, &record)
	}
	return records, nil
}
