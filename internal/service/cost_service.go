package service

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/Wei-Shaw/claude-relay/internal/config"
)

const costL1TTL = 5 * time.Second

// CostService 费用读取层。
//
// 写路径由 UsageService 持有；这里只做读取，分两档：
//   - forceRefresh=true：直读存储，用于限额判定（强一致）。
//   - forceRefresh=false：经 ristretto L1，用于展示类查询。
type CostService struct {
	cache CostCache
	l1    *ristretto.Cache
}

func NewCostService(cfg *config.Config, cache CostCache) (*CostService, error) {
	l1, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("init cost l1 cache: %w", err)
	}
	return &CostService{cache: cache, l1: l1}, nil
}

// GetTotalCost 返回 key 的累计费用。
func (s *CostService) GetTotalCost(ctx context.Context, apiKeyID string, forceRefresh bool) (float64, error) {
	cacheKey := "total:" + apiKeyID
	if !forceRefresh {
		if v, ok := s.l1.Get(cacheKey); ok {
			if cost, ok := v.(float64); ok {
				return cost, nil
			}
		}
	}
	cost, err := s.cache.GetTotalCost(ctx, apiKeyID)
	if err != nil {
		return 0, err
	}
	s.l1.SetWithTTL(cacheKey, cost, 1, costL1TTL)
	return cost, nil
}

// GetDailyCost 返回 key 当日费用。
func (s *CostService) GetDailyCost(ctx context.Context, apiKeyID string, forceRefresh bool) (float64, error) {
	now := time.Now()
	cacheKey := "daily:" + apiKeyID + ":" + now.Format("20060102")
	if !forceRefresh {
		if v, ok := s.l1.Get(cacheKey); ok {
			if cost, ok := v.(float64); ok {
				return cost, nil
			}
		}
	}
	cost, err := s.cache.GetDailyCost(ctx, apiKeyID, now)
	if err != nil {
		return 0, err
	}
	s.l1.SetWithTTL(cacheKey, cost, 1, costL1TTL)
	return cost, nil
}

// GetModelCosts 返回 key 当日按模型分组的费用。展示用途，不走 L1。
func (s *CostService) GetModelCosts(ctx context.Context, apiKeyID string) (map[string]float64, error) {
	return s.cache.GetModelCosts(ctx, apiKeyID, time.Now())
}

// Invalidate 丢弃 key 的 L1 条目。写入完成后调用，缩短可见延迟。
func (s *CostService) Invalidate(apiKeyID string) {
	s.l1.Del("total:" + apiKeyID)
	s.l1.Del("daily:" + apiKeyID + ":" + time.Now().Format("20060102"))
}

// CheckCostLimits 做限额判定。必须直读存储：计费写入与这里的读取
// 之间不允许插入任何缓存层，否则超限窗口会被 L1 TTL 拉长。
func (s *CostService) CheckCostLimits(ctx context.Context, key *APIKey) error {
	if key.HasTotalLimit() {
		total, err := s.GetTotalCost(ctx, key.ID, true)
		if err != nil {
			return fmt.Errorf("read total cost: %w", err)
		}
		if total >= key.TotalCostLimit {
			return fmt.Errorf("%w: total %.6f >= limit %.6f", ErrCostLimitExceeded, total, key.TotalCostLimit)
		}
	}
	if key.HasDailyLimit() {
		daily, err := s.GetDailyCost(ctx, key.ID, true)
		if err != nil {
			return fmt.Errorf("read daily cost: %w", err)
		}
		if daily >= key.DailyCostLimit {
			return fmt.Errorf("%w: daily %.6f >= limit %.6f", ErrCostLimitExceeded, daily, key.DailyCostLimit)
		}
	}
	return nil
}
