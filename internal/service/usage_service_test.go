package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Wei-Shaw/claude-relay/internal/config"
)

type fakeCostCache struct {
	mu           sync.Mutex
	totals       map[string]float64
	dailies      map[string]float64
	models       map[string]map[string]float64
	transactions map[string][]*TransactionRecord

	incrementCalls int
	appendOrder    []string // "increment" / "append" 调用顺序
	lastQuery      TransactionQuery
}

func newFakeCostCache() *fakeCostCache {
	return &fakeCostCache{
		totals:       map[string]float64{},
		dailies:      map[string]float64{},
		models:       map[string]map[string]float64{},
		transactions: map[string][]*TransactionRecord{},
	}
}

func (c *fakeCostCache) IncrementCost(_ context.Context, apiKeyID, model string, amount float64, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totals[apiKeyID] += amount
	c.dailies[apiKeyID] += amount
	if c.models[apiKeyID] == nil {
		c.models[apiKeyID] = map[string]float64{}
	}
	c.models[apiKeyID][model] += amount
	c.incrementCalls++
	c.appendOrder = append(c.appendOrder, "increment")
	return nil
}

func (c *fakeCostCache) GetTotalCost(_ context.Context, apiKeyID string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totals[apiKeyID], nil
}

func (c *fakeCostCache) GetDailyCost(_ context.Context, apiKeyID string, _ time.Time) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dailies[apiKeyID], nil
}

func (c *fakeCostCache) GetModelCosts(_ context.Context, apiKeyID string, _ time.Time) (map[string]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.models[apiKeyID], nil
}

func (c *fakeCostCache) AppendTransaction(_ context.Context, record *TransactionRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transactions[record.APIKeyID] = append(c.transactions[record.APIKeyID], record)
	c.appendOrder = append(c.appendOrder, "append")
	return nil
}

func (c *fakeCostCache) ListTransactions(_ context.Context, apiKeyID string, query TransactionQuery) ([]*TransactionRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastQuery = query

	var filtered []*TransactionRecord
	for _, r := range c.transactions[apiKeyID] {
		if !query.From.IsZero() && r.CreatedAt.Before(query.From) {
			continue
		}
		if !query.To.IsZero() && r.CreatedAt.After(query.To) {
			continue
		}
		filtered = append(filtered, r)
	}
	// 存储按写入序追加，返回按时间倒序分页。
	for i, j := 0, len(filtered)-1; i < j; i, j = i+1, j-1 {
		filtered[i], filtered[j] = filtered[j], filtered[i]
	}
	offset := (query.Page - 1) * query.PageSize
	if offset >= int64(len(filtered)) {
		return nil, nil
	}
	filtered = filtered[offset:]
	if int64(len(filtered)) > query.PageSize {
		filtered = filtered[:query.PageSize]
	}
	return filtered, nil
}

func usageFixture(t *testing.T) (*UsageService, *fakeCostCache) {
	t.Helper()
	costCache := newFakeCostCache()
	costService, err := NewCostService(&config.Config{}, costCache)
	require.NoError(t, err)
	return NewUsageService(costCache, costService, NewPricingTable(nil)), costCache
}

func TestRecordUsage_WritesCountersBeforeTransaction(t *testing.T) {
	svc, costCache := usageFixture(t)
	key := &APIKey{ID: "k1"}
	usage := Usage{InputTokens: 1_000_000}

	svc.RecordUsage(context.Background(), key, nil, "claude-sonnet-4-5", usage, false)

	require.Equal(t, []string{"increment", "append"}, costCache.appendOrder)
	require.InDelta(t, 3.0, costCache.totals["k1"], 1e-9)

	records, err := svc.ListTransactions(context.Background(), "k1", TransactionQuery{PageSize: 10})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.NotEmpty(t, records[0].ID)
	require.InDelta(t, 3.0, records[0].Cost, 1e-9)
}

func TestRecordUsage_TransactionCarriesRemainingQuota(t *testing.T) {
	svc, _ := usageFixture(t)
	key := &APIKey{ID: "k1", TotalCostLimit: 10}
	usage := Usage{InputTokens: 1_000_000} // sonnet input 基准 3.0

	svc.RecordUsage(context.Background(), key, nil, "claude-sonnet-4-5", usage, false)

	records, err := svc.ListTransactions(context.Background(), "k1", TransactionQuery{PageSize: 1})
	require.NoError(t, err)
	require.Len(t, records, 1)
	// 剩余额度 = 限额 - 扣费后回读的总费用。
	require.InDelta(t, 7.0, records[0].RemainingQuota, 1e-9)

	raw, err := json.Marshal(records[0])
	require.NoError(t, err)
	require.Contains(t, string(raw), `"remaining_quota":7`)

	// 再记一笔，剩余额度随总费用递减。
	svc.RecordUsage(context.Background(), key, nil, "claude-sonnet-4-5", usage, false)
	records, err = svc.ListTransactions(context.Background(), "k1", TransactionQuery{PageSize: 1})
	require.NoError(t, err)
	require.InDelta(t, 4.0, records[0].RemainingQuota, 1e-9)
}

func TestRecordUsage_UnlimitedKeyHasZeroRemainingQuota(t *testing.T) {
	svc, _ := usageFixture(t)
	svc.RecordUsage(context.Background(), &APIKey{ID: "k1"}, nil, "claude-sonnet-4-5", Usage{InputTokens: 1_000_000}, false)

	records, err := svc.ListTransactions(context.Background(), "k1", TransactionQuery{PageSize: 1})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Zero(t, records[0].RemainingQuota)
}

func TestListTransactions_NormalizesPaging(t *testing.T) {
	svc, costCache := usageFixture(t)

	_, err := svc.ListTransactions(context.Background(), "k1", TransactionQuery{})
	require.NoError(t, err)
	require.Equal(t, int64(1), costCache.lastQuery.Page)
	require.Equal(t, int64(100), costCache.lastQuery.PageSize)

	from := time.Now().Add(-time.Hour)
	_, err = svc.ListTransactions(context.Background(), "k1", TransactionQuery{From: from, Page: 3, PageSize: 20})
	require.NoError(t, err)
	require.Equal(t, int64(3), costCache.lastQuery.Page)
	require.Equal(t, int64(20), costCache.lastQuery.PageSize)
	require.True(t, costCache.lastQuery.From.Equal(from))
}

func TestRecordUsage_AppliesAccountMultiplierToTotalOnly(t *testing.T) {
	svc, costCache := usageFixture(t)
	key := &APIKey{ID: "k1"}
	multiplier := 2.5
	account := &Account{ID: "acc1", RateMultiplier: &multiplier}
	usage := Usage{InputTokens: 1_000_000}

	svc.RecordUsage(context.Background(), key, account, "claude-sonnet-4-5", usage, true)

	// 基准 3.0 × 2.5
	require.InDelta(t, 7.5, costCache.totals["k1"], 1e-9)
	records, _ := svc.ListTransactions(context.Background(), "k1", TransactionQuery{PageSize: 1})
	require.InDelta(t, 7.5, records[0].Cost, 1e-9)
	require.Equal(t, "acc1", records[0].AccountID)
	require.True(t, records[0].Stream)
}

func TestRecordUsage_ModelSuffixTagOnlyAffectsLedger(t *testing.T) {
	svc, costCache := usageFixture(t)
	key := &APIKey{ID: "k1"}
	account := &Account{ID: "acc1", ModelSuffixTag: "-2api"}
	usage := Usage{OutputTokens: 1_000_000}

	svc.RecordUsage(context.Background(), key, account, "claude-sonnet-4-5", usage, false)

	records, _ := svc.ListTransactions(context.Background(), "k1", TransactionQuery{PageSize: 1})
	require.Equal(t, "claude-sonnet-4-5-2api", records[0].Model)
	require.Contains(t, costCache.models["k1"], "claude-sonnet-4-5-2api")
	// 标记不改变价格表查询用的模型名：按 sonnet 的 output 价格计。
	require.InDelta(t, 15.0, records[0].Cost, 1e-9)
}

func TestRecordUsage_SkipsZeroUsage(t *testing.T) {
	svc, costCache := usageFixture(t)
	svc.RecordUsage(context.Background(), &APIKey{ID: "k1"}, nil, "claude-sonnet-4-5", Usage{}, false)
	require.Zero(t, costCache.incrementCalls)
	svc.RecordUsage(context.Background(), nil, nil, "claude-sonnet-4-5", Usage{InputTokens: 1}, false)
	require.Zero(t, costCache.incrementCalls)
}

func TestCheckCostLimits(t *testing.T) {
	costCache := newFakeCostCache()
	costService, err := NewCostService(&config.Config{}, costCache)
	require.NoError(t, err)
	ctx := context.Background()

	costCache.totals["k1"] = 10
	costCache.dailies["k1"] = 4

	// 未配置限额不判定。
	require.NoError(t, costService.CheckCostLimits(ctx, &APIKey{ID: "k1"}))

	require.NoError(t, costService.CheckCostLimits(ctx, &APIKey{ID: "k1", TotalCostLimit: 11}))
	require.ErrorIs(t, costService.CheckCostLimits(ctx, &APIKey{ID: "k1", TotalCostLimit: 10}), ErrCostLimitExceeded)
	require.ErrorIs(t, costService.CheckCostLimits(ctx, &APIKey{ID: "k1", DailyCostLimit: 3}), ErrCostLimitExceeded)
}

func TestCostService_ForceRefreshBypassesL1(t *testing.T) {
	costCache := newFakeCostCache()
	costService, err := NewCostService(&config.Config{}, costCache)
	require.NoError(t, err)
	ctx := context.Background()

	costCache.totals["k1"] = 1
	got, err := costService.GetTotalCost(ctx, "k1", false)
	require.NoError(t, err)
	require.Equal(t, 1.0, got)

	// 底层变化后强刷必须立即可见，不等 L1 过期。
	costCache.totals["k1"] = 2
	got, err = costService.GetTotalCost(ctx, "k1", true)
	require.NoError(t, err)
	require.Equal(t, 2.0, got)
}
