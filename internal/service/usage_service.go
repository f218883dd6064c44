package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// UsageService 记账写路径。
//
// 写入顺序是硬约束：先原子更新费用计数器，再回读确认，最后追加交易
// 日志。顺序颠倒会出现"日志有记录但限额判定看不到费用"的窗口。
type UsageService struct {
	costCache   CostCache
	costService *CostService
	pricing     *PricingTable
}

func NewUsageService(costCache CostCache, costService *CostService, pricing *PricingTable) *UsageService {
	return &UsageService{
		costCache:   costCache,
		costService: costService,
		pricing:     pricing,
	}
}

// RecordUsage 对一次完成的请求记账。
//
// 账号倍率只作用于总费用，不拆分到单项 token 价格；模型后缀标记只
// 影响交易日志里的模型名。记账失败只记日志不回传调用方，响应此时
// 多半已经发出去了。
func (s *UsageService) RecordUsage(ctx context.Context, key *APIKey, account *Account, model string, usage Usage, stream bool) {
	if key == nil || usage.IsZero() {
		return
	}

	baseCost := s.pricing.CalculateCost(model, usage)
	cost := baseCost
	var accountID string
	billedModel := model
	if account != nil {
		accountID = account.ID
		cost = baseCost * account.BillingRateMultiplier()
		if account.ModelSuffixTag != "" {
			billedModel = model + account.ModelSuffixTag
		}
	}

	now := time.Now()
	if err := s.costCache.IncrementCost(ctx, key.ID, billedModel, cost, now); err != nil {
		slog.Error("usage_cost_increment_failed",
			"api_key_id", key.ID,
			"account_id", accountID,
			"model", billedModel,
			"cost", cost,
			"error", err.Error())
		return
	}
	s.costService.Invalidate(key.ID)

	// 回读确认计数器已落盘，之后交易日志才可见；
	// 回读结果同时算出本条日志的剩余额度。
	var remainingQuota float64
	totalAfter, err := s.costService.GetTotalCost(ctx, key.ID, true)
	if err != nil {
		slog.Warn("usage_cost_readback_failed", "api_key_id", key.ID, "error", err.Error())
	} else if key.TotalCostLimit > 0 {
		remainingQuota = key.TotalCostLimit - totalAfter
	}

	record := &TransactionRecord{
		ID:             uuid.NewString(),
		APIKeyID:       key.ID,
		AccountID:      accountID,
		Model:          billedModel,
		InputTokens:    usage.InputTokens,
		OutputTokens:   usage.OutputTokens,
		CacheRead:      usage.CacheRead,
		CacheWrite:     usage.CacheWrite,
		Cost:           cost,
		RemainingQuota: remainingQuota,
		Stream:         stream,
		CreatedAt:      now,
	}
	if err := s.costCache.AppendTransaction(ctx, record); err != nil {
		slog.Error("usage_transaction_append_failed",
			"api_key_id", key.ID,
			"transaction_id", record.ID,
			"error", err.Error())
		return
	}

	slog.Info("usage_recorded",
		"api_key_id", key.ID,
		"account_id", accountID,
		"model", billedModel,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
		"cache_read_tokens", usage.CacheRead,
		"cache_write_tokens", usage.CacheWrite,
		"cost", cost,
		"stream", stream)
}

// ListTransactions 按时间范围分页返回交易日志，页内时间倒序。
func (s *UsageService) ListTransactions(ctx context.Context, apiKeyID string, query TransactionQuery) ([]*TransactionRecord, error) {
	if query.Page < 1 {
		query.Page = 1
	}
	if query.PageSize <= 0 {
		query.PageSize = 100
	}
	return s.costCache.ListTransactions(ctx, apiKeyID, query)
}
