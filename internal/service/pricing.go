package service

import (
	"strings"

	"github.com/Wei-Shaw/claude-relay/internal/config"
)

// 内置模型价格表（USD / MTok）。配置 pricing.overrides 可覆盖或补充。
var builtinPrices = map[string]config.ModelPrice{
	"claude-opus-4-1-20250805": {Input: 15, Output: 75, CacheCreate: 18.75, CacheRead: 1.5},
	"claude-opus-4-20250514":   {Input: 15, Output: 75, CacheCreate: 18.75, CacheRead: 1.5},
	"claude-sonnet-4-20250514": {Input: 3, Output: 15, CacheCreate: 3.75, CacheRead: 0.3},
	"claude-sonnet-4-5":        {Input: 3, Output: 15, CacheCreate: 3.75, CacheRead: 0.3},
	"claude-3-7-sonnet-latest": {Input: 3, Output: 15, CacheCreate: 3.75, CacheRead: 0.3},
	"claude-3-5-haiku-latest":  {Input: 0.8, Output: 4, CacheCreate: 1, CacheRead: 0.08},
	"claude-haiku-4-5":         {Input: 1, Output: 5, CacheCreate: 1.25, CacheRead: 0.1},
}

// 按模型家族兜底，未知具体版本时使用。
var familyPrices = []struct {
	marker string
	price  config.ModelPrice
}{
	{"opus", config.ModelPrice{Input: 15, Output: 75, CacheCreate: 18.75, CacheRead: 1.5}},
	{"sonnet", config.ModelPrice{Input: 3, Output: 15, CacheCreate: 3.75, CacheRead: 0.3}},
	{"haiku", config.ModelPrice{Input: 1, Output: 5, CacheCreate: 1.25, CacheRead: 0.1}},
}

// PricingTable 模型价格查询。
type PricingTable struct {
	overrides map[string]config.ModelPrice
}

func NewPricingTable(cfg *config.Config) *PricingTable {
	overrides := map[string]config.ModelPrice{}
	if cfg != nil {
		for model, price := range cfg.Pricing.Overrides {
			overrides[strings.ToLower(model)] = price
		}
	}
	return &PricingTable{overrides: overrides}
}

// Lookup 返回模型单价。顺序：覆盖表、内置表、家族兜底。
// 完全未知的模型按 sonnet 价格计，宁可多记不可漏记。
func (t *PricingTable) Lookup(model string) config.ModelPrice {
	m := strings.ToLower(strings.TrimSpace(model))
	if price, ok := t.overrides[m]; ok {
		return price
	}
	if price, ok := builtinPrices[m]; ok {
		return price
	}
	for _, fp := range familyPrices {
		if strings.Contains(m, fp.marker) {
			return fp.price
		}
	}
	return config.ModelPrice{Input: 3, Output: 15, CacheCreate: 3.75, CacheRead: 0.3}
}

// Usage 一次请求的 token 消耗。
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	CacheRead    int64
	CacheWrite   int64
}

// IsZero reports whether no tokens were consumed.
func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 && u.CacheRead == 0 && u.CacheWrite == 0
}

// CalculateCost 按价格表计算一次请求的基准费用（USD）。
// 账号倍率不在这里参与，由 UsageService 对总额统一套用。
func (t *PricingTable) CalculateCost(model string, usage Usage) float64 {
	price := t.Lookup(model)
	const mtok = 1_000_000.0
	cost := float64(usage.InputTokens)/mtok*price.Input +
		float64(usage.OutputTokens)/mtok*price.Output +
		float64(usage.CacheRead)/mtok*price.CacheRead +
		float64(usage.CacheWrite)/mtok*price.CacheCreate
	if cost < 0 {
		return 0
	}
	return cost
}
