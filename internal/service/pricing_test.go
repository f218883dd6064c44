package service

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Wei-Shaw/claude-relay/internal/config"
)

func TestPricingTable_LookupOrder(t *testing.T) {
	cfg := &config.Config{}
	cfg.Pricing.Overrides = map[string]config.ModelPrice{
		"claude-sonnet-4-5": {Input: 1, Output: 2, CacheCreate: 3, CacheRead: 4},
	}
	table := NewPricingTable(cfg)

	// 覆盖表优先于内置表。
	require.Equal(t, 1.0, table.Lookup("claude-sonnet-4-5").Input)
	require.Equal(t, 1.0, table.Lookup("CLAUDE-SONNET-4-5").Input)

	// 内置表。
	require.Equal(t, 15.0, table.Lookup("claude-opus-4-20250514").Input)

	// 家族兜底：未知 opus 版本按 opus 价格。
	require.Equal(t, 75.0, table.Lookup("claude-opus-9-future").Output)

	// 完全未知按 sonnet 价格。
	require.Equal(t, 3.0, table.Lookup("some-unknown-model").Input)
}

func TestPricingTable_CalculateCost(t *testing.T) {
	table := NewPricingTable(nil)
	usage := Usage{
		InputTokens:  1_000_000,
		OutputTokens: 2_000_000,
		CacheRead:    1_000_000,
		CacheWrite:   1_000_000,
	}
	// sonnet: 3 + 2*15 + 0.3 + 3.75
	require.InDelta(t, 37.05, table.CalculateCost("claude-sonnet-4-5", usage), 1e-9)
}

func TestPricingTable_CalculateCostZeroUsage(t *testing.T) {
	table := NewPricingTable(nil)
	require.Zero(t, table.CalculateCost("claude-sonnet-4-5", Usage{}))
	require.True(t, Usage{}.IsZero())
	require.False(t, Usage{OutputTokens: 1}.IsZero())
}
