package service

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/Wei-Shaw/claude-relay/internal/domain"
)

// APIKey 中继本地签发的调用方身份。
// ID 是费用计数器、交易日志、并发记录和会话映射之间唯一的关联键。
type APIKey struct {
	ID   string
	Key  string // 完整 key 材料，形如 cr_xxx；对外展示时只露前缀
	Name string

	Enabled bool

	// ClaudeAccountID 可选绑定：具体账号 ID，或 "group:<id>"。
	ClaudeAccountID string

	TotalCostLimit float64 // USD，0 = 不限制
	DailyCostLimit float64 // USD，0 = 不限制

	ConcurrencyLimit int // 0 = 不限制

	RateLimitRequests      int // 窗口内请求数上限，0 = 不限制
	RateLimitWindowSeconds int

	TokenLimit int64

	Permissions []string

	ExpiresAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (k *APIKey) IsActive() bool {
	if k == nil || !k.Enabled {
		return false
	}
	if k.ExpiresAt != nil && time.Now().After(*k.ExpiresAt) {
		return false
	}
	return true
}

// HasTotalLimit reports whether total-cost enforcement applies.
func (k *APIKey) HasTotalLimit() bool { return k.TotalCostLimit > 0 }

// HasDailyLimit reports whether daily-cost enforcement applies.
func (k *APIKey) HasDailyLimit() bool { return k.DailyCostLimit > 0 }

// RateLimitWindow 返回限速窗口时长。
func (k *APIKey) RateLimitWindow() time.Duration {
	if k.RateLimitWindowSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(k.RateLimitWindowSeconds) * time.Second
}

// HashAPIKey 计算 key 材料的 sha256 十六进制摘要，用作查找索引。
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// IsWellFormedAPIKey 只做最低限度的格式校验，真正的身份校验靠存储查找。
func IsWellFormedAPIKey(key string) bool {
	return strings.HasPrefix(key, domain.APIKeyPrefix) && len(key) > len(domain.APIKeyPrefix)+8
}
