// Package service provides business logic and domain services for the relay.
package service

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Wei-Shaw/claude-relay/internal/domain"
)

// Proxy 账号出口代理配置。配置了代理的账号绝不允许直连。
type Proxy struct {
	Type     string `json:"type"` // http / https / socks5 / socks5h
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// URL 构造标准代理 URL。
func (p *Proxy) URL() (*url.URL, error) {
	if p == nil {
		return nil, nil
	}
	scheme := strings.ToLower(strings.TrimSpace(p.Type))
	if scheme == "" {
		scheme = "http"
	}
	host := strings.TrimSpace(p.Host)
	if host == "" || p.Port <= 0 || p.Port > 65535 {
		return nil, fmt.Errorf("invalid proxy address: %q:%d", p.Host, p.Port)
	}
	u := &url.URL{
		Scheme: scheme,
		Host:   fmt.Sprintf("%s:%d", host, p.Port),
	}
	if p.Username != "" {
		if p.Password != "" {
			u.User = url.UserPassword(p.Username, p.Password)
		} else {
			u.User = url.User(p.Username)
		}
	}
	return u, nil
}

// Account 上游账号：凭证 + 调度策略。
type Account struct {
	ID       string
	Platform string // official / console / gemini / bedrock / azure
	Name     string

	// 凭证。official 使用 OAuth AccessToken，console 等使用静态 APIKey。
	AccessToken string
	APIKey      string
	BaseURL     string

	Priority int // 越小越优先

	Status       string
	StatusReason string
	Schedulable  bool

	MaxConcurrentTasks int // 0 = 不限制

	SessionIDLimitEnabled  bool
	SessionIDMaxCount      int
	SessionIDWindowMinutes int

	// RateMultiplier 账号计费倍率。nil 表示按 1.0 处理；允许 0。
	RateMultiplier *float64

	// ModelSuffixTag 记账时附加到模型名的标记（如 "-2api"）。
	// 仅影响交易日志中的模型名，绝不改变发往上游的模型串。
	ModelSuffixTag string

	// SupportedModels 模型白名单；为空时按 main-model 规则
	// （模型名包含 sonnet/opus/haiku 视为支持）。
	SupportedModels []string

	GroupID string

	Proxy *Proxy

	LastUsedAt       *time.Time
	RateLimitResetAt *time.Time
	RecoverAt        *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (a *Account) IsActive() bool {
	return a.Status == domain.StatusActive
}

// BillingRateMultiplier 返回账号计费倍率。
// nil 表示未配置按 1.0；负数属于非法数据，按 1.0 处理。
func (a *Account) BillingRateMultiplier() float64 {
	if a == nil || a.RateMultiplier == nil {
		return 1.0
	}
	if *a.RateMultiplier < 0 {
		return 1.0
	}
	return *a.RateMultiplier
}

// IsCandidate 判断账号是否可进入调度候选集。
// temp_error / blocked / quota_exceeded 一律排除；rate_limited 在重置时间
// 之前排除；active 额外要求 schedulable 标记。
func (a *Account) IsCandidate() bool {
	if a == nil {
		return false
	}
	switch a.Status {
	case domain.StatusActive:
		return a.Schedulable
	case domain.StatusUnauthorized, domain.StatusOverloaded:
		return true
	case domain.StatusRateLimited:
		return a.RateLimitResetAt != nil && time.Now().After(*a.RateLimitResetAt)
	default:
		return false
	}
}

// IsModelSupported 检查账号是否支持请求的模型。
func (a *Account) IsModelSupported(requestedModel string) bool {
	if len(a.SupportedModels) == 0 {
		return isMainModel(requestedModel)
	}
	for _, m := range a.SupportedModels {
		if strings.EqualFold(m, requestedModel) {
			return true
		}
	}
	return false
}

// HasUnlimitedConcurrency reports whether the account caps in-flight requests.
func (a *Account) HasUnlimitedConcurrency() bool {
	return a.MaxConcurrentTasks <= 0
}

// SessionIDWindow 返回会话数量限制窗口。
func (a *Account) SessionIDWindow() time.Duration {
	if a.SessionIDWindowMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(a.SessionIDWindowMinutes) * time.Minute
}

func isMainModel(model string) bool {
	m := strings.ToLower(model)
	return strings.Contains(m, "sonnet") || strings.Contains(m, "opus") || strings.Contains(m, "haiku")
}

// IsPinnedToGroup 判断 apiKey 的绑定目标是否是分组。
func IsPinnedToGroup(claudeAccountID string) (groupID string, ok bool) {
	if strings.HasPrefix(claudeAccountID, "group:") {
		return strings.TrimPrefix(claudeAccountID, "group:"), true
	}
	return "", false
}
