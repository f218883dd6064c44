// Package domain holds shared constants used across services and repositories.
package domain

// 上游平台类型
const (
	PlatformOfficial = "official" // Claude 官方 OAuth 账号
	PlatformConsole  = "console"  // Console 中转商静态 key 账号
	PlatformGemini   = "gemini"
	PlatformBedrock  = "bedrock"
	PlatformAzure    = "azure"
)

// 账号状态机状态
const (
	StatusActive        = "active"
	StatusRateLimited   = "rate_limited"
	StatusOverloaded    = "overloaded"
	StatusTempError     = "temp_error"
	StatusUnauthorized  = "unauthorized"
	StatusBlocked       = "blocked"
	StatusQuotaExceeded = "quota_exceeded"
)

// ClaudePlatforms 参与会话数量限制的平台。
// 其他平台的会话限制暂不启用。
var ClaudePlatforms = map[string]bool{
	PlatformOfficial: true,
	PlatformConsole:  true,
}

// ClaudePlatformList 返回 Claude 系平台（/v1/messages 的调度候选池范围）。
func ClaudePlatformList() []string {
	return []string{PlatformOfficial, PlatformConsole}
}

// APIKeyPrefix 本地签发 API Key 的前缀
const APIKeyPrefix = "cr_"

// 流超时原因
const (
	TimeoutReasonTotal = "TOTAL_TIMEOUT"
	TimeoutReasonIdle  = "IDLE_TIMEOUT"
)
