package service

import (
	"context"
	"time"
)

// AccountFilter 账号列表过滤条件。零值表示不过滤。
type AccountFilter struct {
	Platforms []string
	GroupID   string
	Status    string
}

// AccountRepository 账号存储端口。
type AccountRepository interface {
	GetByID(ctx context.Context, id string) (*Account, error)
	List(ctx context.Context, filter AccountFilter) ([]*Account, error)
	Create(ctx context.Context, account *Account) error
	Update(ctx context.Context, account *Account) error
	Delete(ctx context.Context, id string) error

	// UpdateStatus 原子更新状态三元组（status/reason/schedulable）。
	UpdateStatus(ctx context.Context, id, status, reason string, schedulable bool) error
	SetRateLimitResetAt(ctx context.Context, id string, resetAt *time.Time) error
	TouchLastUsed(ctx context.Context, id string, at time.Time) error

	// 错误台账。返回记录后窗口内的计数。
	RecordServerError(ctx context.Context, id string, window time.Duration) (int64, error)
	RecordStreamTimeout(ctx context.Context, id string, window time.Duration) (int64, error)
	ClearErrorLedgers(ctx context.Context, id string) error

	// 会话数量台账（窗口内去重计数）。
	CountSessionIDs(ctx context.Context, id string, window time.Duration) (int64, error)
	HasSessionID(ctx context.Context, id, sessionID string, window time.Duration) (bool, error)
	AddSessionID(ctx context.Context, id, sessionID string, window time.Duration) error

	RecordSlowResponse(ctx context.Context, id string, window time.Duration) (int64, error)
}

// APIKeyRepository API key 存储端口。查找走 sha256 摘要索引。
type APIKeyRepository interface {
	GetByID(ctx context.Context, id string) (*APIKey, error)
	GetByHash(ctx context.Context, keyHash string) (*APIKey, error)
	List(ctx context.Context) ([]*APIKey, error)
	Create(ctx context.Context, key *APIKey) error
	Update(ctx context.Context, key *APIKey) error
	Delete(ctx context.Context, id string) error
}

// TransactionRecord 交易日志条目。写入时费用计数器必须已经更新完毕。
type TransactionRecord struct {
	ID           string  `json:"id"`
	APIKeyID     string  `json:"api_key_id"`
	AccountID    string  `json:"account_id"`
	Model        string  `json:"model"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CacheRead    int64   `json:"cache_read_input_tokens"`
	CacheWrite   int64   `json:"cache_creation_input_tokens"`
	Cost         float64 `json:"cost"`
	// RemainingQuota 扣费后的剩余额度（totalCostLimit - 回读总费用）。
	// 不限额的 key 记 0。
	RemainingQuota float64   `json:"remaining_quota"`
	Stream         bool      `json:"stream"`
	CreatedAt      time.Time `json:"created_at"`
}

// CostCache 费用计数与交易日志端口。
//
// 实现必须保证 IncrementCost 对 total/daily/model 三个计数器的更新是
// 原子的（单脚本完成），AppendTransaction 只在计数器更新成功后调用。
type CostCache interface {
	IncrementCost(ctx context.Context, apiKeyID, model string, amount float64, at time.Time) error
	// GetTotalCost / GetDailyCost 直读存储，绕过任何本地缓存层。
	GetTotalCost(ctx context.Context, apiKeyID string) (float64, error)
	GetDailyCost(ctx context.Context, apiKeyID string, day time.Time) (float64, error)
	GetModelCosts(ctx context.Context, apiKeyID string, day time.Time) (map[string]float64, error)
	AppendTransaction(ctx context.Context, record *TransactionRecord) error
	ListTransactions(ctx context.Context, apiKeyID string, query TransactionQuery) ([]*TransactionRecord, error)
}

// TransactionQuery 交易日志查询条件。
// 零值 From/To 表示不限时间；Page 从 1 起，页内按时间倒序。
type TransactionQuery struct {
	From     time.Time
	To       time.Time
	Page     int64
	PageSize int64
}

// SlotRecord 一条并发占用记录。
type SlotRecord struct {
	OwnerKey  string // concurrency:console_account:{id} 或 concurrency:{apiKeyID}
	RequestID string
	ExpireAt  time.Time
}

// ConcurrencyCache 租约式并发槽端口。
//
// 槽集合是 zset，member 为 requestID，score 为租约到期毫秒时间戳。
// Acquire 在单脚本内先剔除过期成员再判断容量，避免计数与加入之间的竞态。
type ConcurrencyCache interface {
	AcquireAccountSlot(ctx context.Context, accountID, requestID string, limit int, lease time.Duration) (bool, error)
	ReleaseAccountSlot(ctx context.Context, accountID, requestID string) error
	RefreshAccountSlot(ctx context.Context, accountID, requestID string, lease time.Duration) error
	AccountSlotCount(ctx context.Context, accountID string) (int64, error)

	// key 槽没有 Refresh：租约即绝对上限。
	AcquireKeySlot(ctx context.Context, apiKeyID, requestID string, limit int, lease time.Duration) (bool, error)
	ReleaseKeySlot(ctx context.Context, apiKeyID, requestID string) error
	KeySlotCount(ctx context.Context, apiKeyID string) (int64, error)

	// CleanupExpired 全量清理过期成员，返回清理数量。
	CleanupExpired(ctx context.Context) (int64, error)
	// StaleRecords 返回剩余租约超过阈值的记录（疑似泄漏）。
	StaleRecords(ctx context.Context, olderThan time.Duration) ([]SlotRecord, error)

	// IncrementRateWindow 滑动窗口限速计数，返回窗口内计数。
	IncrementRateWindow(ctx context.Context, apiKeyID string, window time.Duration) (int64, error)
}

// SessionMapping 粘性会话映射值。
type SessionMapping struct {
	AccountID string    `json:"account_id"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionCache 粘性会话映射端口。
type SessionCache interface {
	GetMapping(ctx context.Context, fingerprint string) (*SessionMapping, error)
	SetMapping(ctx context.Context, fingerprint string, mapping *SessionMapping, ttl time.Duration) error
	// TTL 返回剩余存活时间；key 不存在时返回负值。
	TTL(ctx context.Context, fingerprint string) (time.Duration, error)
	Renew(ctx context.Context, fingerprint string, ttl time.Duration) error
	DeleteMapping(ctx context.Context, fingerprint string) error
}

// CachedResponse 延迟完成后暂存的完整响应。
type CachedResponse struct {
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers"`
	Body       []byte              `json:"body"`
	Model      string              `json:"model"`
	AccountID  string              `json:"account_id"`
	CreatedAt  time.Time           `json:"created_at"`
}

// ResponseCache 断连补偿响应缓存端口。
type ResponseCache interface {
	Get(ctx context.Context, fingerprint string) (*CachedResponse, error)
	Set(ctx context.Context, fingerprint string, resp *CachedResponse, ttl time.Duration) error
	Delete(ctx context.Context, fingerprint string) error
}
