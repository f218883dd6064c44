package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Wei-Shaw/claude-relay/internal/config"
)

// SlotLease 一个已获得的并发槽。Release 幂等，任何退出路径都可以调用。
type SlotLease struct {
	ownerID   string
	requestID string
	release   func(ctx context.Context, ownerID, requestID string) error
	refresh   func(ctx context.Context, ownerID, requestID string, lease time.Duration) error

	once       sync.Once
	stopTicker chan struct{}
}

// RequestID returns the lease member id.
func (l *SlotLease) RequestID() string { return l.requestID }

// Release 归还槽位。只有第一次调用生效。
func (l *SlotLease) Release(ctx context.Context) {
	if l == nil {
		return
	}
	l.once.Do(func() {
		close(l.stopTicker)
		if err := l.release(ctx, l.ownerID, l.requestID); err != nil {
			slog.Warn("concurrency_slot_release_failed",
				"owner_id", l.ownerID,
				"request_id", l.requestID,
				"error", err.Error())
		}
	})
}

// startRefresher 为长连接（流式）请求后台续租。
func (l *SlotLease) startRefresher(interval, lease time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-l.stopTicker:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := l.refresh(ctx, l.ownerID, l.requestID, lease)
				cancel()
				if err != nil {
					slog.Warn("concurrency_slot_refresh_failed",
						"owner_id", l.ownerID,
						"request_id", l.requestID,
						"error", err.Error())
				}
			}
		}
	}()
}

// ConcurrencyService 租约式并发准入。
//
// 槽位有 10 分钟租约兜底：进程崩溃或 Release 丢失时，过期成员会被
// 下一次 acquire 或清扫任务剔除，不会永久占用容量。
type ConcurrencyService struct {
	cache ConcurrencyCache
	cfg   *config.Config
}

func NewConcurrencyService(cfg *config.Config, cache ConcurrencyCache) *ConcurrencyService {
	return &ConcurrencyService{cache: cache, cfg: cfg}
}

func (s *ConcurrencyService) leaseDuration() time.Duration {
	minutes := s.cfg.Gateway.ConcurrencyLeaseMinutes
	if minutes <= 0 {
		minutes = 10
	}
	return time.Duration(minutes) * time.Minute
}

func (s *ConcurrencyService) refreshInterval() time.Duration {
	minutes := s.cfg.Gateway.ConcurrencyRefreshMinutes
	if minutes <= 0 {
		minutes = 5
	}
	return time.Duration(minutes) * time.Minute
}

// AcquireAccountSlot 尝试占用账号并发槽。
// 账号不限并发时返回 nil lease（无需释放，Release 对 nil 安全）。
// 容量已满返回 ErrAccountConcurrencyExceeded。
func (s *ConcurrencyService) AcquireAccountSlot(ctx context.Context, account *Account, requestID string, stream bool) (*SlotLease, error) {
	if account.HasUnlimitedConcurrency() {
		return nil, nil
	}
	ok, err := s.cache.AcquireAccountSlot(ctx, account.ID, requestID, account.MaxConcurrentTasks, s.leaseDuration())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAccountConcurrencyExceeded
	}
	lease := &SlotLease{
		ownerID:    account.ID,
		requestID:  requestID,
		release:    s.cache.ReleaseAccountSlot,
		refresh:    s.cache.RefreshAccountSlot,
		stopTicker: make(chan struct{}),
	}
	if stream {
		lease.startRefresher(s.refreshInterval(), s.leaseDuration())
	}
	return lease, nil
}

// AcquireKeySlot 尝试占用 API key 并发槽。
// key 槽从不续租：租约时长就是绝对上限，处理协程挂死也只占位到期。
func (s *ConcurrencyService) AcquireKeySlot(ctx context.Context, key *APIKey, requestID string) (*SlotLease, error) {
	if key.ConcurrencyLimit <= 0 {
		return nil, nil
	}
	ok, err := s.cache.AcquireKeySlot(ctx, key.ID, requestID, key.ConcurrencyLimit, s.leaseDuration())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAPIKeyConcurrencyExceeded
	}
	return &SlotLease{
		ownerID:    key.ID,
		requestID:  requestID,
		release:    s.cache.ReleaseKeySlot,
		stopTicker: make(chan struct{}),
	}, nil
}

// AccountSlotCount 返回账号当前占用数（过期成员不计入）。
func (s *ConcurrencyService) AccountSlotCount(ctx context.Context, accountID string) (int64, error) {
	return s.cache.AccountSlotCount(ctx, accountID)
}

// HasFreeSlot 判断账号是否还有空余并发容量。
func (s *ConcurrencyService) HasFreeSlot(ctx context.Context, account *Account) bool {
	if account.HasUnlimitedConcurrency() {
		return true
	}
	count, err := s.cache.AccountSlotCount(ctx, account.ID)
	if err != nil {
		slog.Warn("concurrency_count_failed", "account_id", account.ID, "error", err.Error())
		// 读不到计数时放行，由 acquire 的原子判定兜底。
		return true
	}
	return count < int64(account.MaxConcurrentTasks)
}
