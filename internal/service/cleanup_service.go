package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Wei-Shaw/claude-relay/internal/config"
)

// ConcurrencyHealth 并发槽健康摘要，/health 端点使用。
type ConcurrencyHealth struct {
	StaleRecords     int      `json:"staleRecords"`
	AffectedKeys     []string `json:"affectedKeys"`
	OldestAgeMinutes float64  `json:"oldestAgeMinutes"`
}

// CleanupService 周期清扫：剔除过期并发槽成员，发现滞留记录时告警。
// 槽位本身有租约兜底，清扫只是把泄漏的容量尽快还回来。
type CleanupService struct {
	cache ConcurrencyCache
	cfg   *config.Config

	cron     *cron.Cron
	stopOnce sync.Once

	mu         sync.RWMutex
	lastHealth ConcurrencyHealth
}

// NewCleanupService 构造并启动清扫任务。间隔配置为 0 时不启动。
func NewCleanupService(cfg *config.Config, cache ConcurrencyCache) (*CleanupService, error) {
	s := &CleanupService{
		cache: cache,
		cfg:   cfg,
		cron:  cron.New(),
	}
	interval := cfg.Gateway.SlotCleanupIntervalSeconds
	if interval <= 0 {
		slog.Info("slot_cleanup_disabled")
		return s, nil
	}
	spec := fmt.Sprintf("@every %ds", interval)
	if _, err := s.cron.AddFunc(spec, s.sweep); err != nil {
		return nil, fmt.Errorf("register cleanup job: %w", err)
	}
	s.cron.Start()
	slog.Info("slot_cleanup_started", "interval_seconds", interval)
	return s, nil
}

func (s *CleanupService) Stop() {
	s.stopOnce.Do(func() {
		ctx := s.cron.Stop()
		<-ctx.Done()
	})
}

func (s *CleanupService) staleThreshold() time.Duration {
	minutes := s.cfg.Gateway.StaleSlotWarnMinutes
	if minutes <= 0 {
		minutes = 5
	}
	return time.Duration(minutes) * time.Minute
}

func (s *CleanupService) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	removed, err := s.cache.CleanupExpired(ctx)
	if err != nil {
		slog.Warn("slot_cleanup_failed", "error", err.Error())
		return
	}
	if removed > 0 {
		slog.Info("slot_cleanup_removed_expired", "count", removed)
	}

	stale, err := s.cache.StaleRecords(ctx, s.staleThreshold())
	if err != nil {
		slog.Warn("slot_stale_scan_failed", "error", err.Error())
		return
	}

	health := ConcurrencyHealth{StaleRecords: len(stale)}
	seen := map[string]bool{}
	now := time.Now()
	for _, record := range stale {
		if !seen[record.OwnerKey] {
			seen[record.OwnerKey] = true
			health.AffectedKeys = append(health.AffectedKeys, record.OwnerKey)
		}
		// score 是到期时间，租约起点 = 到期时间 - 租约时长。
		age := now.Sub(record.ExpireAt.Add(-time.Duration(s.cfg.Gateway.ConcurrencyLeaseMinutes) * time.Minute))
		if minutes := age.Minutes(); minutes > health.OldestAgeMinutes {
			health.OldestAgeMinutes = minutes
		}
	}
	if len(stale) > 0 {
		slog.Warn("slot_stale_records_detected",
			"count", len(stale),
			"affected_keys", len(health.AffectedKeys),
			"oldest_age_minutes", health.OldestAgeMinutes)
	}

	s.mu.Lock()
	s.lastHealth = health
	s.mu.Unlock()
}

// ForceCleanup 管理端强制清理，返回剔除数量。
func (s *CleanupService) ForceCleanup(ctx context.Context) (int64, error) {
	return s.cache.CleanupExpired(ctx)
}

// StaleRecords 管理端查询滞留记录。
func (s *CleanupService) StaleRecords(ctx context.Context, maxAge time.Duration) ([]SlotRecord, error) {
	if maxAge <= 0 {
		maxAge = s.staleThreshold()
	}
	return s.cache.StaleRecords(ctx, maxAge)
}

// Health 返回最近一次清扫的健康摘要。
func (s *CleanupService) Health() ConcurrencyHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHealth
}
