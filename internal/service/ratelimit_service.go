package service

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Wei-Shaw/claude-relay/internal/config"
	"github.com/Wei-Shaw/claude-relay/internal/domain"
)

// RateLimitService 账号健康状态机。
//
// 上游错误驱动状态迁移，非 active 状态通过时间轮自动恢复（401/403
// 除外，那两类要人工处理）。恢复时清空错误台账并重新置为可调度。
type RateLimitService struct {
	accountRepo AccountRepository
	wheel       *TimingWheelService
	cfg         *config.Config
}

func NewRateLimitService(cfg *config.Config, accountRepo AccountRepository, wheel *TimingWheelService) *RateLimitService {
	return &RateLimitService{accountRepo: accountRepo, wheel: wheel, cfg: cfg}
}

func (s *RateLimitService) serverErrorWindow() time.Duration {
	minutes := s.cfg.Retry.ServerErrorWindowMinutes
	if minutes <= 0 {
		minutes = 5
	}
	return time.Duration(minutes) * time.Minute
}

func (s *RateLimitService) serverErrorThreshold() int64 {
	if s.cfg.Retry.ServerErrorThreshold <= 0 {
		return 3
	}
	return int64(s.cfg.Retry.ServerErrorThreshold)
}

func (s *RateLimitService) streamTimeoutThreshold() int64 {
	if s.cfg.Retry.StreamTimeoutThreshold <= 0 {
		return 2
	}
	return int64(s.cfg.Retry.StreamTimeoutThreshold)
}

func (s *RateLimitService) tempErrorRecover() time.Duration {
	minutes := s.cfg.Retry.TempErrorRecoverMinutes
	if minutes <= 0 {
		minutes = 6
	}
	return time.Duration(minutes) * time.Minute
}

func (s *RateLimitService) overloadedRecover() time.Duration {
	minutes := s.cfg.Retry.OverloadedRecoverMinutes
	if minutes <= 0 {
		minutes = 10
	}
	return time.Duration(minutes) * time.Minute
}

// HandleUpstreamError 根据上游响应更新账号状态。
// 返回 true 表示账号已被降级（本次请求应换号重试）。
func (s *RateLimitService) HandleUpstreamError(ctx context.Context, account *Account, statusCode int, body []byte, headers http.Header) bool {
	switch {
	case statusCode == http.StatusUnauthorized:
		s.markStatus(ctx, account, domain.StatusUnauthorized, "upstream 401", 0)
		return true

	case statusCode == http.StatusForbidden:
		if isTooManySessions(body) {
			s.markStatus(ctx, account, domain.StatusTempError, "too many sessions", s.tempErrorRecover())
		} else {
			s.markStatus(ctx, account, domain.StatusBlocked, "upstream 403", 0)
		}
		return true

	case statusCode == http.StatusTooManyRequests:
		resetAt := parseRateLimitReset(headers)
		s.markRateLimited(ctx, account, resetAt)
		return true

	case statusCode == 529:
		s.markStatus(ctx, account, domain.StatusOverloaded, "upstream 529", s.overloadedRecover())
		return true

	case statusCode >= 500:
		count, err := s.accountRepo.RecordServerError(ctx, account.ID, s.serverErrorWindow())
		if err != nil {
			slog.Warn("server_error_ledger_failed", "account_id", account.ID, "error", err.Error())
			return false
		}
		slog.Info("account_server_error_recorded",
			"account_id", account.ID,
			"status_code", statusCode,
			"window_count", count)
		if count >= s.serverErrorThreshold() {
			s.markStatus(ctx, account, domain.StatusTempError, "5xx threshold reached", s.tempErrorRecover())
			return true
		}
		return false

	default:
		return false
	}
}

// HandleStreamTimeout 流超时台账。窗口内达到阈值降级为 temp_error。
func (s *RateLimitService) HandleStreamTimeout(ctx context.Context, account *Account, reason string) {
	count, err := s.accountRepo.RecordStreamTimeout(ctx, account.ID, time.Hour)
	if err != nil {
		slog.Warn("stream_timeout_ledger_failed", "account_id", account.ID, "error", err.Error())
		return
	}
	slog.Warn("account_stream_timeout_recorded",
		"account_id", account.ID,
		"reason", reason,
		"window_count", count)
	if count >= s.streamTimeoutThreshold() {
		s.markStatus(ctx, account, domain.StatusTempError, "stream timeout threshold reached", s.tempErrorRecover())
	}
}

// HandleSuccess 成功响应清空 5xx 台账。
func (s *RateLimitService) HandleSuccess(ctx context.Context, account *Account) {
	if err := s.accountRepo.ClearErrorLedgers(ctx, account.ID); err != nil {
		slog.Warn("error_ledger_clear_failed", "account_id", account.ID, "error", err.Error())
	}
}

// Recover 把账号恢复为 active。定时器和管理端共用。
func (s *RateLimitService) Recover(ctx context.Context, accountID string) {
	if err := s.accountRepo.UpdateStatus(ctx, accountID, domain.StatusActive, "", true); err != nil {
		slog.Error("account_recover_failed", "account_id", accountID, "error", err.Error())
		return
	}
	if err := s.accountRepo.ClearErrorLedgers(ctx, accountID); err != nil {
		slog.Warn("error_ledger_clear_failed", "account_id", accountID, "error", err.Error())
	}
	_ = s.accountRepo.SetRateLimitResetAt(ctx, accountID, nil)
	slog.Info("account_recovered", "account_id", accountID)
}

func (s *RateLimitService) markStatus(ctx context.Context, account *Account, status, reason string, recoverAfter time.Duration) {
	if err := s.accountRepo.UpdateStatus(ctx, account.ID, status, reason, false); err != nil {
		slog.Error("account_status_update_failed",
			"account_id", account.ID,
			"status", status,
			"error", err.Error())
		return
	}
	slog.Warn("account_status_changed",
		"account_id", account.ID,
		"status", status,
		"reason", reason,
		"auto_recover", recoverAfter > 0)

	if recoverAfter > 0 {
		accountID := account.ID
		s.wheel.Schedule("account_recover:"+accountID, recoverAfter, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			s.Recover(ctx, accountID)
		})
	}
}

func (s *RateLimitService) markRateLimited(ctx context.Context, account *Account, resetAt time.Time) {
	if err := s.accountRepo.UpdateStatus(ctx, account.ID, domain.StatusRateLimited, "upstream 429", false); err != nil {
		slog.Error("account_status_update_failed", "account_id", account.ID, "error", err.Error())
		return
	}
	if err := s.accountRepo.SetRateLimitResetAt(ctx, account.ID, &resetAt); err != nil {
		slog.Warn("rate_limit_reset_write_failed", "account_id", account.ID, "error", err.Error())
	}
	delay := time.Until(resetAt)
	if delay <= 0 {
		delay = time.Minute
	}
	slog.Warn("account_status_changed",
		"account_id", account.ID,
		"status", domain.StatusRateLimited,
		"reset_at", resetAt.Format(time.RFC3339))

	accountID := account.ID
	s.wheel.Schedule("account_recover:"+accountID, delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.Recover(ctx, accountID)
	})
}

// parseRateLimitReset 解析 429 响应头里的重置时间。
// 优先 anthropic-ratelimit-unified-reset（unix 秒），其次 retry-after，
// 都没有按 1 小时兜底。
func parseRateLimitReset(headers http.Header) time.Time {
	if headers != nil {
		if v := headers.Get("anthropic-ratelimit-unified-reset"); v != "" {
			if unix, err := strconv.ParseInt(v, 10, 64); err == nil && unix > 0 {
				return time.Unix(unix, 0)
			}
		}
		if v := headers.Get("retry-after"); v != "" {
			if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
				return time.Now().Add(time.Duration(seconds) * time.Second)
			}
		}
	}
	return time.Now().Add(time.Hour)
}

func isTooManySessions(body []byte) bool {
	return strings.Contains(strings.ToLower(string(body)), "too many") &&
		strings.Contains(strings.ToLower(string(body)), "session")
}
