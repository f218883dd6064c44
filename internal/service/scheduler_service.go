package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Wei-Shaw/claude-relay/internal/config"
	"github.com/Wei-Shaw/claude-relay/internal/domain"
)

// SchedulerService 账号选择。
//
// 选择顺序：绑定账号、绑定分组、粘性会话命中、全池。候选过滤后按
// priority 升序、lastUsedAt 升序（LRU）排序取头。
type SchedulerService struct {
	accountRepo AccountRepository
	sessions    *SessionService
	concurrency *ConcurrencyService
	cfg         *config.Config
}

func NewSchedulerService(cfg *config.Config, accountRepo AccountRepository, sessions *SessionService, concurrency *ConcurrencyService) *SchedulerService {
	return &SchedulerService{
		accountRepo: accountRepo,
		sessions:    sessions,
		concurrency: concurrency,
		cfg:         cfg,
	}
}

// SelectAccount 为一次请求挑选上游账号。
// excluded 是本次请求已失败过的账号集合。
// lastUsedAt 在选定时即推进：失败或零用量的尝试同样参与 LRU 平局。
func (s *SchedulerService) SelectAccount(ctx context.Context, key *APIKey, fingerprint, requestedModel string, excluded map[string]struct{}, body []byte) (*Account, error) {
	account, err := s.selectAccount(ctx, key, fingerprint, requestedModel, excluded, body)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if err := s.accountRepo.TouchLastUsed(ctx, account.ID, now); err != nil {
		slog.Warn("account_touch_last_used_failed", "account_id", account.ID, "error", err.Error())
	} else {
		account.LastUsedAt = &now
	}
	return account, nil
}

func (s *SchedulerService) selectAccount(ctx context.Context, key *APIKey, fingerprint, requestedModel string, excluded map[string]struct{}, body []byte) (*Account, error) {
	// 绑定到具体账号：不允许换号，粘性映射也不参与。
	if key.ClaudeAccountID != "" {
		if groupID, ok := IsPinnedToGroup(key.ClaudeAccountID); ok {
			return s.selectFromGroup(ctx, key, groupID, fingerprint, requestedModel, excluded, body)
		}
		return s.selectPinned(ctx, key.ClaudeAccountID, requestedModel, excluded)
	}

	// 粘性会话命中。
	if fingerprint != "" {
		if account := s.trySticky(ctx, fingerprint, requestedModel, excluded, body); account != nil {
			return account, nil
		}
	}

	// 全池选择。
	accounts, err := s.accountRepo.List(ctx, AccountFilter{Platforms: domain.ClaudePlatformList()})
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	account := s.pickBest(ctx, accounts, requestedModel, excluded, body)
	if account == nil {
		return nil, ErrNoAvailableAccount
	}
	s.bindSticky(ctx, fingerprint, account.ID)
	return account, nil
}

func (s *SchedulerService) selectPinned(ctx context.Context, accountID, requestedModel string, excluded map[string]struct{}) (*Account, error) {
	account, err := s.accountRepo.GetByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load pinned account: %w", err)
	}
	if _, skip := excluded[account.ID]; skip {
		return nil, fmt.Errorf("%w: pinned account already failed", ErrNoAvailableAccount)
	}
	if !account.IsCandidate() {
		return nil, fmt.Errorf("%w: pinned account unavailable (status=%s)", ErrNoAvailableAccount, account.Status)
	}
	if !account.IsModelSupported(requestedModel) {
		return nil, fmt.Errorf("%w: pinned account", ErrModelNotSupported)
	}
	if !s.concurrency.HasFreeSlot(ctx, account) {
		return nil, ErrAccountConcurrencyExceeded
	}
	return account, nil
}

func (s *SchedulerService) selectFromGroup(ctx context.Context, key *APIKey, groupID, fingerprint, requestedModel string, excluded map[string]struct{}, body []byte) (*Account, error) {
	if fingerprint != "" {
		if account := s.trySticky(ctx, fingerprint, requestedModel, excluded, body); account != nil && account.GroupID == groupID {
			return account, nil
		}
	}
	accounts, err := s.accountRepo.List(ctx, AccountFilter{GroupID: groupID})
	if err != nil {
		return nil, fmt.Errorf("list group accounts: %w", err)
	}
	account := s.pickBest(ctx, accounts, requestedModel, excluded, body)
	if account == nil {
		return nil, fmt.Errorf("%w: group %s", ErrNoAvailableAccount, groupID)
	}
	s.bindSticky(ctx, fingerprint, account.ID)
	return account, nil
}

// trySticky 尝试复用粘性映射的账号。账号不可用或并发等待超时后解绑。
func (s *SchedulerService) trySticky(ctx context.Context, fingerprint, requestedModel string, excluded map[string]struct{}, body []byte) *Account {
	accountID := s.sessions.GetAccountID(ctx, fingerprint)
	if accountID == "" {
		return nil
	}
	if _, skip := excluded[accountID]; skip {
		return nil
	}

	account, err := s.accountRepo.GetByID(ctx, accountID)
	if err != nil || account == nil {
		s.sessions.Unbind(ctx, fingerprint)
		return nil
	}
	if !account.IsCandidate() || !account.IsModelSupported(requestedModel) {
		s.sessions.Unbind(ctx, fingerprint)
		return nil
	}
	if !s.passesSessionIDLimit(ctx, account, body) {
		return nil
	}

	if s.concurrency.HasFreeSlot(ctx, account) {
		return account
	}
	if s.waitForSlot(ctx, account) {
		return account
	}

	// 有界等待用尽仍然满载：解绑并让上层重新选号。
	slog.Info("sticky_wait_exhausted", "account_id", account.ID, "fingerprint", fingerprint)
	s.sessions.Unbind(ctx, fingerprint)
	return nil
}

// waitForSlot 粘性账号并发已满时的有界等待。
func (s *SchedulerService) waitForSlot(ctx context.Context, account *Account) bool {
	sticky := s.cfg.Session.StickyConcurrency
	if !sticky.WaitEnabled {
		return false
	}
	deadline := time.Now().Add(sticky.MaxWait())
	ticker := time.NewTicker(sticky.PollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if time.Now().After(deadline) {
				return false
			}
			if s.concurrency.HasFreeSlot(ctx, account) {
				return true
			}
		}
	}
}

// pickBest 过滤 + 排序取最优账号。
func (s *SchedulerService) pickBest(ctx context.Context, accounts []*Account, requestedModel string, excluded map[string]struct{}, body []byte) *Account {
	candidates := make([]*Account, 0, len(accounts))
	for _, account := range accounts {
		if _, skip := excluded[account.ID]; skip {
			continue
		}
		if !account.IsCandidate() {
			continue
		}
		if !account.IsModelSupported(requestedModel) {
			continue
		}
		if !s.passesSessionIDLimit(ctx, account, body) {
			continue
		}
		if !s.concurrency.HasFreeSlot(ctx, account) {
			continue
		}
		candidates = append(candidates, account)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return lastUsedUnix(candidates[i]) < lastUsedUnix(candidates[j])
	})
	return candidates[0]
}

// passesSessionIDLimit 账号会话数量限制：窗口内已服务的去重会话数达到
// 上限且当前会话不在其中时跳过该账号。
func (s *SchedulerService) passesSessionIDLimit(ctx context.Context, account *Account, body []byte) bool {
	if !account.SessionIDLimitEnabled || account.SessionIDMaxCount <= 0 {
		return true
	}
	sessionID := ExtractSessionID(body)
	if sessionID == "" {
		return true
	}
	count, err := s.accountRepo.CountSessionIDs(ctx, account.ID, account.SessionIDWindow())
	if err != nil {
		slog.Warn("session_id_count_failed", "account_id", account.ID, "error", err.Error())
		return true
	}
	if count < int64(account.SessionIDMaxCount) {
		return true
	}
	// 已达上限：只有已在台账内的会话才放行。
	known, err := s.accountRepo.HasSessionID(ctx, account.ID, sessionID, account.SessionIDWindow())
	if err != nil {
		return true
	}
	return known
}

// RecordSessionID 选定账号后登记本次会话。
func (s *SchedulerService) RecordSessionID(ctx context.Context, account *Account, body []byte) {
	if account == nil || !account.SessionIDLimitEnabled {
		return
	}
	sessionID := ExtractSessionID(body)
	if sessionID == "" {
		return
	}
	if err := s.accountRepo.AddSessionID(ctx, account.ID, sessionID, account.SessionIDWindow()); err != nil {
		slog.Warn("session_id_record_failed", "account_id", account.ID, "error", err.Error())
	}
}

// BindSession 暴露给网关：选号成功后建立粘性映射。
func (s *SchedulerService) BindSession(ctx context.Context, fingerprint, accountID string) {
	s.bindSticky(ctx, fingerprint, accountID)
}

// UnbindSession 暴露给网关：账号失败切换时删除映射。
func (s *SchedulerService) UnbindSession(ctx context.Context, fingerprint string) {
	s.sessions.Unbind(ctx, fingerprint)
}

func (s *SchedulerService) bindSticky(ctx context.Context, fingerprint, accountID string) {
	if fingerprint == "" || accountID == "" {
		return
	}
	s.sessions.Bind(ctx, fingerprint, accountID)
}

func lastUsedUnix(a *Account) int64 {
	if a.LastUsedAt == nil {
		return 0
	}
	return a.LastUsedAt.UnixMilli()
}
