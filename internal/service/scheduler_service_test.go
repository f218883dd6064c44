package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Wei-Shaw/claude-relay/internal/config"
	"github.com/Wei-Shaw/claude-relay/internal/domain"
)

func schedulerFixture(t *testing.T, accounts ...*Account) (*SchedulerService, *fakeAccountRepo, *fakeSessionCache, *fakeConcurrencyCache) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Session.StickyTTLHours = 1
	cfg.Session.StickyConcurrency.WaitEnabled = false

	repo := newFakeAccountRepo(accounts...)
	sessionCache := newFakeSessionCache()
	concCache := newFakeConcurrencyCache()
	sessions := NewSessionService(cfg, sessionCache)
	concurrency := NewConcurrencyService(cfg, concCache)
	return NewSchedulerService(cfg, repo, sessions, concurrency), repo, sessionCache, concCache
}

func activeAccount(id string, priority int) *Account {
	return &Account{
		ID:          id,
		Platform:    domain.PlatformOfficial,
		Status:      domain.StatusActive,
		Schedulable: true,
		Priority:    priority,
	}
}

func TestSelectAccount_PriorityThenLRU(t *testing.T) {
	older := time.Now().Add(-2 * time.Hour)
	newer := time.Now().Add(-time.Minute)

	a := activeAccount("a", 2)
	b := activeAccount("b", 1)
	b.LastUsedAt = &newer
	c := activeAccount("c", 1)
	c.LastUsedAt = &older

	scheduler, _, _, _ := schedulerFixture(t, a, b, c)
	key := &APIKey{ID: "k1"}

	picked, err := scheduler.SelectAccount(context.Background(), key, "", "claude-sonnet-4-5", nil, nil)
	require.NoError(t, err)
	// 同优先级取最久未用的。
	require.Equal(t, "c", picked.ID)
}

func TestSelectAccount_TouchesLastUsedAtSelection(t *testing.T) {
	older := time.Now().Add(-2 * time.Hour)
	a := activeAccount("a", 1)
	a.LastUsedAt = &older
	b := activeAccount("b", 1)
	b.LastUsedAt = &older

	scheduler, repo, _, _ := schedulerFixture(t, a, b)
	ctx := context.Background()
	key := &APIKey{ID: "k1"}

	first, err := scheduler.SelectAccount(ctx, key, "", "claude-sonnet-4-5", nil, nil)
	require.NoError(t, err)
	// 选定即推进 lastUsedAt，不等用量记账。
	require.NotNil(t, first.LastUsedAt)
	require.True(t, first.LastUsedAt.After(older))

	stored, err := repo.GetByID(ctx, first.ID)
	require.NoError(t, err)
	require.True(t, stored.LastUsedAt.After(older))

	// 失败或零用量的尝试同样占用 LRU 名额：下次选另一个账号。
	second, err := scheduler.SelectAccount(ctx, key, "", "claude-sonnet-4-5", nil, nil)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
}

func TestSelectAccount_SkipsExcludedAndUnavailable(t *testing.T) {
	a := activeAccount("a", 1)
	b := activeAccount("b", 2)
	blocked := &Account{ID: "x", Status: domain.StatusBlocked}

	scheduler, _, _, _ := schedulerFixture(t, a, b, blocked)
	key := &APIKey{ID: "k1"}
	excluded := map[string]struct{}{"a": {}}

	picked, err := scheduler.SelectAccount(context.Background(), key, "", "claude-sonnet-4-5", excluded, nil)
	require.NoError(t, err)
	require.Equal(t, "b", picked.ID)
}

func TestSelectAccount_NoCandidate(t *testing.T) {
	blocked := &Account{ID: "x", Status: domain.StatusBlocked}
	scheduler, _, _, _ := schedulerFixture(t, blocked)

	_, err := scheduler.SelectAccount(context.Background(), &APIKey{ID: "k1"}, "", "claude-sonnet-4-5", nil, nil)
	require.ErrorIs(t, err, ErrNoAvailableAccount)
}

func TestSelectAccount_ModelAllowList(t *testing.T) {
	restricted := activeAccount("a", 1)
	restricted.SupportedModels = []string{"claude-haiku-4-5"}
	open := activeAccount("b", 2)

	scheduler, _, _, _ := schedulerFixture(t, restricted, open)

	picked, err := scheduler.SelectAccount(context.Background(), &APIKey{ID: "k1"}, "", "claude-sonnet-4-5", nil, nil)
	require.NoError(t, err)
	require.Equal(t, "b", picked.ID)
}

func TestSelectAccount_SkipsFullAccount(t *testing.T) {
	full := activeAccount("a", 1)
	full.MaxConcurrentTasks = 1
	free := activeAccount("b", 2)

	scheduler, _, _, concCache := schedulerFixture(t, full, free)
	ok, err := concCache.AcquireAccountSlot(context.Background(), "a", "req1", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	picked, err := scheduler.SelectAccount(context.Background(), &APIKey{ID: "k1"}, "", "claude-sonnet-4-5", nil, nil)
	require.NoError(t, err)
	require.Equal(t, "b", picked.ID)
}

func TestSelectAccount_StickyHit(t *testing.T) {
	a := activeAccount("a", 5)
	b := activeAccount("b", 1)
	scheduler, _, _, _ := schedulerFixture(t, a, b)
	ctx := context.Background()

	// 先绑定低优先级账号，粘性命中应无视优先级排序。
	scheduler.BindSession(ctx, "fp1", "a")
	picked, err := scheduler.SelectAccount(ctx, &APIKey{ID: "k1"}, "fp1", "claude-sonnet-4-5", nil, nil)
	require.NoError(t, err)
	require.Equal(t, "a", picked.ID)
}

func TestSelectAccount_StickyUnbindsWhenUnavailable(t *testing.T) {
	dead := &Account{ID: "a", Status: domain.StatusBlocked}
	alive := activeAccount("b", 1)
	scheduler, _, sessionCache, _ := schedulerFixture(t, dead, alive)
	ctx := context.Background()

	scheduler.BindSession(ctx, "fp1", "a")
	picked, err := scheduler.SelectAccount(ctx, &APIKey{ID: "k1"}, "fp1", "claude-sonnet-4-5", nil, nil)
	require.NoError(t, err)
	require.Equal(t, "b", picked.ID)
	require.Contains(t, sessionCache.deleted, "fp1")

	// 新账号接管粘性映射。
	mapping, err := sessionCache.GetMapping(ctx, "fp1")
	require.NoError(t, err)
	require.NotNil(t, mapping)
	require.Equal(t, "b", mapping.AccountID)
}

func TestSelectAccount_StickyExcludedFallsThrough(t *testing.T) {
	a := activeAccount("a", 1)
	b := activeAccount("b", 2)
	scheduler, _, _, _ := schedulerFixture(t, a, b)
	ctx := context.Background()

	scheduler.BindSession(ctx, "fp1", "a")
	picked, err := scheduler.SelectAccount(ctx, &APIKey{ID: "k1"}, "fp1", "claude-sonnet-4-5", map[string]struct{}{"a": {}}, nil)
	require.NoError(t, err)
	require.Equal(t, "b", picked.ID)
}

func TestSelectAccount_PinnedAccount(t *testing.T) {
	pinned := activeAccount("a", 1)
	other := activeAccount("b", 0)
	scheduler, _, _, _ := schedulerFixture(t, pinned, other)
	ctx := context.Background()
	key := &APIKey{ID: "k1", ClaudeAccountID: "a"}

	picked, err := scheduler.SelectAccount(ctx, key, "", "claude-sonnet-4-5", nil, nil)
	require.NoError(t, err)
	require.Equal(t, "a", picked.ID)

	// 绑定账号失败过：不换号，直接无可用账号。
	_, err = scheduler.SelectAccount(ctx, key, "", "claude-sonnet-4-5", map[string]struct{}{"a": {}}, nil)
	require.ErrorIs(t, err, ErrNoAvailableAccount)

	// 绑定账号不支持模型。
	pinned.SupportedModels = []string{"claude-haiku-4-5"}
	_, err = scheduler.SelectAccount(ctx, key, "", "claude-sonnet-4-5", nil, nil)
	require.ErrorIs(t, err, ErrModelNotSupported)
}

func TestSelectAccount_GroupPin(t *testing.T) {
	inGroup := activeAccount("a", 2)
	inGroup.GroupID = "g1"
	outside := activeAccount("b", 1)
	scheduler, _, _, _ := schedulerFixture(t, inGroup, outside)
	key := &APIKey{ID: "k1", ClaudeAccountID: "group:g1"}

	picked, err := scheduler.SelectAccount(context.Background(), key, "", "claude-sonnet-4-5", nil, nil)
	require.NoError(t, err)
	require.Equal(t, "a", picked.ID)
}

func TestSelectAccount_SessionIDLimit(t *testing.T) {
	capped := activeAccount("a", 1)
	capped.SessionIDLimitEnabled = true
	capped.SessionIDMaxCount = 1
	fallback := activeAccount("b", 2)

	scheduler, repo, _, _ := schedulerFixture(t, capped, fallback)
	ctx := context.Background()

	knownSession := "0c5bb499-6eb5-4718-a4e2-6d9ad2a4e2c0"
	newSession := "1d6cc5aa-7fc6-5829-b5f3-7e0be3b5f3d1"
	require.NoError(t, repo.AddSessionID(ctx, "a", knownSession, time.Hour))

	knownBody := []byte(`{"metadata":{"user_id":"u_account__session_` + knownSession + `"}}`)
	newBody := []byte(`{"metadata":{"user_id":"u_account__session_` + newSession + `"}}`)

	// 已登记会话仍可用满额账号。
	picked, err := scheduler.SelectAccount(ctx, &APIKey{ID: "k1"}, "", "claude-sonnet-4-5", nil, knownBody)
	require.NoError(t, err)
	require.Equal(t, "a", picked.ID)

	// 新会话被挤到后备账号。
	picked, err = scheduler.SelectAccount(ctx, &APIKey{ID: "k2"}, "", "claude-sonnet-4-5", nil, newBody)
	require.NoError(t, err)
	require.Equal(t, "b", picked.ID)
}

func TestRecordSessionID(t *testing.T) {
	capped := activeAccount("a", 1)
	capped.SessionIDLimitEnabled = true
	capped.SessionIDMaxCount = 5
	scheduler, repo, _, _ := schedulerFixture(t, capped)
	ctx := context.Background()

	sessionID := "0c5bb499-6eb5-4718-a4e2-6d9ad2a4e2c0"
	body := []byte(`{"metadata":{"user_id":"u_account__session_` + sessionID + `"}}`)
	scheduler.RecordSessionID(ctx, capped, body)

	known, err := repo.HasSessionID(ctx, "a", sessionID, time.Hour)
	require.NoError(t, err)
	require.True(t, known)
}
