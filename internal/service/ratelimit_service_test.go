package service

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Wei-Shaw/claude-relay/internal/config"
	"github.com/Wei-Shaw/claude-relay/internal/domain"
)

func rateLimitFixture(t *testing.T, accounts ...*Account) (*RateLimitService, *fakeAccountRepo) {
	t.Helper()
	wheel, err := NewTimingWheelService()
	require.NoError(t, err)
	t.Cleanup(wheel.Stop)

	repo := newFakeAccountRepo(accounts...)
	return NewRateLimitService(&config.Config{}, repo, wheel), repo
}

func TestHandleUpstreamError_401MarksUnauthorized(t *testing.T) {
	account := activeAccount("a", 1)
	svc, _ := rateLimitFixture(t, account)

	degraded := svc.HandleUpstreamError(context.Background(), account, http.StatusUnauthorized, nil, nil)
	require.True(t, degraded)
	require.Equal(t, domain.StatusUnauthorized, account.Status)
	require.False(t, account.Schedulable)
}

func TestHandleUpstreamError_403Variants(t *testing.T) {
	plain := activeAccount("a", 1)
	svc, _ := rateLimitFixture(t, plain)
	require.True(t, svc.HandleUpstreamError(context.Background(), plain, http.StatusForbidden, []byte(`{"error":"forbidden"}`), nil))
	require.Equal(t, domain.StatusBlocked, plain.Status)

	sessions := activeAccount("b", 1)
	svc2, _ := rateLimitFixture(t, sessions)
	body := []byte(`{"error":{"message":"Too many active sessions for this account"}}`)
	require.True(t, svc2.HandleUpstreamError(context.Background(), sessions, http.StatusForbidden, body, nil))
	require.Equal(t, domain.StatusTempError, sessions.Status)
}

func TestHandleUpstreamError_429UsesUnifiedResetHeader(t *testing.T) {
	account := activeAccount("a", 1)
	svc, repo := rateLimitFixture(t, account)

	resetUnix := time.Now().Add(30 * time.Minute).Unix()
	headers := http.Header{}
	headers.Set("anthropic-ratelimit-unified-reset", fmt.Sprintf("%d", resetUnix))

	require.True(t, svc.HandleUpstreamError(context.Background(), account, http.StatusTooManyRequests, nil, headers))
	require.Equal(t, domain.StatusRateLimited, account.Status)
	require.NotNil(t, repo.resetAts["a"])
	require.Equal(t, resetUnix, repo.resetAts["a"].Unix())
}

func TestHandleUpstreamError_529MarksOverloaded(t *testing.T) {
	account := activeAccount("a", 1)
	svc, _ := rateLimitFixture(t, account)

	require.True(t, svc.HandleUpstreamError(context.Background(), account, 529, nil, nil))
	require.Equal(t, domain.StatusOverloaded, account.Status)
}

func TestHandleUpstreamError_5xxThreshold(t *testing.T) {
	account := activeAccount("a", 1)
	svc, _ := rateLimitFixture(t, account)
	ctx := context.Background()

	// 默认阈值 3：前两次不降级。
	require.False(t, svc.HandleUpstreamError(ctx, account, 500, nil, nil))
	require.Equal(t, domain.StatusActive, account.Status)
	require.False(t, svc.HandleUpstreamError(ctx, account, 502, nil, nil))
	require.Equal(t, domain.StatusActive, account.Status)

	require.True(t, svc.HandleUpstreamError(ctx, account, 503, nil, nil))
	require.Equal(t, domain.StatusTempError, account.Status)
}

func TestHandleStreamTimeout_Threshold(t *testing.T) {
	account := activeAccount("a", 1)
	svc, _ := rateLimitFixture(t, account)
	ctx := context.Background()

	svc.HandleStreamTimeout(ctx, account, domain.TimeoutReasonIdle)
	require.Equal(t, domain.StatusActive, account.Status)

	svc.HandleStreamTimeout(ctx, account, domain.TimeoutReasonTotal)
	require.Equal(t, domain.StatusTempError, account.Status)
}

func TestHandleSuccess_ClearsLedgers(t *testing.T) {
	account := activeAccount("a", 1)
	svc, repo := rateLimitFixture(t, account)
	ctx := context.Background()

	require.False(t, svc.HandleUpstreamError(ctx, account, 500, nil, nil))
	svc.HandleSuccess(ctx, account)
	require.Contains(t, repo.cleared, "a")

	// 台账清零后重新累计。
	require.False(t, svc.HandleUpstreamError(ctx, account, 500, nil, nil))
	require.Equal(t, domain.StatusActive, account.Status)
}

func TestRecover_RestoresActive(t *testing.T) {
	account := activeAccount("a", 1)
	svc, repo := rateLimitFixture(t, account)
	ctx := context.Background()

	require.True(t, svc.HandleUpstreamError(ctx, account, 529, nil, nil))
	svc.Recover(ctx, "a")

	require.Equal(t, domain.StatusActive, account.Status)
	require.True(t, account.Schedulable)
	require.Nil(t, repo.resetAts["a"])
	require.Contains(t, repo.cleared, "a")
}

func TestParseRateLimitReset(t *testing.T) {
	resetUnix := time.Now().Add(10 * time.Minute).Unix()
	headers := http.Header{}
	headers.Set("anthropic-ratelimit-unified-reset", fmt.Sprintf("%d", resetUnix))
	require.Equal(t, resetUnix, parseRateLimitReset(headers).Unix())

	headers = http.Header{}
	headers.Set("retry-after", "120")
	got := parseRateLimitReset(headers)
	require.WithinDuration(t, time.Now().Add(2*time.Minute), got, 5*time.Second)

	// 都没有按 1 小时兜底。
	got = parseRateLimitReset(http.Header{})
	require.WithinDuration(t, time.Now().Add(time.Hour), got, 5*time.Second)

	got = parseRateLimitReset(nil)
	require.WithinDuration(t, time.Now().Add(time.Hour), got, 5*time.Second)
}
