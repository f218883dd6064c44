package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Wei-Shaw/claude-relay/internal/config"
)

func responseCacheConfig(enabled bool, maxBytes int64) *config.Config {
	cfg := &config.Config{}
	cfg.Cache.Enabled = enabled
	cfg.Cache.TTLSeconds = 180
	cfg.Cache.MaxBytes = maxBytes
	return cfg
}

func TestDeriveResponseFingerprint_RequiresKey(t *testing.T) {
	_, err := DeriveResponseFingerprint("", []byte(`{"model":"m"}`))
	require.ErrorIs(t, err, ErrFingerprintWithoutKey)
}

func TestDeriveResponseFingerprint_IgnoresStreamAndMetadata(t *testing.T) {
	base := []byte(`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}],"max_tokens":100}`)
	streamed := []byte(`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}],"max_tokens":100,"stream":true,"metadata":{"user_id":"volatile"}}`)

	fp1, err := DeriveResponseFingerprint("key1", base)
	require.NoError(t, err)
	fp2, err := DeriveResponseFingerprint("key1", streamed)
	require.NoError(t, err)
	require.Equal(t, fp1, fp2)
	require.Len(t, fp1, 32)
}

func TestDeriveResponseFingerprint_SensitiveToRequestFields(t *testing.T) {
	base := []byte(`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}]}`)
	changedModel := []byte(`{"model":"claude-haiku-4-5","messages":[{"role":"user","content":"hi"}]}`)
	changedTemp := []byte(`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}],"temperature":0.7}`)

	fp1, _ := DeriveResponseFingerprint("key1", base)
	fp2, _ := DeriveResponseFingerprint("key1", changedModel)
	fp3, _ := DeriveResponseFingerprint("key1", changedTemp)
	fp4, _ := DeriveResponseFingerprint("key2", base)

	require.NotEqual(t, fp1, fp2)
	require.NotEqual(t, fp1, fp3)
	require.NotEqual(t, fp1, fp4, "fingerprints must not collide across api keys")
}

func TestResponseCacheService_LookupIsOneShot(t *testing.T) {
	cache := newFakeResponseCache()
	svc := NewResponseCacheService(responseCacheConfig(true, 5<<20), cache)
	ctx := context.Background()

	svc.StoreDelayedSuccess(ctx, "fp1", &CachedResponse{
		StatusCode: 200,
		Body:       []byte(`{"id":"msg_01"}`),
		AccountID:  "acc1",
	})

	hit := svc.Lookup(ctx, "fp1")
	require.NotNil(t, hit)
	require.Equal(t, "acc1", hit.AccountID)

	// 命中即删除，第二次查询必须落空。
	require.Nil(t, svc.Lookup(ctx, "fp1"))
}

func TestResponseCacheService_StoreRejectsNon200(t *testing.T) {
	cache := newFakeResponseCache()
	svc := NewResponseCacheService(responseCacheConfig(true, 5<<20), cache)
	ctx := context.Background()

	svc.StoreDelayedSuccess(ctx, "fp1", &CachedResponse{StatusCode: 502, Body: []byte("bad gateway")})
	require.Nil(t, svc.Lookup(ctx, "fp1"))
}

func TestResponseCacheService_StoreRejectsOversized(t *testing.T) {
	cache := newFakeResponseCache()
	svc := NewResponseCacheService(responseCacheConfig(true, 8), cache)
	ctx := context.Background()

	svc.StoreDelayedSuccess(ctx, "fp1", &CachedResponse{StatusCode: 200, Body: []byte("way too large for limit")})
	require.Nil(t, svc.Lookup(ctx, "fp1"))
}

func TestResponseCacheService_DisabledIsNoop(t *testing.T) {
	cache := newFakeResponseCache()
	svc := NewResponseCacheService(responseCacheConfig(false, 5<<20), cache)
	ctx := context.Background()

	svc.StoreDelayedSuccess(ctx, "fp1", &CachedResponse{StatusCode: 200, Body: []byte("x")})
	require.Nil(t, svc.Lookup(ctx, "fp1"))
	require.Empty(t, cache.entries)
}
