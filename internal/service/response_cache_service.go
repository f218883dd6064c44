package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"

	"github.com/Wei-Shaw/claude-relay/internal/config"
)

// ErrFingerprintWithoutKey 响应缓存指纹必须折入 apiKeyID。
var ErrFingerprintWithoutKey = errors.New("response fingerprint requires api key id")

// responseFingerprintFields 参与请求指纹的字段。
// stream 和 metadata 刻意排除：同一对话的流式/非流式变体必须命中
// 同一份缓存，metadata 含易变的客户端标识。
var responseFingerprintFields = []string{
	"model", "messages", "system", "max_tokens",
	"temperature", "top_p", "top_k", "stop_sequences",
}

// DeriveResponseFingerprint 计算响应缓存 key。
// apiKeyID 为空直接报错，跨租户串台是此处最严重的故障模式。
func DeriveResponseFingerprint(apiKeyID string, body []byte) (string, error) {
	if apiKeyID == "" {
		slog.Error("response_fingerprint_missing_key")
		return "", ErrFingerprintWithoutKey
	}
	h := sha256.New()
	h.Write([]byte(apiKeyID))
	for _, field := range responseFingerprintFields {
		h.Write([]byte{0})
		h.Write([]byte(gjson.GetBytes(body, field).Raw))
	}
	return hex.EncodeToString(h.Sum(nil))[:32], nil
}

// ResponseCacheService 延迟成功响应缓存。
//
// 只缓存"客户端已断开但上游最终 200"的非流式响应：客户端按幂等
// 语义重发同一请求时直接命中，避免重复扣费和重复上游调用。
type ResponseCacheService struct {
	cache ResponseCache
	cfg   *config.Config
}

func NewResponseCacheService(cfg *config.Config, cache ResponseCache) *ResponseCacheService {
	return &ResponseCacheService{cache: cache, cfg: cfg}
}

func (s *ResponseCacheService) enabled() bool {
	return s.cfg.Cache.Enabled
}

func (s *ResponseCacheService) ttl() time.Duration {
	if s.cfg.Cache.TTLSeconds <= 0 {
		return 180 * time.Second
	}
	return time.Duration(s.cfg.Cache.TTLSeconds) * time.Second
}

func (s *ResponseCacheService) maxBytes() int64 {
	if s.cfg.Cache.MaxBytes <= 0 {
		return 5 << 20
	}
	return s.cfg.Cache.MaxBytes
}

// Lookup 查询缓存。命中后立即删除，缓存是一次性的补偿通道。
func (s *ResponseCacheService) Lookup(ctx context.Context, fingerprint string) *CachedResponse {
	if !s.enabled() || fingerprint == "" {
		return nil
	}
	cached, err := s.cache.Get(ctx, fingerprint)
	if err != nil {
		slog.Warn("response_cache_read_failed", "fingerprint", fingerprint, "error", err.Error())
		return nil
	}
	if cached == nil {
		return nil
	}
	if err := s.cache.Delete(ctx, fingerprint); err != nil {
		slog.Warn("response_cache_delete_failed", "fingerprint", fingerprint, "error", err.Error())
	}
	slog.Info("response_cache_hit", "fingerprint", fingerprint, "account_id", cached.AccountID)
	return cached
}

// StoreDelayedSuccess 客户端断开后上游仍成功完成时暂存响应。
// 仅接受 200；超出体积上限放弃。
func (s *ResponseCacheService) StoreDelayedSuccess(ctx context.Context, fingerprint string, resp *CachedResponse) {
	if !s.enabled() || fingerprint == "" || resp == nil {
		return
	}
	if resp.StatusCode != 200 {
		return
	}
	if int64(len(resp.Body)) > s.maxBytes() {
		slog.Warn("response_cache_body_too_large",
			"fingerprint", fingerprint,
			"size", len(resp.Body),
			"limit", s.maxBytes())
		return
	}
	resp.CreatedAt = time.Now()
	if err := s.cache.Set(ctx, fingerprint, resp, s.ttl()); err != nil {
		slog.Warn("response_cache_write_failed", "fingerprint", fingerprint, "error", err.Error())
		return
	}
	slog.Info("response_cache_stored",
		"fingerprint", fingerprint,
		"account_id", resp.AccountID,
		"size", len(resp.Body))
}
