package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"

	"github.com/Wei-Shaw/claude-relay/internal/config"
)

// ErrInvalidAPIKey 身份校验失败（不存在 / 禁用 / 过期）。
var ErrInvalidAPIKey = errors.New("invalid api key")

// AuthService API key 身份解析。
//
// 热路径每个请求都要查一次 key，所以挂 ristretto L1；同 key 并发
// miss 用 singleflight 合并，避免穿透打爆存储。
type AuthService struct {
	keyRepo   APIKeyRepository
	concCache ConcurrencyCache
	cfg       *config.Config

	l1 *ristretto.Cache
	sf singleflight.Group
}

func NewAuthService(cfg *config.Config, keyRepo APIKeyRepository, concCache ConcurrencyCache) (*AuthService, error) {
	size := cfg.AuthCache.L1Size
	if size <= 0 {
		size = 10_000
	}
	l1, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(size) * 10,
		MaxCost:     int64(size),
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("init auth l1 cache: %w", err)
	}
	return &AuthService{keyRepo: keyRepo, concCache: concCache, cfg: cfg, l1: l1}, nil
}

func (s *AuthService) l1TTL() time.Duration {
	if s.cfg.AuthCache.L1TTLSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.cfg.AuthCache.L1TTLSeconds) * time.Second
}

// Authenticate 解析 key 材料并校验有效性。
func (s *AuthService) Authenticate(ctx context.Context, rawKey string) (*APIKey, error) {
	if !IsWellFormedAPIKey(rawKey) {
		return nil, ErrInvalidAPIKey
	}
	keyHash := HashAPIKey(rawKey)

	if v, ok := s.l1.Get(keyHash); ok {
		if key, ok := v.(*APIKey); ok {
			return s.validate(key)
		}
	}

	lookup := func() (any, error) {
		key, err := s.keyRepo.GetByHash(ctx, keyHash)
		if err != nil {
			return nil, err
		}
		return key, nil
	}
	var result any
	var err error
	if s.cfg.AuthCache.Singleflight {
		result, err, _ = s.sf.Do(keyHash, lookup)
	} else {
		result, err = lookup()
	}
	if err != nil {
		return nil, fmt.Errorf("lookup api key: %w", err)
	}
	key, _ := result.(*APIKey)
	if key == nil {
		return nil, ErrInvalidAPIKey
	}

	s.l1.SetWithTTL(keyHash, key, 1, s.l1TTL())
	return s.validate(key)
}

func (s *AuthService) validate(key *APIKey) (*APIKey, error) {
	if !key.IsActive() {
		return nil, ErrInvalidAPIKey
	}
	return key, nil
}

// CheckRateWindow 滑动窗口限速。超限返回 ErrRateLimitExceeded。
func (s *AuthService) CheckRateWindow(ctx context.Context, key *APIKey) error {
	if key.RateLimitRequests <= 0 {
		return nil
	}
	count, err := s.concCache.IncrementRateWindow(ctx, key.ID, key.RateLimitWindow())
	if err != nil {
		return fmt.Errorf("rate window increment: %w", err)
	}
	if count > int64(key.RateLimitRequests) {
		return fmt.Errorf("%w: %d requests in window (limit %d)", ErrRateLimitExceeded, count, key.RateLimitRequests)
	}
	return nil
}

// Invalidate 管理端改动 key 后清掉 L1 条目。
func (s *AuthService) Invalidate(rawKeyHash string) {
	s.l1.Del(rawKeyHash)
}
