package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Wei-Shaw/claude-relay/internal/service"
)

// accountIndexKey id → platform 索引。账号主键含平台段，
// 仅有 id 的调用方靠它定位完整 key。
const accountIndexKey = "account_index"

// ErrAccountNotFound 账号不存在。
var ErrAccountNotFound = errors.New("account not found")

type accountRepo struct {
	rdb *redis.Client
}

func NewAccountRepository(rdb *redis.Client) service.AccountRepository {
	return &accountRepo{rdb: rdb}
}

func (r *accountRepo) resolveKey(ctx context.Context, id string) (key, platform string, err error) {
	platform, err = r.rdb.HGet(ctx, accountIndexKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", ErrAccountNotFound
	}
	if err != nil {
		return "", "", err
	}
	return accountKey(platform, id), platform, nil
}

func (r *accountRepo) Create(ctx context.Context, account *service.Account) error {
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	now := time.Now()
	account.CreatedAt = now
	account.UpdatedAt = now

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, accountKey(account.Platform, account.ID), accountFields(account))
	pipe.HSet(ctx, accountIndexKey, account.ID, account.Platform)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *accountRepo) Update(ctx context.Context, account *service.Account) error {
	key, _, err := r.resolveKey(ctx, account.ID)
	if err != nil {
		return err
	}
	account.UpdatedAt = time.Now()
	return r.rdb.HSet(ctx, key, accountFields(account)).Err()
}

func (r *accountRepo) Delete(ctx context.Context, id string) error {
	key, platform, err := r.resolveKey(ctx, id)
	if err != nil {
		return err
	}
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, key,
		accountServerErrorKey(platform, id),
		accountStreamTimeoutKey(platform, id),
		accountSessionIDKey(platform, id),
		accountSlowResponseKey(platform, id))
	pipe.HDel(ctx, accountIndexKey, id)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *accountRepo) GetByID(ctx context.Context, id string) (*service.Account, error) {
	key, _, err := r.resolveKey(ctx, id)
	if err != nil {
		return nil, err
	}
	fields, err := r.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrAccountNotFound
	}
	return accountFromFields(fields)
}

func (r *accountRepo) List(ctx context.Context, filter service.AccountFilter) ([]*service.Account, error) {
	var accounts []*service.Account
	var cursor uint64
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, accountKeyPrefix+"*", 200).Result()
		if err != nil {
			return nil, fmt.Errorf("scan accounts: %w", err)
		}
		for _, key := range keys {
			// 台账 key 与账号 hash 共享前缀，必须剔除。
			if isAccountAuxKey(key) {
				continue
			}
			fields, err := r.rdb.HGetAll(ctx, key).Result()
			if err != nil || len(fields) == 0 {
				continue
			}
			account, err := accountFromFields(fields)
			if err != nil {
				continue
			}
			if matchesFilter(account, filter) {
				accounts = append(accounts, account)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return accounts, nil
}

func matchesFilter(account *service.Account, filter service.AccountFilter) bool {
	if len(filter.Platforms) > 0 {
		ok := false
		for _, p := range filter.Platforms {
			if account.Platform == p {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if filter.GroupID != "" && account.GroupID != filter.GroupID {
		return false
	}
	if filter.Status != "" && account.Status != filter.Status {
		return false
	}
	return true
}

func (r *accountRepo) UpdateStatus(ctx context.Context, id, status, reason string, schedulable bool) error {
	key, _, err := r.resolveKey(ctx, id)
	if err != nil {
		return err
	}
	return r.rdb.HSet(ctx, key, map[string]any{
		"status":        status,
		"status_reason": reason,
		"schedulable":   strconv.FormatBool(schedulable),
		"updated_at":    time.Now().Format(time.RFC3339Nano),
	}).Err()
}

func (r *accountRepo) SetRateLimitResetAt(ctx context.Context, id string, resetAt *time.Time) error {
	key, _, err := r.resolveKey(ctx, id)
	if err != nil {
		return err
	}
	if resetAt == nil {
		return r.rdb.HDel(ctx, key, "rate_limit_reset_at").Err()
	}
	return r.rdb.HSet(ctx, key, "rate_limit_reset_at", resetAt.Format(time.RFC3339Nano)).Err()
}

func (r *accountRepo) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	key, _, err := r.resolveKey(ctx, id)
	if err != nil {
		return err
	}
	return r.rdb.HSet(ctx, key, "last_used_at", at.Format(time.RFC3339Nano)).Err()
}

// recordLedger zset 台账通用写入：记一笔、修剪窗口、返回窗口内计数。
func (r *accountRepo) recordLedger(ctx context.Context, ledgerKey string, window time.Duration) (int64, error) {
	now := time.Now()
	windowStart := now.Add(-window).UnixMilli()

	pipe := r.rdb.TxPipeline()
	pipe.ZAdd(ctx, ledgerKey, redis.Z{Score: float64(now.UnixMilli()), Member: uuid.NewString()})
	pipe.ZRemRangeByScore(ctx, ledgerKey, "-inf", strconv.FormatInt(windowStart, 10))
	count := pipe.ZCard(ctx, ledgerKey)
	pipe.Expire(ctx, ledgerKey, window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return count.Val(), nil
}

func (r *accountRepo) RecordServerError(ctx context.Context, id string, window time.Duration) (int64, error) {
	_, platform, err := r.resolveKey(ctx, id)
	if err != nil {
		return 0, err
	}
	return r.recordLedger(ctx, accountServerErrorKey(platform, id), window)
}

func (r *accountRepo) RecordStreamTimeout(ctx context.Context, id string, window time.Duration) (int64, error) {
	_, platform, err := r.resolveKey(ctx, id)
	if err != nil {
		return 0, err
	}
	return r.recordLedger(ctx, accountStreamTimeoutKey(platform, id), window)
}

func (r *accountRepo) RecordSlowResponse(ctx context.Context, id string, window time.Duration) (int64, error) {
	_, platform, err := r.resolveKey(ctx, id)
	if err != nil {
		return 0, err
	}
	return r.recordLedger(ctx, accountSlowResponseKey(platform, id), window)
}

func (r *accountRepo) ClearErrorLedgers(ctx context.Context, id string) error {
	_, platform, err := r.resolveKey(ctx, id)
	if err != nil {
		return err
	}
	return r.rdb.Del(ctx,
		accountServerErrorKey(platform, id),
		accountStreamTimeoutKey(platform, id)).Err()
}

func (r *accountRepo) CountSessionIDs(ctx context.Context, id string, window time.Duration) (int64, error) {
	_, platform, err := r.resolveKey(ctx, id)
	if err != nil {
		return 0, err
	}
	key := accountSessionIDKey(platform, id)
	windowStart := strconv.FormatInt(time.Now().Add(-window).UnixMilli(), 10)
	if err := r.rdb.ZRemRangeByScore(ctx, key, "-inf", windowStart).Err(); err != nil {
		return 0, err
	}
	return r.rdb.ZCard(ctx, key).Result()
}

func (r *accountRepo) HasSessionID(ctx context.Context, id, sessionID string, window time.Duration) (bool, error) {
	_, platform, err := r.resolveKey(ctx, id)
	if err != nil {
		return false, err
	}
	key := accountSessionIDKey(platform, id)
	score, err := r.rdb.ZScore(ctx, key, sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return int64(score) >= time.Now().Add(-window).UnixMilli(), nil
}

func (r *accountRepo) AddSessionID(ctx context.Context, id, sessionID string, window time.Duration) error {
	_, platform, err := r.resolveKey(ctx, id)
	if err != nil {
		return err
	}
	key := accountSessionIDKey(platform, id)
	pipe := r.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(time.Now().UnixMilli()), Member: sessionID})
	pipe.Expire(ctx, key, window+time.Minute)
	_, err = pipe.Exec(ctx)
	return err
}

// ---------------------------------------------------------------------------
// hash 序列化

func accountFields(a *service.Account) map[string]any {
	fields := map[string]any{
		"id":                        a.ID,
		"platform":                  a.Platform,
		"name":                      a.Name,
		"access_token":              a.AccessToken,
		"api_key":                   a.APIKey,
		"base_url":                  a.BaseURL,
		"priority":                  a.Priority,
		"status":                    a.Status,
		"status_reason":             a.StatusReason,
		"schedulable":               strconv.FormatBool(a.Schedulable),
		"max_concurrent_tasks":      a.MaxConcurrentTasks,
		"session_id_limit_enabled":  strconv.FormatBool(a.SessionIDLimitEnabled),
		"session_id_max_count":      a.SessionIDMaxCount,
		"session_id_window_minutes": a.SessionIDWindowMinutes,
		"model_suffix_tag":          a.ModelSuffixTag,
		"group_id":                  a.GroupID,
		"created_at":                a.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":                a.UpdatedAt.Format(time.RFC3339Nano),
	}
	if a.RateMultiplier != nil {
		fields["rate_multiplier"] = strconv.FormatFloat(*a.RateMultiplier, 'f', -1, 64)
	}
	if len(a.SupportedModels) > 0 {
		if raw, err := json.Marshal(a.SupportedModels); err == nil {
			fields["supported_models"] = string(raw)
		}
	}
	if a.Proxy != nil {
		if raw, err := json.Marshal(a.Proxy); err == nil {
			fields["proxy"] = string(raw)
		}
	}
	if a.LastUsedAt != nil {
		fields["last_used_at"] = a.LastUsedAt.Format(time.RFC3339Nano)
	}
	if a.RateLimitResetAt != nil {
		fields["rate_limit_reset_at"] = a.RateLimitResetAt.Format(time.RFC3339Nano)
	}
	return fields
}

func accountFromFields(fields map[string]string) (*service.Account, error) {
	if fields["id"] == "" {
		return nil, ErrAccountNotFound
	}
	a := &service.Account{
		ID:                     fields["id"],
		Platform:               fields["platform"],
		Name:                   fields["name"],
		AccessToken:            fields["access_token"],
		APIKey:                 fields["api_key"],
		BaseURL:                fields["base_url"],
		Priority:               atoiOr(fields["priority"], 0),
		Status:                 fields["status"],
		StatusReason:           fields["status_reason"],
		Schedulable:            fields["schedulable"] == "true",
		MaxConcurrentTasks:     atoiOr(fields["max_concurrent_tasks"], 0),
		SessionIDLimitEnabled:  fields["session_id_limit_enabled"] == "true",
		SessionIDMaxCount:      atoiOr(fields["session_id_max_count"], 0),
		SessionIDWindowMinutes: atoiOr(fields["session_id_window_minutes"], 0),
		ModelSuffixTag:         fields["model_suffix_tag"],
		GroupID:                fields["group_id"],
	}
	if raw := fields["rate_multiplier"]; raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			a.RateMultiplier = &v
		}
	}
	if raw := fields["supported_models"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &a.SupportedModels)
	}
	if raw := fields["proxy"]; raw != "" {
		var proxy service.Proxy
		if err := json.Unmarshal([]byte(raw), &proxy); err == nil {
			a.Proxy = &proxy
		}
	}
	a.LastUsedAt = parseTimePtr(fields["last_used_at"])
	a.RateLimitResetAt = parseTimePtr(fields["rate_limit_reset_at"])
	a.CreatedAt = parseTimeOrZero(fields["created_at"])
	a.UpdatedAt = parseTimeOrZero(fields["updated_at"])
	return a, nil
}

func atoiOr(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func parseTimePtr(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil
	}
	return &t
}

func parseTimeOrZero(raw string) time.Time {
	if t := parseTimePtr(raw); t != nil {
		return *t
	}
	return time.Time{}
}
