package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Wei-Shaw/claude-relay/internal/service"
)

// ErrAPIKeyNotFound key 不存在。
var ErrAPIKeyNotFound = errors.New("api key not found")

// apiKeyIndexKey 全量 key id 集合，列表接口用。
const apiKeyIndexKey = "api_key_index"

type apiKeyRepo struct {
	rdb *redis.Client
}

func NewAPIKeyRepository(rdb *redis.Client) service.APIKeyRepository {
	return &apiKeyRepo{rdb: rdb}
}

func (r *apiKeyRepo) Create(ctx context.Context, key *service.APIKey) error {
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	now := time.Now()
	key.CreatedAt = now
	key.UpdatedAt = now

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, apiKeyKey(key.ID), apiKeyFields(key))
	// 查找索引只存 sha256 摘要，明文 key 材料不进索引。
	pipe.Set(ctx, apiKeyHashKey(service.HashAPIKey(key.Key)), key.ID, 0)
	pipe.SAdd(ctx, apiKeyIndexKey, key.ID)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *apiKeyRepo) Update(ctx context.Context, key *service.APIKey) error {
	exists, err := r.rdb.Exists(ctx, apiKeyKey(key.ID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrAPIKeyNotFound
	}
	key.UpdatedAt = time.Now()
	return r.rdb.HSet(ctx, apiKeyKey(key.ID), apiKeyFields(key)).Err()
}

func (r *apiKeyRepo) Delete(ctx context.Context, id string) error {
	key, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, apiKeyKey(id))
	pipe.Del(ctx, apiKeyHashKey(service.HashAPIKey(key.Key)))
	pipe.SRem(ctx, apiKeyIndexKey, id)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *apiKeyRepo) GetByID(ctx context.Context, id string) (*service.APIKey, error) {
	fields, err := r.rdb.HGetAll(ctx, apiKeyKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrAPIKeyNotFound
	}
	return apiKeyFromFields(fields)
}

func (r *apiKeyRepo) GetByHash(ctx context.Context, keyHash string) (*service.APIKey, error) {
	id, err := r.rdb.Get(ctx, apiKeyHashKey(keyHash)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	key, err := r.GetByID(ctx, id)
	if errors.Is(err, ErrAPIKeyNotFound) {
		return nil, nil
	}
	return key, err
}

func (r *apiKeyRepo) List(ctx context.Context) ([]*service.APIKey, error) {
	ids, err := r.rdb.SMembers(ctx, apiKeyIndexKey).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]*service.APIKey, 0, len(ids))
	for _, id := range ids {
		key, err := r.GetByID(ctx, id)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func apiKeyFields(k *service.APIKey) map[string]any {
	fields := map[string]any{
		"id":                        k.ID,
		"key":                       k.Key,
		"name":                      k.Name,
		"enabled":                   strconv.FormatBool(k.Enabled),
		"claude_account_id":         k.ClaudeAccountID,
		"total_cost_limit":          strconv.FormatFloat(k.TotalCostLimit, 'f', -1, 64),
		"daily_cost_limit":          strconv.FormatFloat(k.DailyCostLimit, 'f', -1, 64),
		"concurrency_limit":         k.ConcurrencyLimit,
		"rate_limit_requests":       k.RateLimitRequests,
		"rate_limit_window_seconds": k.RateLimitWindowSeconds,
		"token_limit":               k.TokenLimit,
		"created_at":                k.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":                k.UpdatedAt.Format(time.RFC3339Nano),
	}
	if len(k.Permissions) > 0 {
		if raw, err := json.Marshal(k.Permissions); err == nil {
			fields["permissions"] = string(raw)
		}
	}
	if k.ExpiresAt != nil {
		fields["expires_at"] = k.ExpiresAt.Format(time.RFC3339Nano)
	}
	return fields
}

func apiKeyFromFields(fields map[string]string) (*service.APIKey, error) {
	if fields["id"] == "" {
		return nil, ErrAPIKeyNotFound
	}
	k := &service.APIKey{
		ID:                     fields["id"],
		Key:                    fields["key"],
		Name:                   fields["name"],
		Enabled:                fields["enabled"] == "true",
		ClaudeAccountID:        fields["claude_account_id"],
		ConcurrencyLimit:       atoiOr(fields["concurrency_limit"], 0),
		RateLimitRequests:      atoiOr(fields["rate_limit_requests"], 0),
		RateLimitWindowSeconds: atoiOr(fields["rate_limit_window_seconds"], 0),
	}
	if v, err := strconv.ParseFloat(fields["total_cost_limit"], 64); err == nil {
		k.TotalCostLimit = v
	}
	if v, err := strconv.ParseFloat(fields["daily_cost_limit"], 64); err == nil {
		k.DailyCostLimit = v
	}
	if v, err := strconv.ParseInt(fields["token_limit"], 10, 64); err == nil {
		k.TokenLimit = v
	}
	if raw := fields["permissions"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &k.Permissions)
	}
	k.ExpiresAt = parseTimePtr(fields["expires_at"])
	k.CreatedAt = parseTimeOrZero(fields["created_at"])
	k.UpdatedAt = parseTimeOrZero(fields["updated_at"])
	return k, nil
}
