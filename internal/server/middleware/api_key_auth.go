package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Wei-Shaw/claude-relay/internal/config"
	"github.com/Wei-Shaw/claude-relay/internal/service"
)

// ContextKeyAPIKey gin context 里存放已认证 APIKey 的键。
const ContextKeyAPIKey = "auth_api_key"

// APIKeyAuth 网关准入闸门：身份、key 级并发、费用限额、请求频率。
// 四道检查全部通过才进入中继管线；任何完成路径都会释放 key 并发槽。
func APIKeyAuth(cfg *config.Config, auth *service.AuthService, cost *service.CostService, concurrency *service.ConcurrencyService) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawKey := extractAPIKey(c)
		if rawKey == "" {
			abortWithError(c, http.StatusUnauthorized, "authentication_error", "missing api key")
			return
		}

		key, err := auth.Authenticate(c.Request.Context(), rawKey)
		if err != nil {
			if errors.Is(err, service.ErrInvalidAPIKey) {
				abortWithError(c, http.StatusUnauthorized, "authentication_error", "invalid api key")
				return
			}
			slog.Error("api_key_auth_failed", "error", err.Error())
			abortWithError(c, http.StatusInternalServerError, "api_error", "authentication backend unavailable")
			return
		}

		// key 级并发槽。不续租，租约时长即绝对上限：事件路径挂死也
		// 只占位到租约到期。
		lease, err := concurrency.AcquireKeySlot(c.Request.Context(), key, uuid.NewString())
		if err != nil {
			if errors.Is(err, service.ErrAPIKeyConcurrencyExceeded) {
				abortWithError(c, http.StatusTooManyRequests, "rate_limit_error", "concurrency limit exceeded")
				return
			}
			slog.Error("key_slot_acquire_failed", "api_key_id", key.ID, "error", err.Error())
			abortWithError(c, http.StatusInternalServerError, "api_error", "admission backend unavailable")
			return
		}
		defer lease.Release(context.WithoutCancel(c.Request.Context()))

		// 限额判定强制直读存储。
		if err := cost.CheckCostLimits(c.Request.Context(), key); err != nil {
			if errors.Is(err, service.ErrCostLimitExceeded) {
				abortWithError(c, http.StatusForbidden, "billing_error", "cost limit exceeded")
				return
			}
			slog.Error("cost_limit_check_failed", "api_key_id", key.ID, "error", err.Error())
			abortWithError(c, http.StatusInternalServerError, "api_error", "billing backend unavailable")
			return
		}

		if err := auth.CheckRateWindow(c.Request.Context(), key); err != nil {
			if errors.Is(err, service.ErrRateLimitExceeded) {
				abortWithError(c, http.StatusTooManyRequests, "rate_limit_error", "request rate limit exceeded")
				return
			}
			slog.Error("rate_window_check_failed", "api_key_id", key.ID, "error", err.Error())
			abortWithError(c, http.StatusInternalServerError, "api_error", "rate limit backend unavailable")
			return
		}

		c.Set(ContextKeyAPIKey, key)
		c.Next()
	}
}

// APIKeyFromContext 取出已认证的 key。
func APIKeyFromContext(c *gin.Context) (*service.APIKey, bool) {
	v, ok := c.Get(ContextKeyAPIKey)
	if !ok {
		return nil, false
	}
	key, ok := v.(*service.APIKey)
	return key, ok
}

func extractAPIKey(c *gin.Context) string {
	if v := strings.TrimSpace(c.GetHeader("x-api-key")); v != "" {
		return v
	}
	authz := strings.TrimSpace(c.GetHeader("Authorization"))
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return strings.TrimSpace(authz[len("bearer "):])
	}
	return ""
}

func abortWithError(c *gin.Context, status int, errType, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{"type": errType, "message": message},
	})
}
