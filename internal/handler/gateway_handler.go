// Package handler exposes the HTTP endpoints of the relay.
package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Wei-Shaw/claude-relay/internal/config"
	"github.com/Wei-Shaw/claude-relay/internal/server/middleware"
	"github.com/Wei-Shaw/claude-relay/internal/service"
)

// GatewayHandler /v1 网关端点。
type GatewayHandler struct {
	gateway *service.GatewayService
	cfg     *config.Config
}

func NewGatewayHandler(cfg *config.Config, gateway *service.GatewayService) *GatewayHandler {
	return &GatewayHandler{gateway: gateway, cfg: cfg}
}

// Messages POST /v1/messages
func (h *GatewayHandler) Messages(c *gin.Context) {
	key, ok := middleware.APIKeyFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{"type": "authentication_error", "message": "missing authentication"},
		})
		return
	}

	maxBody := h.cfg.Server.MaxRequestBodySize
	if maxBody <= 0 {
		maxBody = 10 << 20
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBody+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"type": "invalid_request_error", "message": "failed to read request body"},
		})
		return
	}
	if int64(len(body)) > maxBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": gin.H{"type": "invalid_request_error", "message": "request body too large"},
		})
		return
	}

	req, err := service.ParseRelayRequest(key, body, c.Request.Header)
	if err != nil {
		if errors.Is(err, service.ErrFingerprintWithoutKey) {
			slog.Error("relay_request_without_key", "path", c.Request.URL.Path)
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"type": "invalid_request_error", "message": err.Error()},
		})
		return
	}

	h.gateway.Relay(c.Writer, c.Request, req)
}

// Models GET /v1/models
func (h *GatewayHandler) Models(c *gin.Context) {
	if _, ok := middleware.APIKeyFromContext(c); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{"type": "authentication_error", "message": "missing authentication"},
		})
		return
	}

	now := time.Now().Unix()
	models := []string{
		"claude-opus-4-1-20250805",
		"claude-sonnet-4-20250514",
		"claude-sonnet-4-5",
		"claude-haiku-4-5",
		"claude-3-5-haiku-latest",
	}
	data := make([]gin.H, 0, len(models))
	for _, id := range models {
		data = append(data, gin.H{
			"id":         id,
			"type":       "model",
			"created_at": now,
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": data, "has_more": false})
}

// Usage GET /v1/usage：调用方查询自己的最近交易。
func (h *GatewayHandler) Usage(usage *service.UsageService) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := middleware.APIKeyFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"type": "authentication_error", "message": "missing authentication"},
			})
			return
		}
		records, err := usage.ListTransactions(c.Request.Context(), key.ID, transactionQueryFromParams(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": gin.H{"type": "api_error", "message": "failed to load usage"},
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": records})
	}
}

// transactionQueryFromParams 解析 from/to（unix 秒或 RFC3339）与分页参数。
func transactionQueryFromParams(c *gin.Context) service.TransactionQuery {
	return service.TransactionQuery{
		From:     parseTimeParam(c.Query("from")),
		To:       parseTimeParam(c.Query("to")),
		Page:     parseInt64Param(c.Query("page")),
		PageSize: parseInt64Param(c.Query("page_size")),
	}
}

func parseTimeParam(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	if sec, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(sec, 0)
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	return time.Time{}
}

func parseInt64Param(raw string) int64 {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
