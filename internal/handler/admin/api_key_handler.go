package admin

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Wei-Shaw/claude-relay/internal/domain"
	"github.com/Wei-Shaw/claude-relay/internal/service"
)

// APIKeyHandler API key 签发与管理。
type APIKeyHandler struct {
	repo  service.APIKeyRepository
	auth  *service.AuthService
	usage *service.UsageService
	cost  *service.CostService
}

func NewAPIKeyHandler(repo service.APIKeyRepository, auth *service.AuthService, usage *service.UsageService, cost *service.CostService) *APIKeyHandler {
	return &APIKeyHandler{repo: repo, auth: auth, usage: usage, cost: cost}
}

type apiKeyPayload struct {
	Name                   string     `json:"name" binding:"required"`
	ClaudeAccountID        string     `json:"claude_account_id"`
	TotalCostLimit         float64    `json:"total_cost_limit"`
	DailyCostLimit         float64    `json:"daily_cost_limit"`
	ConcurrencyLimit       int        `json:"concurrency_limit"`
	RateLimitRequests      int        `json:"rate_limit_requests"`
	RateLimitWindowSeconds int        `json:"rate_limit_window_seconds"`
	ExpiresAt              *time.Time `json:"expires_at"`
}

func keyView(k *service.APIKey, revealKey bool) gin.H {
	view := gin.H{
		"id":                        k.ID,
		"name":                      k.Name,
		"enabled":                   k.Enabled,
		"claude_account_id":         k.ClaudeAccountID,
		"total_cost_limit":          k.TotalCostLimit,
		"daily_cost_limit":          k.DailyCostLimit,
		"concurrency_limit":         k.ConcurrencyLimit,
		"rate_limit_requests":       k.RateLimitRequests,
		"rate_limit_window_seconds": k.RateLimitWindowSeconds,
		"created_at":                k.CreatedAt,
		"updated_at":                k.UpdatedAt,
	}
	if k.ExpiresAt != nil {
		view["expires_at"] = k.ExpiresAt
	}
	if revealKey {
		// 完整 key 只在创建响应里出现一次。
		view["key"] = k.Key
	} else if len(k.Key) > 12 {
		view["key_preview"] = k.Key[:12] + "..."
	}
	return view
}

// Create POST /admin/api-keys
func (h *APIKeyHandler) Create(c *gin.Context) {
	var payload apiKeyPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	material := make([]byte, 24)
	if _, err := rand.Read(material); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate key"})
		return
	}
	key := &service.APIKey{
		Key:                    domain.APIKeyPrefix + hex.EncodeToString(material),
		Name:                   payload.Name,
		Enabled:                true,
		ClaudeAccountID:        payload.ClaudeAccountID,
		TotalCostLimit:         payload.TotalCostLimit,
		DailyCostLimit:         payload.DailyCostLimit,
		ConcurrencyLimit:       payload.ConcurrencyLimit,
		RateLimitRequests:      payload.RateLimitRequests,
		RateLimitWindowSeconds: payload.RateLimitWindowSeconds,
		ExpiresAt:              payload.ExpiresAt,
	}
	if err := h.repo.Create(c.Request.Context(), key); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create api key"})
		return
	}
	c.JSON(http.StatusCreated, keyView(key, true))
}

// List GET /admin/api-keys
func (h *APIKeyHandler) List(c *gin.Context) {
	keys, err := h.repo.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list api keys"})
		return
	}
	views := make([]gin.H, 0, len(keys))
	for _, key := range keys {
		views = append(views, keyView(key, false))
	}
	c.JSON(http.StatusOK, gin.H{"data": views})
}

// Update PUT /admin/api-keys/:id
func (h *APIKeyHandler) Update(c *gin.Context) {
	existing, err := h.repo.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "api key not found"})
		return
	}
	var payload apiKeyPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	existing.Name = payload.Name
	existing.ClaudeAccountID = payload.ClaudeAccountID
	existing.TotalCostLimit = payload.TotalCostLimit
	existing.DailyCostLimit = payload.DailyCostLimit
	existing.ConcurrencyLimit = payload.ConcurrencyLimit
	existing.RateLimitRequests = payload.RateLimitRequests
	existing.RateLimitWindowSeconds = payload.RateLimitWindowSeconds
	existing.ExpiresAt = payload.ExpiresAt
	if err := h.repo.Update(c.Request.Context(), existing); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update api key"})
		return
	}
	h.auth.Invalidate(service.HashAPIKey(existing.Key))
	c.JSON(http.StatusOK, keyView(existing, false))
}

// Toggle POST /admin/api-keys/:id/toggle
func (h *APIKeyHandler) Toggle(c *gin.Context) {
	existing, err := h.repo.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "api key not found"})
		return
	}
	existing.Enabled = !existing.Enabled
	if err := h.repo.Update(c.Request.Context(), existing); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update api key"})
		return
	}
	h.auth.Invalidate(service.HashAPIKey(existing.Key))
	c.JSON(http.StatusOK, gin.H{"enabled": existing.Enabled})
}

// Delete DELETE /admin/api-keys/:id
func (h *APIKeyHandler) Delete(c *gin.Context) {
	existing, err := h.repo.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "api key not found"})
		return
	}
	if err := h.repo.Delete(c.Request.Context(), existing.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete api key"})
		return
	}
	h.auth.Invalidate(service.HashAPIKey(existing.Key))
	c.Status(http.StatusNoContent)
}

// transactionQuery 解析 from/to（unix 秒）与分页参数，默认每页 50 条。
func transactionQuery(c *gin.Context) service.TransactionQuery {
	query := service.TransactionQuery{PageSize: 50}
	if sec, err := strconv.ParseInt(c.Query("from"), 10, 64); err == nil {
		query.From = time.Unix(sec, 0)
	}
	if sec, err := strconv.ParseInt(c.Query("to"), 10, 64); err == nil {
		query.To = time.Unix(sec, 0)
	}
	if page, err := strconv.ParseInt(c.Query("page"), 10, 64); err == nil {
		query.Page = page
	}
	if size, err := strconv.ParseInt(c.Query("page_size"), 10, 64); err == nil && size > 0 {
		query.PageSize = size
	}
	return query
}

// Usage GET /admin/api-keys/:id/usage
func (h *APIKeyHandler) Usage(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.repo.GetByID(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "api key not found"})
		return
	}
	total, err := h.cost.GetTotalCost(c.Request.Context(), id, false)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load costs"})
		return
	}
	daily, err := h.cost.GetDailyCost(c.Request.Context(), id, false)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load costs"})
		return
	}
	models, _ := h.cost.GetModelCosts(c.Request.Context(), id)
	records, _ := h.usage.ListTransactions(c.Request.Context(), id, transactionQuery(c))
	c.JSON(http.StatusOK, gin.H{
		"total_cost":   total,
		"daily_cost":   daily,
		"model_costs":  models,
		"transactions": records,
	})
}
