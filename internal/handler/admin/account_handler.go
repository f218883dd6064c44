package admin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Wei-Shaw/claude-relay/internal/domain"
	"github.com/Wei-Shaw/claude-relay/internal/service"
)

// AccountHandler 上游账号 CRUD 与状态管理。
type AccountHandler struct {
	repo      service.AccountRepository
	rateLimit *service.RateLimitService
}

func NewAccountHandler(repo service.AccountRepository, rateLimit *service.RateLimitService) *AccountHandler {
	return &AccountHandler{repo: repo, rateLimit: rateLimit}
}

type accountPayload struct {
	Platform               string         `json:"platform" binding:"required"`
	Name                   string         `json:"name" binding:"required"`
	AccessToken            string         `json:"access_token"`
	APIKey                 string         `json:"api_key"`
	BaseURL                string         `json:"base_url"`
	Priority               int            `json:"priority"`
	MaxConcurrentTasks     int            `json:"max_concurrent_tasks"`
	SessionIDLimitEnabled  bool           `json:"session_id_limit_enabled"`
	SessionIDMaxCount      int            `json:"session_id_max_count"`
	SessionIDWindowMinutes int            `json:"session_id_window_minutes"`
	RateMultiplier         *float64       `json:"rate_multiplier"`
	ModelSuffixTag         string         `json:"model_suffix_tag"`
	SupportedModels        []string       `json:"supported_models"`
	GroupID                string         `json:"group_id"`
	Proxy                  *service.Proxy `json:"proxy"`
}

// sanitized 对外展示视图，凭证与代理口令不回传。
func sanitized(a *service.Account) gin.H {
	view := gin.H{
		"id":                   a.ID,
		"platform":             a.Platform,
		"name":                 a.Name,
		"base_url":             a.BaseURL,
		"priority":             a.Priority,
		"status":               a.Status,
		"status_reason":        a.StatusReason,
		"schedulable":          a.Schedulable,
		"max_concurrent_tasks": a.MaxConcurrentTasks,
		"group_id":             a.GroupID,
		"model_suffix_tag":     a.ModelSuffixTag,
		"supported_models":     a.SupportedModels,
		"rate_multiplier":      a.RateMultiplier,
		"has_proxy":            a.Proxy != nil,
		"created_at":           a.CreatedAt,
		"updated_at":           a.UpdatedAt,
	}
	if a.LastUsedAt != nil {
		view["last_used_at"] = a.LastUsedAt
	}
	if a.RateLimitResetAt != nil {
		view["rate_limit_reset_at"] = a.RateLimitResetAt
	}
	return view
}

// List GET /admin/accounts
func (h *AccountHandler) List(c *gin.Context) {
	filter := service.AccountFilter{
		GroupID: c.Query("group_id"),
		Status:  c.Query("status"),
	}
	if platform := c.Query("platform"); platform != "" {
		filter.Platforms = []string{platform}
	}
	accounts, err := h.repo.List(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list accounts"})
		return
	}
	views := make([]gin.H, 0, len(accounts))
	for _, account := range accounts {
		views = append(views, sanitized(account))
	}
	c.JSON(http.StatusOK, gin.H{"data": views})
}

// Create POST /admin/accounts
func (h *AccountHandler) Create(c *gin.Context) {
	var payload accountPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	account := payloadToAccount(&payload)
	account.Status = domain.StatusActive
	account.Schedulable = true
	if err := h.repo.Create(c.Request.Context(), account); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create account"})
		return
	}
	c.JSON(http.StatusCreated, sanitized(account))
}

// Get GET /admin/accounts/:id
func (h *AccountHandler) Get(c *gin.Context) {
	account, err := h.repo.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	c.JSON(http.StatusOK, sanitized(account))
}

// Update PUT /admin/accounts/:id
func (h *AccountHandler) Update(c *gin.Context) {
	existing, err := h.repo.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	var payload accountPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	updated := payloadToAccount(&payload)
	updated.ID = existing.ID
	updated.Status = existing.Status
	updated.StatusReason = existing.StatusReason
	updated.Schedulable = existing.Schedulable
	updated.CreatedAt = existing.CreatedAt
	if err := h.repo.Update(c.Request.Context(), updated); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update account"})
		return
	}
	c.JSON(http.StatusOK, sanitized(updated))
}

// Delete DELETE /admin/accounts/:id
func (h *AccountHandler) Delete(c *gin.Context) {
	if err := h.repo.Delete(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// Recover POST /admin/accounts/:id/recover 人工恢复为 active。
func (h *AccountHandler) Recover(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.repo.GetByID(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	h.rateLimit.Recover(c.Request.Context(), id)
	c.JSON(http.StatusOK, gin.H{"status": domain.StatusActive})
}

// RecordSlowResponse POST /admin/accounts/:id/slow-response
// 慢响应台账的手动记录入口，窗口 1 小时。
func (h *AccountHandler) RecordSlowResponse(c *gin.Context) {
	count, err := h.repo.RecordSlowResponse(c.Request.Context(), c.Param("id"), time.Hour)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"window_count": count})
}

func payloadToAccount(p *accountPayload) *service.Account {
	return &service.Account{
		Platform:               p.Platform,
		Name:                   p.Name,
		AccessToken:            p.AccessToken,
		APIKey:                 p.APIKey,
		BaseURL:                p.BaseURL,
		Priority:               p.Priority,
		MaxConcurrentTasks:     p.MaxConcurrentTasks,
		SessionIDLimitEnabled:  p.SessionIDLimitEnabled,
		SessionIDMaxCount:      p.SessionIDMaxCount,
		SessionIDWindowMinutes: p.SessionIDWindowMinutes,
		RateMultiplier:         p.RateMultiplier,
		ModelSuffixTag:         p.ModelSuffixTag,
		SupportedModels:        p.SupportedModels,
		GroupID:                p.GroupID,
		Proxy:                  p.Proxy,
	}
}
