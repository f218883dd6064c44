package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Wei-Shaw/claude-relay/internal/service"
)

// ConcurrencyHandler 并发槽巡检与强制清理。
type ConcurrencyHandler struct {
	cleanup     *service.CleanupService
	concurrency *service.ConcurrencyService
}

func NewConcurrencyHandler(cleanup *service.CleanupService, concurrency *service.ConcurrencyService) *ConcurrencyHandler {
	return &ConcurrencyHandler{cleanup: cleanup, concurrency: concurrency}
}

// All GET /admin/concurrency/all
func (h *ConcurrencyHandler) All(c *gin.Context) {
	records, err := h.cleanup.StaleRecords(c.Request.Context(), time.Nanosecond)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enumerate slots"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": records, "count": len(records)})
}

// Stale GET /admin/concurrency/stale?maxAgeMinutes=N
func (h *ConcurrencyHandler) Stale(c *gin.Context) {
	maxAge := 5
	if raw := c.Query("maxAgeMinutes"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			maxAge = v
		}
	}
	records, err := h.cleanup.StaleRecords(c.Request.Context(), time.Duration(maxAge)*time.Minute)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to scan stale slots"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": records, "count": len(records)})
}

// ForceCleanup POST /admin/concurrency/force-cleanup
func (h *ConcurrencyHandler) ForceCleanup(c *gin.Context) {
	removed, err := h.cleanup.ForceCleanup(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cleanup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// AccountCount GET /admin/concurrency/accounts/:id
func (h *ConcurrencyHandler) AccountCount(c *gin.Context) {
	count, err := h.concurrency.AccountSlotCount(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read slot count"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": c.Param("id"), "in_flight": count})
}
