package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/Wei-Shaw/claude-relay/internal/service"
)

// HealthHandler GET /health
type HealthHandler struct {
	rdb     *redis.Client
	cleanup *service.CleanupService
	started time.Time
}

func NewHealthHandler(rdb *redis.Client, cleanup *service.CleanupService) *HealthHandler {
	return &HealthHandler{rdb: rdb, cleanup: cleanup, started: time.Now()}
}

// Health 汇总存储连通性、并发槽健康和宿主资源。
// 状态分级：healthy / warning（滞留记录）/ degraded（资源吃紧）/
// unhealthy（存储不可用）。
func (h *HealthHandler) Health(c *gin.Context) {
	status := "healthy"
	components := gin.H{}

	storeStatus := "ok"
	if err := h.rdb.Ping(c.Request.Context()).Err(); err != nil {
		storeStatus = "unavailable"
		status = "unhealthy"
	}
	components["store"] = storeStatus

	concHealth := h.cleanup.Health()
	components["concurrency"] = gin.H{
		"staleRecords":     concHealth.StaleRecords,
		"affectedKeys":     concHealth.AffectedKeys,
		"oldestAgeMinutes": concHealth.OldestAgeMinutes,
	}
	if status == "healthy" && concHealth.StaleRecords > 0 {
		status = "warning"
	}

	sys := gin.H{}
	if vm, err := mem.VirtualMemory(); err == nil {
		sys["memory_used_percent"] = vm.UsedPercent
		if status == "healthy" && vm.UsedPercent > 95 {
			status = "degraded"
		}
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		sys["cpu_percent"] = percents[0]
	}
	sys["uptime_seconds"] = int64(time.Since(h.started).Seconds())
	components["system"] = sys

	httpStatus := http.StatusOK
	if status == "unhealthy" {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{"status": status, "components": components})
}
