// Package server wires the gin engine, middleware and routes.
package server

import (
	"github.com/gin-gonic/gin"

	"github.com/Wei-Shaw/claude-relay/internal/config"
	"github.com/Wei-Shaw/claude-relay/internal/handler"
	"github.com/Wei-Shaw/claude-relay/internal/handler/admin"
	"github.com/Wei-Shaw/claude-relay/internal/server/middleware"
	"github.com/Wei-Shaw/claude-relay/internal/service"
)

// Handlers 路由需要的全部处理器。
type Handlers struct {
	Gateway     *handler.GatewayHandler
	Health      *handler.HealthHandler
	AdminAuth   *admin.AuthHandler
	Accounts    *admin.AccountHandler
	APIKeys     *admin.APIKeyHandler
	Concurrency *admin.ConcurrencyHandler
}

// SetupRouter 配置中间件与路由。
func SetupRouter(
	cfg *config.Config,
	handlers *Handlers,
	auth *service.AuthService,
	cost *service.CostService,
	concurrency *service.ConcurrencyService,
	usage *service.UsageService,
) *gin.Engine {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger())
	r.Use(middleware.CORS())

	r.GET("/health", handlers.Health.Health)

	apiKeyAuth := middleware.APIKeyAuth(cfg, auth, cost, concurrency)
	v1 := r.Group("/v1", apiKeyAuth)
	{
		v1.POST("/messages", handlers.Gateway.Messages)
		v1.GET("/models", handlers.Gateway.Models)
		v1.GET("/usage", handlers.Gateway.Usage(usage))
	}

	r.POST("/admin/login", handlers.AdminAuth.Login)
	adminGroup := r.Group("/admin", middleware.AdminAuth(cfg))
	{
		adminGroup.GET("/accounts", handlers.Accounts.List)
		adminGroup.POST("/accounts", handlers.Accounts.Create)
		adminGroup.GET("/accounts/:id", handlers.Accounts.Get)
		adminGroup.PUT("/accounts/:id", handlers.Accounts.Update)
		adminGroup.DELETE("/accounts/:id", handlers.Accounts.Delete)
		adminGroup.POST("/accounts/:id/recover", handlers.Accounts.Recover)
		adminGroup.POST("/accounts/:id/slow-response", handlers.Accounts.RecordSlowResponse)

		adminGroup.GET("/api-keys", handlers.APIKeys.List)
		adminGroup.POST("/api-keys", handlers.APIKeys.Create)
		adminGroup.PUT("/api-keys/:id", handlers.APIKeys.Update)
		adminGroup.POST("/api-keys/:id/toggle", handlers.APIKeys.Toggle)
		adminGroup.DELETE("/api-keys/:id", handlers.APIKeys.Delete)
		adminGroup.GET("/api-keys/:id/usage", handlers.APIKeys.Usage)

		adminGroup.GET("/concurrency/all", handlers.Concurrency.All)
		adminGroup.GET("/concurrency/stale", handlers.Concurrency.Stale)
		adminGroup.POST("/concurrency/force-cleanup", handlers.Concurrency.ForceCleanup)
		adminGroup.GET("/concurrency/accounts/:id", handlers.Concurrency.AccountCount)
	}

	return r
}
