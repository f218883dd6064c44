//go:build wireinject
// +build wireinject

package main

import (
	"net/http"
	"time"

	"github.com/Wei-Shaw/claude-relay/internal/config"
	"github.com/Wei-Shaw/claude-relay/internal/handler"
	"github.com/Wei-Shaw/claude-relay/internal/handler/admin"
	"github.com/Wei-Shaw/claude-relay/internal/repository"
	"github.com/Wei-Shaw/claude-relay/internal/server"
	"github.com/Wei-Shaw/claude-relay/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/wire"
	"github.com/redis/go-redis/v9"
)

type Application struct {
	Server  *http.Server
	Cleanup func()
}

func initializeApplication(cfg *config.Config) (*Application, error) {
	wire.Build(
		repository.NewRedisClient,
		repository.NewAccountRepository,
		repository.NewAPIKeyRepository,
		repository.NewCostCache,
		repository.NewConcurrencyCache,
		repository.NewSessionCache,
		repository.NewResponseCache,

		service.NewPricingTable,
		service.NewCostService,
		service.NewUsageService,
		service.NewSessionService,
		service.NewConcurrencyService,
		service.NewSchedulerService,
		service.NewTimingWheelService,
		service.NewRateLimitService,
		service.NewUpstreamService,
		service.NewClaudeRewriter,
		wire.Bind(new(service.RequestRewriter), new(*service.ClaudeRewriter)),
		service.NewResponseCacheService,
		service.NewGatewayService,
		service.NewCleanupService,
		service.NewAuthService,

		handler.NewGatewayHandler,
		handler.NewHealthHandler,
		admin.NewAuthHandler,
		admin.NewAccountHandler,
		admin.NewAPIKeyHandler,
		admin.NewConcurrencyHandler,
		wire.Struct(new(server.Handlers), "*"),

		server.SetupRouter,
		provideHTTPServer,
		provideCleanup,
		wire.Struct(new(Application), "Server", "Cleanup"),
	)
	return nil, nil
}

func provideHTTPServer(cfg *config.Config, engine *gin.Engine) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           engine,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeout) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}
}

// provideCleanup 按依赖反序释放后台资源。
func provideCleanup(
	rdb *redis.Client,
	cleanup *service.CleanupService,
	wheel *service.TimingWheelService,
) func() {
	return func() {
		cleanup.Stop()
		wheel.Stop()
		_ = rdb.Close()
	}
}
