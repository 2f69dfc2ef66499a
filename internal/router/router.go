package router

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"presence-service/internal/client"
	"presence-service/internal/config"
	"presence-service/internal/handler"
	"presence-service/internal/job"
	"presence-service/internal/middleware"
	"presence-service/internal/realtime"
	"presence-service/internal/repository"
	"presence-service/internal/service"
)

// Components holds the long-lived pieces main needs beyond the engine:
// the broker (for shutdown) and the background jobs (for scheduling).
type Components struct {
	Broker    *realtime.Broker
	Reaper    *job.Reaper
	Retention *job.RetentionJob
}

func Setup(cfg *config.Config, db *gorm.DB, redisClient *redis.Client, logger *zap.Logger) (*gin.Engine, *Components) {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS("*"))
	r.Use(middleware.MetricsMiddleware())

	// Repositories
	presenceRepo := repository.NewPresenceRepository(db)
	pageRepo := repository.NewPageRepository(db)

	// Realtime fan-out
	broker := realtime.NewBroker(redisClient, logger)
	broker.SetDropHook(middleware.RecordDroppedDelivery)

	// External collaborators
	userClient := client.NewUserClient(cfg.Services.UserServiceURL, cfg.Auth.ServiceURL, 10*time.Second)

	// Without an auth service configured, validation is local-JWT only.
	var validatorClient client.UserClient
	if cfg.Auth.ServiceURL != "" {
		validatorClient = userClient
	}
	validator := middleware.NewAuthServiceValidator(validatorClient, cfg.Auth.SecretKey, logger)

	// Services
	lifecycle := service.NewLifecycleService(presenceRepo, pageRepo, broker, logger)
	activeUsers := service.NewActiveUsersService(presenceRepo, pageRepo, userClient, logger)

	// Background jobs
	reaper := job.NewReaper(presenceRepo, lifecycle, cfg.Presence, logger)
	retention := job.NewRetentionJob(presenceRepo, cfg.Presence.RetentionDays, logger)

	// Handlers
	presenceHandler := handler.NewPresenceHandler(lifecycle, activeUsers, retention, cfg.Presence.DefaultRecencyMinutes, logger)
	wsHandler := handler.NewWSHandler(broker, validator, logger)
	healthHandler := handler.NewHealthHandler(db, redisClient)

	// Health endpoints (no auth)
	r.GET("/health", healthHandler.Health)
	r.GET("/ready", healthHandler.Ready)
	r.GET("/metrics", middleware.MetricsHandler())

	// API routes with base path
	api := r.Group(cfg.Server.BasePath)
	{
		api.GET("/health", healthHandler.Health)
		api.GET("/ready", healthHandler.Ready)

		// WebSocket subscription (token in query, not header)
		api.GET("/ws/pages/:pageId", wsHandler.HandleSubscribe)

		authenticated := api.Group("")
		authenticated.Use(middleware.AuthMiddleware(validator))
		{
			authenticated.POST("/event", presenceHandler.HandleEvent)
			authenticated.GET("/active", presenceHandler.GetActiveUsers)
			authenticated.GET("/communities", presenceHandler.GetCommunityActiveUsers)
			authenticated.GET("/url", presenceHandler.GetActiveUsersByURL)
			authenticated.POST("/admin/cleanup", presenceHandler.Cleanup)
		}
	}

	return r, &Components{
		Broker:    broker,
		Reaper:    reaper,
		Retention: retention,
	}
}
