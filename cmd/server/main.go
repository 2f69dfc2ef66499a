// @title           Presence Service API
// @version         1.0
// @description     Page presence tracking: session lifecycle, heartbeat timeout detection and realtime fan-out
// @BasePath  /api/presence

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"presence-service/internal/config"
	"presence-service/internal/database"
	"presence-service/internal/router"
)

func main() {
	cfg, err := config.Load("configs/config.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	logger.Info("Starting Presence Service",
		zap.Int("port", cfg.Server.Port),
		zap.String("base_path", cfg.Server.BasePath),
		zap.Duration("reap_interval", cfg.Presence.ReapInterval),
		zap.Duration("heartbeat_window", cfg.Presence.HeartbeatWindow),
		zap.Int("missed_threshold", cfg.Presence.MissedHeartbeatThreshold))

	// Database; a failed first connect retries in the background so the pod
	// survives a slow postgres.
	db, err := database.New(cfg)
	if err != nil {
		logger.Warn("Failed to connect to database on startup, will retry in background",
			zap.Error(err))
		database.NewAsync(cfg, 5*time.Second, nil)
	} else {
		database.SetDB(db)
		logger.Info("Database connected")
	}

	redisClient, err := database.NewRedis(cfg)
	if err != nil {
		logger.Warn("Redis unavailable, realtime fan-out degrades to in-process only",
			zap.Error(err))
		redisClient = nil
	} else {
		logger.Info("Redis connected")
	}

	r, components := router.Setup(cfg, db, redisClient, logger)

	// Background schedule: reaper on its interval, retention purge nightly.
	scheduler := cron.New()
	scheduler.Schedule(cron.Every(cfg.Presence.ReapInterval), components.Reaper)
	scheduler.Schedule(cron.Every(24*time.Hour), components.Retention)
	scheduler.Start()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		logger.Info("Presence Service started successfully",
			zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	scheduler.Stop()
	components.Broker.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited gracefully")
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      zapLevel == zapcore.DebugLevel,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return config.Build()
}
