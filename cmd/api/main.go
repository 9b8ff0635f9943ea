package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/class-admission-api/api/swagger"
	"github.com/noah-isme/class-admission-api/internal/handler"
	"github.com/noah-isme/class-admission-api/internal/middleware"
	"github.com/noah-isme/class-admission-api/internal/repository"
	"github.com/noah-isme/class-admission-api/internal/service"
	"github.com/noah-isme/class-admission-api/pkg/cache"
	"github.com/noah-isme/class-admission-api/pkg/config"
	"github.com/noah-isme/class-admission-api/pkg/database"
	"github.com/noah-isme/class-admission-api/pkg/jobs"
	"github.com/noah-isme/class-admission-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/class-admission-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/class-admission-api/pkg/middleware/requestid"
)

// @title Class Admission API
// @version 1.0.0
// @description Capacity-limited class enrollment admission engine
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	var statsCache *repository.CacheRepository
	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, stats caching disabled", zap.Error(err))
	} else {
		defer redisClient.Close()
		statsCache = repository.NewCacheRepository(redisClient)
	}

	notificationQueue := jobs.NewQueue("notifications", service.NotificationHandler(logr), jobs.QueueConfig{
		Workers:    cfg.Notifications.Workers,
		BufferSize: cfg.Notifications.BufferSize,
		Logger:     logr,
	})
	queueCtx, queueCancel := context.WithCancel(context.Background())
	defer queueCancel()
	notificationQueue.Start(queueCtx)
	defer notificationQueue.Stop()

	enrollmentRepo := repository.NewEnrollmentRepository(db)
	classRepo := repository.NewClassRepository(db)

	validate := validator.New()
	metricsSvc := service.NewMetricsService()
	notifier := service.NewQueueNotifier(notificationQueue, logr)

	var cacheDep service.StatsCache
	if statsCache != nil {
		cacheDep = statsCache
	}
	admissionSvc := service.NewAdmissionService(enrollmentRepo, classRepo, cacheDep, notifier, metricsSvc, service.AdmissionConfig{
		MaxRetries:    cfg.Admission.MaxRetries,
		RetryBackoff:  cfg.Admission.RetryBackoff,
		StatsCacheTTL: cfg.Admission.StatsCacheTTL,
	}, validate, logr)

	var exportSvc *service.ExportService
	if cfg.Exports.Enabled {
		exportSvc = service.NewExportService(enrollmentRepo, classRepo, logr)
	}

	enrollmentHandler := handler.NewEnrollmentHandler(admissionSvc, exportSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	auth := middleware.JWT(cfg.JWT.Secret)
	api := r.Group(cfg.APIPrefix)
	{
		classes := api.Group("/classes/:classId")
		classes.POST("/enrollments", auth, enrollmentHandler.Apply)
		classes.GET("/enrollments/stats", auth, enrollmentHandler.Stats)
		classes.GET("/enrollments/export", auth, middleware.RequireAdmin(), enrollmentHandler.ExportRoster)

		enrollments := api.Group("/enrollments", auth)
		enrollments.GET("", middleware.RequireAdmin(), enrollmentHandler.List)
		enrollments.GET("/:id", enrollmentHandler.Get)
		enrollments.DELETE("/:id", enrollmentHandler.Cancel)
		enrollments.PUT("/:id/answers", enrollmentHandler.UpdateAnswers)
		enrollments.PUT("/:id/decision", middleware.RequireAdmin(), enrollmentHandler.Decide)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}
