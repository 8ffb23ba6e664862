package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/sma-presence-api/api/swagger"
	"github.com/noah-isme/sma-presence-api/internal/handler"
	"github.com/noah-isme/sma-presence-api/internal/middleware"
	"github.com/noah-isme/sma-presence-api/internal/repository"
	"github.com/noah-isme/sma-presence-api/internal/service"
	"github.com/noah-isme/sma-presence-api/pkg/cache"
	"github.com/noah-isme/sma-presence-api/pkg/clock"
	"github.com/noah-isme/sma-presence-api/pkg/config"
	"github.com/noah-isme/sma-presence-api/pkg/database"
	"github.com/noah-isme/sma-presence-api/pkg/jobs"
	"github.com/noah-isme/sma-presence-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/sma-presence-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sma-presence-api/pkg/middleware/requestid"
	"github.com/noah-isme/sma-presence-api/pkg/storage"
)

// @title SMA Presence API
// @version 1.0.0
// @description Geofenced session attendance ledger with attendance and merit reports.
// @BasePath /
// @schemes http

const shutdownTimeout = 15 * time.Second

type handlers struct {
	sessions *handler.SessionHandler
	zones    *handler.ZoneHandler
	reports  *handler.ReportHandler
	exports  *handler.ExportHandler
	metrics  *handler.MetricsHandler
}

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect database", zap.Error(err))
	}
	defer db.Close() //nolint:errcheck

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, caching disabled", zap.Error(err))
		redisClient = nil
	} else {
		defer redisClient.Close() //nolint:errcheck
	}

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	metricsSvc := service.NewMetricsService()
	queue, h, err := wire(ctx, cfg, db, redisClient, metricsSvc, logr)
	if err != nil {
		logr.Fatal("failed to wire services", zap.Error(err))
	}
	defer queue.Stop()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))
	r.Use(middleware.WithResponseMeta())
	registerRoutes(r, cfg, h)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}

func wire(ctx context.Context, cfg *config.Config, db *sqlx.DB, redisClient *redis.Client, metricsSvc *service.MetricsService, logr *zap.Logger) (*jobs.Queue, handlers, error) {
	validate := validator.New()
	clk := clock.System{}
	loc := cfg.Attendance.Location()

	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Reports.CacheTTL, logr, redisClient != nil)

	zoneSvc := service.NewZoneService(repository.NewZoneRepository(db), cacheSvc, metricsSvc, cfg.Attendance.ZoneCacheTTL, validate, logr)
	reportSvc := service.NewReportService(repository.NewSnapshotRepository(db), cacheSvc, metricsSvc, clk, service.ReportConfig{
		Location:           loc,
		CacheTTL:           cfg.Reports.CacheTTL,
		RecentLimit:        cfg.Attendance.RecentLimit,
		RankingRecentLimit: cfg.Attendance.RankingRecentLimit,
	}, logr)
	sessionSvc := service.NewSessionService(
		repository.NewSessionRepository(db),
		repository.NewOccurrenceRepository(db),
		zoneSvc,
		reportSvc,
		metricsSvc,
		clk,
		service.SessionConfig{
			Location:        loc,
			LocationTimeout: cfg.Attendance.LocationTimeout,
			HistoryRange:    cfg.Attendance.DefaultHistoryRange,
		},
		validate,
		logr,
	)

	store, err := storage.NewLocalStorage(cfg.Reports.StorageDir)
	if err != nil {
		return nil, handlers{}, err
	}
	signer := storage.NewSignedURLSigner(cfg.Reports.SignedURLSecret, cfg.Reports.SignedURLTTL)
	exportSvc := service.NewExportService(repository.NewExportRepository(db), reportSvc, store, signer, metricsSvc, clk, service.ExportConfig{
		Enabled:         cfg.Reports.Enabled,
		APIPrefix:       cfg.APIPrefix,
		CleanupInterval: cfg.Reports.CleanupInterval,
	}, validate, logr)
	queue := jobs.NewQueue("report-exports", exportSvc.Handle, jobs.QueueConfig{
		Workers:     cfg.Reports.WorkerConcurrency,
		MaxRetries:  cfg.Reports.WorkerRetries,
		RetryDelay:  2 * time.Second,
		Logger:      logr,
		OnExhausted: exportSvc.HandleExhausted,
	})
	exportSvc.UseQueue(queue)
	queue.Start(ctx)
	if recovered := exportSvc.Recover(ctx); recovered > 0 {
		logr.Info("requeued pending exports", zap.Int("count", recovered))
	}
	exportSvc.StartCleanup(ctx)

	checks := map[string]handler.ReadinessCheck{
		"database": db.PingContext,
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	return queue, handlers{
		sessions: handler.NewSessionHandler(sessionSvc),
		zones:    handler.NewZoneHandler(zoneSvc),
		reports:  handler.NewReportHandler(reportSvc),
		exports:  handler.NewExportHandler(exportSvc),
		metrics:  handler.NewMetricsHandler(metricsSvc, checks),
	}, nil
}

func registerRoutes(r *gin.Engine, cfg *config.Config, h handlers) {
	r.GET("/health", h.metrics.Health)
	r.GET("/ready", h.metrics.Ready)
	r.GET("/metrics", h.metrics.Prometheus)

	api := r.Group(cfg.APIPrefix)
	api.GET("/metrics/summary", h.metrics.Summary)

	zones := api.Group("/zones")
	zones.GET("", h.zones.List)
	zones.POST("", h.zones.Create)
	zones.GET("/active", h.zones.Active)
	zones.POST("/check", h.zones.Check)
	zones.GET("/:id", h.zones.Get)
	zones.PUT("/:id", h.zones.Update)
	zones.DELETE("/:id", h.zones.Delete)

	sessions := api.Group("/sessions")
	sessions.GET("", h.sessions.List)
	sessions.GET("/today", h.sessions.Today)
	sessions.POST("/transitions", h.sessions.Transition)

	reports := api.Group("/reports")
	reports.GET("/sessions", h.reports.SessionRanking)
	reports.GET("/sessions/:subjectId", h.reports.SubjectSessions)
	reports.GET("/points/ranking", h.reports.PointRanking)
	reports.POST("/points/refresh", h.reports.RefreshPoints)
	reports.GET("/points/:subjectId", h.reports.SubjectPoints)
	reports.POST("/exports", h.exports.Create)
	reports.GET("/exports/:id", h.exports.Status)

	api.GET("/exports/:token", h.exports.Download)
}
