package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/exam-normalization-api/api/swagger"
	"github.com/noah-isme/exam-normalization-api/internal/handler"
	"github.com/noah-isme/exam-normalization-api/internal/middleware"
	"github.com/noah-isme/exam-normalization-api/internal/normalization"
	"github.com/noah-isme/exam-normalization-api/internal/repository"
	"github.com/noah-isme/exam-normalization-api/internal/service"
	"github.com/noah-isme/exam-normalization-api/pkg/cache"
	"github.com/noah-isme/exam-normalization-api/pkg/config"
	"github.com/noah-isme/exam-normalization-api/pkg/database"
	"github.com/noah-isme/exam-normalization-api/pkg/jobs"
	"github.com/noah-isme/exam-normalization-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/exam-normalization-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/exam-normalization-api/pkg/middleware/requestid"
)

// @title Exam Normalization API
// @version 1.0.0
// @description Shift normalization, drift tracking and ranking for multi-shift exams
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

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect database", zap.Error(err))
	}
	defer db.Close() //nolint:errcheck

	if err := database.RunMigrations(ctx, db, logr); err != nil {
		logr.Fatal("failed to run migrations", zap.Error(err))
	}

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, status cache disabled", zap.Error(err))
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close() //nolint:errcheck
	}

	metricsSvc := service.NewMetricsService()
	cacheSvc := service.NewCacheService(
		repository.NewCacheRepository(redisClient),
		metricsSvc,
		cfg.Status.CacheTTL,
		logr,
		redisClient != nil,
	)

	examRepo := repository.NewExamRepository(db)
	shiftRepo := repository.NewShiftRepository(db)
	submissionRepo := repository.NewSubmissionRepository(db)
	jobRepo := repository.NewNormalizationJobRepository(db)

	engine := normalization.NewEngine()
	validate := validator.New()

	statsSvc := service.NewStatisticsService(shiftRepo, examRepo, submissionRepo, logr)
	significanceSvc := service.NewSignificanceService(examRepo, cfg.Normalization.DefaultThreshold, metricsSvc, logr)
	rankSvc := service.NewRankService(submissionRepo, examRepo, metricsSvc, logr)

	// The queue dispatches into the batch service, which in turn enqueues on it.
	var batchSvc *service.BatchService
	queue := jobs.NewQueue("normalization", func(ctx context.Context, job jobs.Job) error {
		return batchSvc.Handle(ctx, job)
	}, jobs.QueueConfig{
		Workers:    cfg.Normalization.Workers,
		MaxRetries: cfg.Normalization.Retries,
		RetryDelay: 5 * time.Second,
		OnGiveUp: func(ctx context.Context, job jobs.Job, cause error) {
			batchSvc.OnGiveUp(ctx, job, cause)
		},
		Logger: logr,
	})
	batchSvc = service.NewBatchService(
		examRepo,
		submissionRepo,
		statsSvc,
		rankSvc,
		significanceSvc,
		jobRepo,
		queue,
		engine,
		cacheSvc,
		metricsSvc,
		logr,
		service.BatchConfig{ChunkSize: cfg.Normalization.ChunkSize},
	)

	incrementalSvc := service.NewIncrementalService(
		examRepo,
		shiftRepo,
		submissionRepo,
		engine,
		rankSvc,
		significanceSvc,
		batchSvc,
		cacheSvc,
		metricsSvc,
		logr,
		service.IncrementalConfig{IncrementalRanks: cfg.Normalization.IncrementalRanks},
	)
	submissionSvc := service.NewSubmissionService(
		submissionRepo,
		examRepo,
		shiftRepo,
		statsSvc,
		service.NewScoringService(),
		incrementalSvc,
		rankSvc,
		engine,
		cacheSvc,
		validate,
		logr,
	)
	statusSvc := service.NewStatusService(
		examRepo,
		batchSvc,
		statsSvc,
		significanceSvc,
		engine,
		cacheSvc,
		validate,
		logr,
		service.StatusConfig{
			CacheTTL:            cfg.Status.CacheTTL,
			RankStalenessWindow: cfg.Normalization.RankStalenessWindow,
		},
	)

	queue.Start(ctx)
	defer queue.Stop()
	batchSvc.RecoverPendingJobs(ctx)
	batchSvc.StartScanner(ctx, cfg.Normalization.ScanInterval)

	metricsHandler := handler.NewMetricsHandler(metricsSvc, db, queue)
	handlers := handler.Handlers{
		Normalization: handler.NewNormalizationHandler(batchSvc, significanceSvc, statusSvc, rankSvc),
		Submissions:   handler.NewSubmissionHandler(submissionSvc),
		Metrics:       metricsHandler,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))
	r.Use(middleware.WithResponseMeta())

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	handlers.Register(r.Group(cfg.APIPrefix))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Warnw("graceful shutdown failed", "error", err)
	}
}
