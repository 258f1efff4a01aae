package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stemsi/exstem-proctor/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Msg("Starting ExStem Proctor")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	candidateRepo := repository.NewCandidateRepository(pool)
	adminRepo := repository.NewAdminRepository(pool)
	roleRepo := repository.NewRoleRepository(pool)
	attemptRepo := repository.NewAttemptRepository(pool)
	questionRepo := repository.NewQuestionRepository(pool)
	settingRepo := repository.NewSettingRepository(pool)
	eventRepo := repository.NewIntegrityEventRepository(pool)
	monitorRepo := repository.NewMonitorRepository(pool)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg, rdb)
	candidateService := service.NewCandidateService(candidateRepo, cfg.BcryptCost)
	adminService := service.NewAdminService(adminRepo, roleRepo)
	settingService := service.NewSettingService(settingRepo, rdb, cfg.Exam, log)
	attemptService := service.NewAttemptService(
		attemptRepo,
		candidateRepo,
		settingService,
		service.NewQuestionSelector(questionRepo, nil),
		service.NewAttemptEvents(rdb, log),
		eventRepo,
		service.AttemptOptions{
			AllowReattempt: cfg.Exam.AllowReattempt,
			ExpiryStatus:   model.AttemptStatus(cfg.Exam.ExpiryStatus),
		},
		log,
	)
	exportService := service.NewExportService(attemptService)
	monitorService := service.NewMonitorService(monitorRepo)

	// Fail fast on broken settings rather than on the first exam start.
	if _, err := settingService.ExamSettings(ctx); err != nil {
		log.Fatal().Err(err).Msg("Invalid exam settings")
	}

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Auth:    handler.NewAuthHandler(authService, candidateService, adminService, log),
		Exam:    handler.NewExamHandler(attemptService, log),
		WS:      handler.NewWSHandler(attemptService, log, cfg.AllowedOrigins),
		Attempt: handler.NewAttemptHandler(attemptService, exportService, log),
		Setting: handler.NewSettingHandler(settingService, log),
		Monitor: handler.NewMonitorHandler(rdb, monitorService, log),
		System:  handler.NewSystemHandler(rdb, log),
	}

	limiters := router.Limiters{
		Auth:      middleware.NewRateLimiter(cfg.AuthRateLimitPerMinute, time.Minute, middleware.KeyByIP),
		Candidate: middleware.NewRateLimiter(cfg.RateLimitPerMinute, time.Minute, middleware.KeyByCandidate),
	}
	limiterStop := make(chan struct{})
	go limiters.Auth.Run(limiterStop)
	go limiters.Candidate.Run(limiterStop)

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	integrityWorker := worker.NewIntegrityWorker(pool, rdb, log)
	auditWorker := worker.NewAuditWorker(pool, rdb, log)
	statsWorker := worker.NewQuestionStatsWorker(pool, rdb, log)

	workers.Go(func() { integrityWorker.Start(workerCtx) })
	workers.Go(func() { auditWorker.Start(workerCtx) })
	workers.Go(func() { statsWorker.Start(workerCtx) })

	if cfg.Exam.ExpirySweepCron != "" {
		sweeper := worker.NewExpirySweeper(attemptService, cfg.Exam.ExpirySweepCron, log)
		workers.Go(func() {
			if err := sweeper.Start(workerCtx); err != nil {
				log.Error().Err(err).Msg("Expiry sweeper disabled")
			}
		})
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, limiters, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	close(limiterStop)

	// 2. Stop background workers and wait for their buffers to flush.
	workerCancel()
	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("Workers did not stop in time")
	}

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
