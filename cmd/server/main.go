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
	"github.com/stemsi/exproctor-backend/internal/config"
	"github.com/stemsi/exproctor-backend/internal/database"
	"github.com/stemsi/exproctor-backend/internal/evaluation"
	"github.com/stemsi/exproctor-backend/internal/handler"
	"github.com/stemsi/exproctor-backend/internal/judge"
	"github.com/stemsi/exproctor-backend/internal/logger"
	"github.com/stemsi/exproctor-backend/internal/middleware"
	"github.com/stemsi/exproctor-backend/internal/repository"
	"github.com/stemsi/exproctor-backend/internal/router"
	"github.com/stemsi/exproctor-backend/internal/service"
	"github.com/stemsi/exproctor-backend/internal/similarity"
	"github.com/stemsi/exproctor-backend/internal/validator"
	"github.com/stemsi/exproctor-backend/internal/worker"
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
		Str("judge_url", cfg.JudgeURL).
		Msg("Starting ExProctor Backend")

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
	sessionRepo := repository.NewExamSessionRepository(pool)
	questionRepo := repository.NewQuestionRepository(pool)
	answerRepo := repository.NewAnswerRepository(pool)
	attemptRepo := repository.NewAttemptRepository(pool)
	evaluationRepo := repository.NewEvaluationRepository(pool)
	examLogRepo := repository.NewExamLogRepository(pool)
	monitorRepo := repository.NewMonitorRepository(pool)
	eventRepo := repository.NewEventRepository(rdb)
	ledgerRepo := repository.NewLedgerRepository(rdb)

	// ─── External Clients ──────────────────────────────────────────────
	judgeClient := judge.NewClient(judge.Options{
		BaseURL:     cfg.JudgeURL,
		Timeout:     cfg.JudgeTimeout,
		Concurrency: cfg.JudgeConcurrency,
	}, log)
	theoryScorer := similarity.NewClient(similarity.Options{
		URL:     cfg.TheoryScorerURL,
		Timeout: cfg.TheoryTimeout,
	}, log)
	engine := evaluation.NewEngine(judgeClient, theoryScorer, log)

	// ─── Background Workers ────────────────────────────────────────────
	queue := worker.NewRedisQueue(rdb)
	auditWorker := worker.NewAuditWorker(queue, examLogRepo, log)
	scoreWorker := worker.NewScoreWorker(queue, sessionRepo, log)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg.JWTSecret, cfg.JWTExpiry)
	limiter := service.NewAttemptLimiter(attemptRepo, cfg.DefaultMaxRunAttempts, log)
	answerService := service.NewAnswerService(sessionRepo, questionRepo, answerRepo, limiter, judgeClient, log)
	sessionService := service.NewExamSessionService(
		sessionRepo,
		questionRepo,
		answerRepo,
		evaluationRepo,
		answerService,
		engine,
		eventRepo,
		scoreWorker,
		log,
	)
	proctorService := service.NewProctorService(service.ProctorConfig{
		Cooldown:      cfg.AlertCooldown,
		MaxSameAlerts: cfg.MaxSameAlerts,
		RecentCap:     cfg.RecentAlerts,
	}, sessionRepo, sessionService, eventRepo, ledgerRepo, log)
	sessionService.OnClosed(proctorService.Discard)
	monitorService := service.NewMonitorService(monitorRepo, examLogRepo, questionRepo, sessionRepo, examLogRepo)

	// Debug runs are free but not unlimited.
	debugLimiter := middleware.NewRateLimiter(cfg.DebugRunsPerMinute, time.Minute)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Session: handler.NewSessionHandler(sessionService, answerService, proctorService, log),
		Proctor: handler.NewProctorHandler(sessionService, proctorService, monitorService, log),
		WS:      handler.NewWSHandler(eventRepo, sessionService, answerService, proctorService, debugLimiter, log, cfg.AllowedOrigins),
		Monitor: handler.NewMonitorHandler(rdb, monitorService, log),
		System:  handler.NewSystemHandler(pool, rdb, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		auditWorker.Start(workerCtx)
	}()
	go func() {
		defer workers.Done()
		scoreWorker.Start(workerCtx)
	}()

	stopCleanup := make(chan struct{})
	go debugLimiter.RunCleanup(stopCleanup)

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, debugLimiter, cfg)

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

	// 1. Stop accepting new HTTP requests (10s timeout; graded runs may be in flight).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	close(stopCleanup)

	// 2. Stop background workers and wait for their buffers to drain.
	workerCancel()
	workers.Wait()

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
