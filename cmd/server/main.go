package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/topikmate/topikmate-backend/internal/config"
	"github.com/topikmate/topikmate-backend/internal/database"
	"github.com/topikmate/topikmate-backend/internal/handler"
	"github.com/topikmate/topikmate-backend/internal/logger"
	"github.com/topikmate/topikmate-backend/internal/repository"
	"github.com/topikmate/topikmate-backend/internal/router"
	"github.com/topikmate/topikmate-backend/internal/scheduler"
	"github.com/topikmate/topikmate-backend/internal/service"
	"github.com/topikmate/topikmate-backend/internal/validator"
	"github.com/topikmate/topikmate-backend/internal/worker"
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
		Msg("Starting TOPIK Mate Backend")

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
	userRepo := repository.NewUserRepository(pool)
	examRepo := repository.NewExamRepository(pool)
	sessionRepo := repository.NewExamSessionRepository(pool)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg, rdb)
	examService := service.NewExamService(examRepo, rdb, cfg, log)
	expirySched := scheduler.NewRedisScheduler(rdb, log)
	sessionService := service.NewExamSessionService(sessionRepo, examService, expirySched, log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Auth:    handler.NewAuthHandler(authService, userRepo),
		Exam:    handler.NewExamHandler(examService, sessionService),
		Session: handler.NewSessionHandler(sessionService),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())

	dispatcher := scheduler.NewDispatcher(rdb, sessionService.ExpireSession, cfg.SchedulerPoll, cfg.SchedulerBatch, log)
	sweeper := worker.NewExpirySweeper(sessionRepo, sessionService, cfg.SweepInterval, cfg.SweepGrace, log)

	go dispatcher.Start(workerCtx)
	go sweeper.Start(workerCtx)

	// ─── Prewarm Redis Caches ─────────────────────────────────────────
	// Load exam definitions into Redis BEFORE accepting traffic so the
	// first wave of exam starts doesn't stampede PostgreSQL.
	if err := examService.PrewarmAllCaches(ctx); err != nil {
		log.Warn().Err(err).Msg("Cache prewarm failed")
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, cfg)

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

	// 2. Stop the dispatcher and sweeper. Pending expiry jobs stay in Redis
	// and are picked up on the next start.
	workerCancel()
	time.Sleep(time.Second)

	log.Info().Msg("Shutdown complete")
}
