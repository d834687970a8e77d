package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/testsync/internal/config"
	"github.com/stemsi/testsync/internal/database"
	"github.com/stemsi/testsync/internal/handler"
	"github.com/stemsi/testsync/internal/logger"
	"github.com/stemsi/testsync/internal/metrics"
	"github.com/stemsi/testsync/internal/repository"
	"github.com/stemsi/testsync/internal/router"
	"github.com/stemsi/testsync/internal/service"
	"github.com/stemsi/testsync/internal/session"
	"github.com/stemsi/testsync/internal/validator"
	ws "github.com/stemsi/testsync/internal/websocket"
	"github.com/stemsi/testsync/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Str("persist_mode", cfg.PersistMode).
		Msg("Starting test session sync server")

	// ─── Initialize Validator & Metrics ────────────────────────────────
	validator.Setup()
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Migrations ────────────────────────────────────────────────────
	if cfg.AutoMigrate {
		if err := database.MigrateUp(cfg.MigrationsDir, cfg.DatabaseURL, log); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply migrations")
		}
	}

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
	sessionRepo := repository.NewSessionRepository(pool)
	questionRepo := repository.NewQuestionRepository(pool)

	// ─── Persistence ───────────────────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var store session.Store = sessionRepo
	var pipeline *worker.Pipeline
	if cfg.PersistMode == config.PersistModeQueue {
		queue := worker.NewRedisQueue(rdb)
		store = worker.NewQueueStore(queue, sessionRepo)
		pipeline = worker.NewPipeline(queue, sessionRepo, log)

		// Flush writes acknowledged before the last shutdown so Restore sees them.
		drainCtx, drainCancel := context.WithTimeout(ctx, 30*time.Second)
		pipeline.Drain(drainCtx)
		drainCancel()

		pipeline.Start(workerCtx)
	}

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg)
	answerKeys := service.NewAnswerKeyService(questionRepo, rdb, cfg.AnswerKeyTTL, log)
	gamification := service.NewGamificationService(rdb, log)

	// ─── Sessions ──────────────────────────────────────────────────────
	hub := ws.NewHub(log)
	manager := session.NewManager(store, answerKeys, hub, gamification, log, managerOptions(cfg))

	restored, err := manager.Restore(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Session restore failed, starting empty")
	} else {
		log.Info().Int("count", restored).Msg("Sessions restored")
	}

	timerCtx, timerCancel := context.WithCancel(context.Background())
	defer timerCancel()
	timer := manager.NewTimer(cfg.TickInterval, cfg.IdleCheckEvery)
	go timer.Run(timerCtx)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		WS:      handler.NewWSHandler(manager, hub, log, cfg.AllowedOrigins, cfg.WSRatePerSec, cfg.WSRateBurst),
		Session: handler.NewSessionHandler(manager, log),
		Monitor: handler.NewMonitorHandler(rdb, log),
		System:  handler.NewSystemHandler(pool, rdb, manager, hub, log),
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, cfg, log)

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

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	// 1. Stop accepting new HTTP requests. Hijacked websockets are not tracked here.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop ticking, then flush every session's pending writes.
	timerCancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Session manager shutdown incomplete")
	}
	hub.CloseAll()

	// 3. Stop background workers; each drains its queue before returning.
	workerCancel()
	if pipeline != nil {
		pipeline.Wait()
	}

	log.Info().Msg("Shutdown complete")
}

func managerOptions(cfg *config.Config) session.Options {
	opts := session.Options{
		GracePeriod: cfg.GracePeriod,
		MailboxSize: cfg.MailboxSize,
		Weights:     make(map[string]session.Weights, len(cfg.ScoringWeights)),
		Retry: session.RetryPolicy{
			MaxAttempts: cfg.PersistMaxAttempts,
			Backoff:     cfg.PersistBackoff,
			MaxBackoff:  session.DefaultRetryPolicy.MaxBackoff,
		},
	}
	for testType, w := range cfg.ScoringWeights {
		sw := session.Weights{Correct: w.Correct, Incorrect: w.Incorrect, Unanswered: w.Unanswered}
		if testType == "default" {
			opts.DefaultWeights = &sw
			continue
		}
		opts.Weights[testType] = sw
	}
	return opts
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
