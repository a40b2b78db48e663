// Package main is the entrypoint for the murmur server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/nightjarhq/murmur/internal/agents"
	"github.com/nightjarhq/murmur/internal/ai"
	"github.com/nightjarhq/murmur/internal/api"
	"github.com/nightjarhq/murmur/internal/api/handler"
	mw "github.com/nightjarhq/murmur/internal/api/middleware"
	"github.com/nightjarhq/murmur/internal/api/response"
	"github.com/nightjarhq/murmur/internal/cache"
	"github.com/nightjarhq/murmur/internal/config"
	"github.com/nightjarhq/murmur/internal/delivery"
	"github.com/nightjarhq/murmur/internal/delivery/slack"
	"github.com/nightjarhq/murmur/internal/ingest"
	"github.com/nightjarhq/murmur/internal/pipeline"
	"github.com/nightjarhq/murmur/internal/queue"
	"github.com/nightjarhq/murmur/internal/store"
	"github.com/nightjarhq/murmur/internal/trigger"
	"github.com/nightjarhq/murmur/pkg/models"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// Optional .env for local development; absence is fine.
	_ = godotenv.Load()

	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"ai_provider", cfg.AI.Provider,
		"env", cfg.Server.Env,
		"batch_size", cfg.Trigger.BatchSize,
		"analysis_interval", cfg.Trigger.AnalysisInterval,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create AI provider
	aiProvider, err := ai.NewProvider(cfg.AI)
	if err != nil {
		return fmt.Errorf("create AI provider: %w", err)
	}
	slog.Info("AI provider initialized", "provider", aiProvider.Name())

	// 6. Assemble the pipeline: store, queue, delivery, executor, trigger
	pgStore := store.NewPostgresStore(pool)
	jobQueue := queue.New(pool)

	messenger := slack.NewHTTPClient(cfg.Delivery.SlackBaseURL, cfg.Delivery.SlackToken, cfg.Delivery.Timeout)
	deliveryEngine := delivery.New(pgStore, redisCache, messenger, cfg.Delivery, logger)

	executor := pipeline.New(pgStore, aiProvider, agents.Default(), deliveryEngine, cfg.Pipeline, logger)

	coordinator := trigger.New(redisCache, jobQueue, cfg.Trigger, logger)
	ingestSvc := ingest.NewService(pgStore, coordinator, logger)

	workers := queue.NewWorkerPool(jobQueue, func(ctx context.Context, job *models.AnalysisJob) (uuid.UUID, bool, error) {
		result, err := executor.Run(ctx, job.TenantID)
		if err != nil {
			return uuid.Nil, false, err
		}
		return result.SessionID, result.Backlog, nil
	}, cfg.Queue, logger)

	// 7. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, 0),

		HealthHandler:         healthHandler(pgStore, redisCache),
		SubmitMetadataHandler: handler.NewSubmitMetadataHandler(ingestSvc),
		ForceRunHandler:       handler.NewForceRunHandler(executor),
		GetSessionHandler:     handler.NewGetSessionHandler(pgStore),
		ListWhispersHandler:   handler.NewListWhispersHandler(pgStore),
		CreateKeyHandler:      handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:       handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler:      handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server and worker pool
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("worker pool started", "workers", cfg.Queue.Workers)
		return workers.Run(gctx)
	})

	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
