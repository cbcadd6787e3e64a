package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stockpulse/quota/internal/api"
	"github.com/stockpulse/quota/internal/auth"
	"github.com/stockpulse/quota/internal/config"
	"github.com/stockpulse/quota/internal/database"
	"github.com/stockpulse/quota/internal/events"
	mw "github.com/stockpulse/quota/internal/middleware"
	"github.com/stockpulse/quota/internal/plans"
	"github.com/stockpulse/quota/internal/quota"
	iredis "github.com/stockpulse/quota/internal/redis"
	"github.com/stockpulse/quota/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	catalog, err := loadCatalog(cfg.Quota)
	if err != nil {
		return err
	}

	checks := map[string]api.HealthCheck{"database": nil, "redis": nil, "nats": nil}

	// Quota store
	var (
		store   quota.Store
		history quota.HistoryStore
	)
	switch cfg.Quota.Store {
	case "postgres":
		pool, err := database.NewPostgresPool(ctx, cfg.DB)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := database.RunMigrations(cfg.DB.DSN(), cfg.DB.MigrationsPath); err != nil {
			return err
		}

		pgStore := quota.NewPostgresStore(pool, cfg.Quota.MaxTxAttempts)
		store, history = pgStore, pgStore
		checks["database"] = func(ctx context.Context) error { return database.HealthCheck(ctx, pool) }
	default:
		memStore := quota.NewMemoryStore(cfg.Quota.MaxTxAttempts)
		store, history = memStore, memStore
	}

	// Redis backs the read cache and the API rate limiter.
	var redisClient *redis.Client
	if cfg.Quota.Cache == "redis" || cfg.RateLimit.MaxRequests > 0 {
		redisClient, err = iredis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		checks["redis"] = func(ctx context.Context) error { return iredis.HealthCheck(ctx, redisClient) }
	}

	var cache quota.Cache
	switch cfg.Quota.Cache {
	case "redis":
		cache = quota.NewRedisCache(redisClient)
	case "memory":
		cache = quota.NewMemoryCache()
	default:
		cache = quota.NopCache{}
	}

	// Usage history
	historyRecorder := quota.NewHistoryRecorder(history)
	var recorder quota.Recorder = historyRecorder
	if cfg.Quota.HistoryMode == "nats" {
		natsClient, err := events.NewClient(ctx, cfg.NATS)
		if err != nil {
			return err
		}
		defer natsClient.Close()
		checks["nats"] = func(context.Context) error {
			if !natsClient.Healthy() {
				return errors.New("nats disconnected")
			}
			return nil
		}

		recorder = events.NewUsagePublisher(natsClient.JetStream())
		consumer := events.NewUsageConsumer(natsClient.JetStream(), historyRecorder)
		go func() {
			if err := consumer.Start(ctx); err != nil {
				slog.Error("usage consumer stopped", "error", err)
			}
		}()
	}

	svc := quota.NewService(store, cache, catalog, recorder,
		quota.WithCacheTTL(cfg.Quota.CacheTTL),
		quota.WithHistory(historyRecorder),
		quota.WithAsyncRecording(),
	)
	defer svc.Wait()

	scheduler := quota.NewScheduler(svc, cfg.Quota.BulkResetSchedule)
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	// HTTP
	jwtManager := auth.NewJWTManager(cfg.JWT.AccessSecret, 15*time.Minute)
	quotaHandler := quota.NewHandler(svc)

	routerCfg := api.RouterConfig{
		CORSAllowedOrigins: cfg.CORS.AllowedOrigins,
		Checks:             checks,
	}
	if redisClient != nil && cfg.RateLimit.MaxRequests > 0 {
		limiter := mw.NewRateLimiter(redisClient, "api", cfg.RateLimit.MaxRequests, cfg.RateLimit.WindowSec)
		routerCfg.APIRateLimiter = limiter.Middleware
	}

	router := api.NewRouter(routerCfg, api.HandlerSet{
		QuotaRoutes:     quotaHandler.Routes,
		AdminRoutes:     quotaHandler.AdminRoutes,
		AuthMiddleware:  auth.Middleware(jwtManager),
		AdminMiddleware: auth.RequireAdmin,
	})

	return server.New(cfg.Server, router).Run(ctx)
}

func loadCatalog(cfg config.QuotaConfig) (*plans.Catalog, error) {
	if cfg.PlansFile != "" {
		return plans.LoadFile(cfg.PlansFile, cfg.DefaultPlan)
	}
	return plans.Builtin(cfg.DefaultPlan)
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
