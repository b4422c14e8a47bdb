package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/companion/config"
	"github.com/vnmchuo/companion/internal/companion"
	"github.com/vnmchuo/companion/internal/provider"
	"github.com/vnmchuo/companion/internal/provider/factory"
	"github.com/vnmchuo/companion/internal/server"
	"github.com/vnmchuo/companion/internal/store"
	"github.com/vnmchuo/companion/internal/telemetry"
	"github.com/vnmchuo/companion/internal/usage"
	"github.com/vnmchuo/companion/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	settings, err := config.LoadSettings(cfg.SettingsFile)
	if err != nil {
		log.Fatalf("failed to load settings: %v", err)
	}

	// 2. Init logging
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	// 3. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("companion", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	ctx := context.Background()

	// 4. Connect PostgreSQL (optional)
	var st store.Store
	var ledger usage.Store
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to connect postgres: %v", err)
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			log.Fatalf("failed to ping postgres: %v", err)
		}

		pgStore := store.NewPostgresStore(pool)
		if err := pgStore.Migrate(ctx); err != nil {
			log.Fatalf("failed to migrate store: %v", err)
		}
		pgUsage := usage.NewPostgresStore(pool)
		if err := pgUsage.Migrate(ctx); err != nil {
			log.Fatalf("failed to migrate usage: %v", err)
		}
		st, ledger = pgStore, pgUsage
		logger.Info("PostgreSQL connected")
	} else {
		st, ledger = store.NewMemoryStore(), usage.NewMemoryStore(1000)
		logger.Info("using in-memory store")
	}

	// 5. Connect Redis (optional)
	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to ping redis: %v", err)
		}
		st = store.NewCachedStore(st, rdb, logger)
		if cfg.DefaultRateLimitTPM > 0 {
			limiter = ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)
		}
		logger.Info("Redis connected", "rate_limit_tpm", cfg.DefaultRateLimitTPM)
	}

	// 6. Seed API keys from the environment. The in-memory store starts
	// empty every run, so it is always seeded.
	if os.Getenv("RUN_SEED") == "true" || cfg.PostgresDSN == "" {
		store.SeedFromEnv(ctx, st, cfg.APIKeys(), logger)
	}

	// 7. Apply settings file
	if err := applySettings(ctx, st, settings); err != nil {
		log.Fatalf("failed to apply settings: %v", err)
	}

	// 8. Init companion
	recorder := usage.NewRecorder(ledger, logger)
	manager, err := companion.New(ctx, companion.Options{
		Store: st,
		Settings: factory.Settings{
			HTTPClient:       factory.NewHTTPClient(),
			Timeout:          cfg.RequestTimeout,
			WebSearchTrigger: settings.WebSearchTrigger,
			Logger:           logger,
		},
		Persona: companion.Persona{
			PetName:     settings.Persona.PetName,
			PetNickname: settings.Persona.PetNickname,
			OwnerName:   settings.Persona.OwnerName,
			ChatPrompt:  settings.Persona.ChatPrompt,
			ImagePrompt: settings.Persona.ImagePrompt,
		},
		Language:   companion.TranslationLanguage(settings.TranslationLanguage),
		FastModels: settings.FastModelsByType(),
		Limiter:    limiter,
		Usage:      recorder,
		Tracer:     otel.GetTracerProvider().Tracer("companion"),
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("failed to init companion: %v", err)
	}

	// 9. Init bridge
	handler := server.NewHandler(manager, ledger, logger)
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      server.NewRouter(handler, cfg.BridgeToken),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// 10. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("companion bridge starting", "addr", cfg.Addr(), "provider", manager.ActiveProvider())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	logger.Info("shutting down gracefully")

	manager.CancelCurrentRequest()
	manager.CancelTranslation()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	recorder.Wait()
	logger.Info("server stopped")
}

// applySettings writes the settings file's provider overrides and active
// provider into the store. The file wins over stored values on every start.
func applySettings(ctx context.Context, st store.Store, s config.Settings) error {
	for name, override := range s.Providers {
		t := provider.Type(name)
		current, err := st.GetConfig(ctx, t)
		if err != nil {
			return err
		}
		if err := st.UpdateConfig(ctx, override.Apply(current)); err != nil {
			return err
		}
	}
	if s.ActiveProvider != "" {
		return st.SetActiveType(ctx, provider.Type(s.ActiveProvider))
	}
	return nil
}
