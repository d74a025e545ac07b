/*
main.go - Application entry point

PURPOSE:
  Starts the pawn desk server. Handles configuration, dependency
  injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, then environment)
  2. Build the logger
  3. Choose the backend: SQLite store, or a remote upstream
  4. Choose the read cache: Redis when configured, in-process otherwise
  5. Build the desk registry and its idle sweeper
  6. Optionally load a demo scenario
  7. Configure HTTP router and start serving

BACKENDS:
  UPSTREAM_URL unset:  SQLite at DB_PATH, rules applied locally, the
                       upstream contract served at /backend
  UPSTREAM_URL set:    every read and commit goes to the upstream

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (SHUTDOWN_TIMEOUT)
  3. Stop the desk sweeper
  4. Close database and cache connections
  5. Exit

ENVIRONMENT:
  See config/config.go for the full list.

SEE ALSO:
  - api/server.go: Router configuration
  - desk/desk.go: What each operator's desk does
*/
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/warp/pawn-desk/api"
	"github.com/warp/pawn-desk/cache"
	"github.com/warp/pawn-desk/config"
	"github.com/warp/pawn-desk/desk"
	"github.com/warp/pawn-desk/logging"
	"github.com/warp/pawn-desk/pawn"
	"github.com/warp/pawn-desk/remote"
	"github.com/warp/pawn-desk/store"
	"github.com/warp/pawn-desk/store/sqlite"
)

const (
	sweepInterval = time.Minute
	deskIdleAfter = 30 * time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	calendar, err := cfg.Calendar()
	if err != nil {
		return err
	}

	// Backend
	var (
		backend    desk.Backend
		db         *sqlite.Store
		backendAPI *api.BackendHandler
	)
	if cfg.UpstreamURL != "" {
		backend = remote.New(cfg.UpstreamURL, remote.WithLogger(logger))
		logger.Info("using remote backend", slog.String("url", cfg.UpstreamURL))
	} else {
		db, err = sqlite.New(cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()
		local := store.NewBackend(db, store.Rules{Calendar: calendar}, logger)
		backend = local
		backendAPI = api.NewBackendHandler(local, logger)
		logger.Info("using sqlite backend", slog.String("path", cfg.DBPath))
	}

	// Read cache
	var cacheStore cache.Store
	if cfg.RedisAddr != "" {
		client, err := cache.Dial(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer func(c *redis.Client) { _ = c.Close() }(client)
		cacheStore = cache.NewRedis(client)
		logger.Info("using redis cache", slog.String("addr", cfg.RedisAddr))
	} else {
		cacheStore = cache.NewMemory(cfg.CacheTTL, 2*cfg.CacheTTL)
	}
	reader := cache.NewReader(backend, cacheStore, cfg.CacheTTL, logger)

	// Desks
	registry := api.NewRegistry(func(actor pawn.Actor) *desk.Desk {
		return desk.New(desk.Config{
			Actor:                 actor,
			Backend:               backend,
			Reader:                reader,
			Invalidator:           reader,
			Calendar:              calendar,
			SimultaneityWindow:    cfg.SimultaneityWindow,
			AuditLimit:            cfg.AuditLimit,
			CommitTimeout:         cfg.CommitTimeout,
			ReversalAdminPrecheck: cfg.ReversalAdminPrecheck,
			Logger:                logger,
		})
	}, logger)
	registry.StartSweeper(sweepInterval, deskIdleAfter)
	defer registry.Stop()

	// Demo data
	var scenarios *api.ScenarioLoader
	if db != nil {
		scenarios = api.NewScenarioLoader(db, reader, cfg.DemoAdminPIN, logger)
		if cfg.DemoScenario != "" {
			if err := scenarios.Load(ctx, cfg.DemoScenario); err != nil {
				return err
			}
		}
	}

	handler := api.NewHandler(registry, scenarios, logger)
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins:        cfg.CORSOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		Production:         cfg.IsProduction(),
		Backend:            backendAPI,
		Logger:             logger,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", slog.String("addr", cfg.AppAddr), slog.String("env", cfg.AppEnv))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	hits, misses := reader.Stats()
	logger.Info("server stopped", slog.Int64("cache_hits", hits), slog.Int64("cache_misses", misses))
	return nil
}
