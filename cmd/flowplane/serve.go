package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/rendis/flowplane/internal/api"
	"github.com/rendis/flowplane/internal/catalog"
	"github.com/rendis/flowplane/internal/compile"
	"github.com/rendis/flowplane/internal/engine"
	"github.com/rendis/flowplane/internal/idempotency"
	"github.com/rendis/flowplane/internal/logging"
	"github.com/rendis/flowplane/internal/scheduler"
	"github.com/rendis/flowplane/internal/store"
	"github.com/rendis/flowplane/internal/streaming"
	"github.com/rendis/flowplane/internal/validation"
	"github.com/rendis/flowplane/pkg/schema"
)

const lockTTL = 15 * time.Second

func newServeCmd(cfg Config) *cobra.Command {
	var apiAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane: executor, scheduler, and operator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.APIAddr = apiAddr
			cfg.DBPath = dbPath
			cfg.LogLevel = logLevel
			return serve(cfg)
		},
	}
	cmd.Flags().StringVar(&apiAddr, "addr", cfg.APIAddr, "Operator API listen address")
	return cmd
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func serve(cfg Config) error {
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	var (
		cache  idempotency.Cache
		locker engine.Locker
	)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		defer client.Close()
		cache = idempotency.NewRedisCache(client)
		locker = engine.NewRedisLocker(client, lockTTL)
		logger.Info("redis connected", "addr", cfg.RedisAddr)
	} else {
		cache = idempotency.NewMemoryCache()
		logger.Info("running single instance, in-memory cache and no leases")
	}

	reg := catalog.NewRegistry()
	if cfg.CatalogPath != "" {
		data, err := os.ReadFile(cfg.CatalogPath)
		if err != nil {
			return fmt.Errorf("read catalog: %w", err)
		}
		if err := reg.LoadJSON(data); err != nil {
			return fmt.Errorf("load catalog: %w", err)
		}
	}
	validator, err := validation.NewValidator(reg)
	if err != nil {
		return fmt.Errorf("init validator: %w", err)
	}
	compiler := compile.NewCompiler(validator)

	invoker := catalog.NewHTTPInvoker(catalog.HTTPInvokerConfig{
		BaseURL: cfg.InvokerURL,
		APIKey:  cfg.InvokerAPIKey,
	})

	executor, err := engine.New(st, invoker, cache, locker, logger, engine.Config{
		MaxConcurrentRuns: cfg.PoolSize,
		MaxRetryDelay:     cfg.maxRetryDelay(),
		CacheTTL:          cfg.idempotencyTTL(),
	})
	if err != nil {
		return fmt.Errorf("init executor: %w", err)
	}

	hub := streaming.NewMemoryHub()
	executor.SetNotifier(func(ev schema.RunEvent) {
		_ = hub.Publish(context.Background(), ev)
	})

	recovered, err := executor.RecoverRuns(ctx)
	if err != nil {
		logger.Error("run recovery failed", "error", err)
	} else if recovered > 0 {
		logger.Info("recovered interrupted runs", "count", recovered)
	}

	sched := scheduler.New(st, executor, locker, logger, scheduler.Config{
		TickInterval:         cfg.tickInterval(),
		Lookahead:            cfg.lookahead(),
		MaxCatchupPerTick:    cfg.MaxCatchupPerTick,
		DefaultOverlapPolicy: schema.OverlapPolicy(cfg.DefaultOverlapPolicy),
		DefaultCatchupPolicy: schema.CatchupPolicy(cfg.DefaultCatchupPolicy),
		DefaultJitterMs:      cfg.DefaultJitterMs,
	})
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	apiServer := api.NewServer(api.Deps{
		Store:     st,
		Executor:  executor,
		Scheduler: sched,
		Compiler:  compiler,
		Hub:       hub,
		Logger:    logger,
	})
	httpServer := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: apiServer.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("operator api listening", "addr", cfg.APIAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown", "error", err)
	}
	sched.Stop()
	executor.Shutdown()
	executor.Wait()
	logger.Info("stopped")
	return nil
}
