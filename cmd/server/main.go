// Command server runs the ActionGuard decision engine.
//
// Subcommands:
//
//	serve    start the HTTP API (default)
//	migrate  run database migrations up or down
//	version  print build information
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/actionguard/actionguard/internal/advisor"
	"github.com/actionguard/actionguard/internal/api"
	"github.com/actionguard/actionguard/internal/config"
	"github.com/actionguard/actionguard/internal/db"
	"github.com/actionguard/actionguard/internal/db/repositories"
	"github.com/actionguard/actionguard/internal/engine"
	"github.com/actionguard/actionguard/internal/store"
	redisstore "github.com/actionguard/actionguard/internal/store/redis"
	"github.com/actionguard/actionguard/internal/telemetry"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	command := "serve"
	args := os.Args[1:]
	if len(args) > 0 && args[0][0] != '-' {
		command = args[0]
		args = args[1:]
	}

	switch command {
	case "serve":
		return runServe(args)
	case "migrate":
		return runMigrate(args)
	case "version":
		fmt.Printf("actionguard %s\n", Version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s (expected serve, migrate, or version)", command)
	}
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	sqlDB, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer sqlDB.Close()

	if err := db.RunMigrations(sqlDB, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	dbx := sqlx.NewDb(sqlDB, "postgres")

	policyRepo := repositories.NewPolicyRepository(dbx)
	eventRepo := repositories.NewEventRepository(dbx)

	idem, err := buildIdempotencyStore(cfg, dbx)
	if err != nil {
		return err
	}

	adv := advisor.New(advisor.Config{
		Enabled:   cfg.Advisor.Enabled,
		APIKey:    cfg.Advisor.APIKey,
		BaseURL:   cfg.Advisor.BaseURL,
		Model:     cfg.Advisor.Model,
		MaxTokens: cfg.Advisor.MaxTokens,
		Timeout:   cfg.Advisor.Timeout,
	})
	if !cfg.Advisor.Enabled {
		slog.Info("advisory service disabled, all decisions recorded with ai_available=false")
	}

	eng := engine.New(policyRepo, eventRepo, idem, adv)

	router := api.NewRouter(api.Deps{
		Engine:   eng,
		Policies: policyRepo,
		Events:   eventRepo,
		DB:       dbx,
	})

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var metricsServer *http.Server
	if cfg.Telemetry.Metrics.Enabled {
		go telemetry.StartDBStatsCollector(sqlDB)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort),
			Handler: mux,
		}
		go func() {
			slog.Info("metrics server listening", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", server.Addr, "version", Version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown failed", "error", err)
		}
	}

	slog.Info("server stopped")
	return nil
}

// buildIdempotencyStore picks the configured idempotency backend. The
// database backend shares the main connection pool; the redis backend is
// verified reachable at startup so a misconfigured address fails fast instead
// of degrading every keyed request.
func buildIdempotencyStore(cfg *config.Config, dbx *sqlx.DB) (store.IdempotencyStore, error) {
	switch cfg.Cache.Backend {
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		slog.Info("using redis idempotency backend", "addr", cfg.Cache.Redis.Addr)
		return redisstore.NewIdempotency(client, cfg.Cache.Redis.TTL), nil
	default:
		return repositories.NewIdempotencyRepository(dbx), nil
	}
}

func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	direction := fs.String("direction", "up", "migration direction (up or down)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	sqlDB, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer sqlDB.Close()

	if err := db.RunMigrations(sqlDB, *direction); err != nil {
		return err
	}

	version, dirty, err := db.GetMigrationVersion(sqlDB)
	if err != nil {
		return err
	}
	slog.Info("migrations complete", "version", version, "dirty", dirty)
	return nil
}
