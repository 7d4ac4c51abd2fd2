package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/substratehq/substrate/internal/app/migrate"
	"github.com/substratehq/substrate/internal/backend/deployapi"
	httpx "github.com/substratehq/substrate/internal/http"
	"github.com/substratehq/substrate/internal/repository/postgres"
	"github.com/substratehq/substrate/internal/service/orchestrator"
	"github.com/substratehq/substrate/internal/service/secrets"
	"github.com/substratehq/substrate/internal/service/tenant"
	"github.com/substratehq/substrate/internal/ws"
	"github.com/substratehq/substrate/pkg/config"
	"github.com/substratehq/substrate/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)

	issuer, err := secrets.NewIssuer(cfg.SecretSealingKey)
	if err != nil {
		log.Error("failed to initialize secret issuer", "error", err)
		os.Exit(1)
	}

	client := deployapi.New(deployapi.Config{
		BaseURL:      cfg.BackendURL,
		Organization: cfg.BackendOrganization,
		Project:      cfg.BackendProject,
		Token:        cfg.BackendToken,
		CallTimeout:  cfg.BackendCallTimeout,
	})

	hub := ws.NewHub()
	metrics := orchestrator.NewMetrics()

	tenantSvc := tenant.New(repo, repo, issuer, log, cfg)
	runSvc := orchestrator.New(repo, repo, repo, client, issuer, hub, metrics, log, cfg)

	reconciler := orchestrator.NewReconciler(repo, client, hub, metrics, log, cfg)
	go reconciler.Run(ctx)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, tenantSvc, runSvc, hub, limiter, cfg.OperatorToken, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
