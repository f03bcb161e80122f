// Command uldesvc runs the lottery decision engine's HTTP service: loading
// configuration, wiring the PolicyStore, LedgerService, StateStore,
// calculator pipeline, PrizeSelector and DrawOrchestrator, then serving the
// draw endpoint.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/foodloop/ulde/internal/audit"
	"github.com/foodloop/ulde/internal/config"
	"github.com/foodloop/ulde/internal/httpapi"
	appmiddleware "github.com/foodloop/ulde/internal/httpapi/middleware"
	"github.com/foodloop/ulde/internal/ledger"
	"github.com/foodloop/ulde/internal/logging"
	"github.com/foodloop/ulde/internal/metrics"
	"github.com/foodloop/ulde/internal/models"
	"github.com/foodloop/ulde/internal/orchestrator"
	"github.com/foodloop/ulde/internal/policy"
	"github.com/foodloop/ulde/internal/selector"
	"github.com/foodloop/ulde/internal/state"
	"github.com/foodloop/ulde/internal/telemetry"
)

func main() {
	logger := logging.Setup("ulde", os.Getenv("ULDE_ENV"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Error("configuration failed", "error", err)
		os.Exit(1)
	}

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "ulde",
		Environment: os.Getenv("ULDE_ENV"),
		Endpoint:    os.Getenv("ULDE_OTEL_ENDPOINT"),
		Insecure:    os.Getenv("ULDE_OTEL_INSECURE") == "true",
		Headers:     telemetry.ParseHeaders(os.Getenv("ULDE_OTEL_HEADERS")),
		Metrics:     os.Getenv("ULDE_OTEL_ENDPOINT") != "",
		Traces:      os.Getenv("ULDE_OTEL_ENDPOINT") != "",
	})
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown error", "error", err)
		}
	}()

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		logger.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	if err := models.AutoMigrate(db); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, continuing without L2 policy cache", "error", err)
			redisClient = nil
		}
	}

	policies := policy.New(db, redisClient, cfg.PolicyCacheTTL)
	ledgerSvc := ledger.New(db, time.Now)
	stateStore := state.New(time.Now)
	sel := selector.New(selector.CryptoSeed)
	locks := orchestrator.NewLockManager()
	drawMetrics := metrics.Draws()

	engine := orchestrator.New(orchestrator.Config{
		DB:          db,
		Policies:    policies,
		Ledger:      ledgerSvc,
		States:      stateStore,
		Selector:    sel,
		Locks:       locks,
		Metrics:     drawMetrics,
		LockTimeout: cfg.LockTimeout,
		Clock:       time.Now,
	})

	rateLimiter := appmiddleware.NewRateLimiter(cfg.RateLimitPerMin, cfg.RateLimitBurst)
	srv := httpapi.New(httpapi.Config{
		Engine:      engine,
		AuthEnabled: cfg.Auth.Enable,
		Auth: appmiddleware.JWTOptions{
			Issuer:         cfg.Auth.Issuer,
			Audience:       cfg.Auth.Audience,
			HSSecretEnv:    cfg.Auth.HSSecretEnv,
			MaxSkewSeconds: cfg.Auth.MaxSkewSeconds,
		},
		RateLimiter: rateLimiter,
	})

	exporter := audit.New(db, cfg.AuditOutputDir, cfg.AuditFlushPeriod, time.Now)
	go func() {
		if err := exporter.Run(ctx); err != nil {
			logger.Error("audit exporter stopped", "error", err)
		}
	}()

	handler := otelhttp.NewHandler(srv.Handler(), "ulde")

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("listening", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
