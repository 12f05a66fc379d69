// cmd/linkd/main.go
// Package main implements the entry point for the Secure Link service.
// It initializes all components and starts the HTTP server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spendai/securelink-go/internal/advisor"
	"github.com/spendai/securelink-go/internal/archive"
	"github.com/spendai/securelink-go/internal/config"
	"github.com/spendai/securelink-go/internal/disburse"
	"github.com/spendai/securelink-go/internal/engine"
	"github.com/spendai/securelink-go/internal/event"
	"github.com/spendai/securelink-go/internal/gateway"
	"github.com/spendai/securelink-go/internal/jwks"
	"github.com/spendai/securelink-go/internal/kyc"
	"github.com/spendai/securelink-go/internal/server"
	"github.com/spendai/securelink-go/internal/storage"
	"github.com/spendai/securelink-go/internal/telemetry"
)

func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging
	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	_, err = telemetry.InitTracer("securelink")
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	// Initialize storage backend (PostgreSQL or in-memory)
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		store, err = storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			logger.Error("failed to initialize postgres storage", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("SPEND_DB_DSN not set, using in-memory storage")
		store = storage.NewMemory()
	}

	// Initialize event bus (NATS JetStream or in-process)
	bus := event.NewBusFromEnv()
	defer bus.Close()

	// Settlement provider. The simulated disburser acknowledges transfers
	// locally until a real provider integration is configured.
	disburser := disburse.NewSimulated()

	eng := engine.New(store, bus, disburser)

	// Advisor chat plus the action bridge behind it
	bridge, err := advisor.NewBridge(eng)
	if err != nil {
		logger.Error("failed to compile advisor action schemas", "error", err)
		os.Exit(1)
	}
	advisorSvc := advisor.NewService(advisor.NewClient(cfg.AdvisorURL), bridge, store)

	// KYC provider (HTTP or simulated)
	var kycProvider kyc.Provider
	if cfg.KYCURL != "" {
		kycProvider = kyc.NewClient(cfg.KYCURL)
	} else {
		kycProvider = kyc.NewSimulated()
	}

	// Webhook payload archive (S3 or no-op)
	var archiver archive.Archiver = archive.Noop{}
	if cfg.S3Endpoint != "" && cfg.S3Bucket != "" {
		archiver, err = archive.NewS3Archiver(
			cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey)
		if err != nil {
			logger.Error("failed to initialize webhook archive", "error", err)
			os.Exit(1)
		}
	}
	webhook := gateway.NewWebhook(store, archiver, cfg.PaystackSecret)

	mux := server.NewMux(server.Options{
		Store:              store,
		Bus:                bus,
		Engine:             eng,
		Advisor:            advisorSvc,
		KYC:                kycProvider,
		Webhook:            webhook,
		JWKS:               jwks.NewClient(cfg.JWKSURL),
		JWTIssuer:          cfg.JWTIssuer,
		JWTAudience:        cfg.JWTAudience,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	// Expiry sweeper runs until shutdown
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go eng.RunSweeper(sweepCtx, cfg.SweepInterval)

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		// Long write timeout so SSE streams survive; handlers watch their
		// own contexts.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	stopSweeper()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}

	// Close PostgreSQL storage if used
	if postgresStore, ok := store.(interface{ Close() }); ok {
		postgresStore.Close()
	}

	logger.Info("server exited")
}
