// Callgate admission server. Enforces the platform's five-slot concurrent
// call ceiling and per-tenant limits, processes provider lifecycle
// webhooks, and reconciles counters against the session registry.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/voiceops/callgate/pkg/admission"
	"github.com/voiceops/callgate/pkg/api"
	"github.com/voiceops/callgate/pkg/batch"
	"github.com/voiceops/callgate/pkg/capacity"
	"github.com/voiceops/callgate/pkg/config"
	"github.com/voiceops/callgate/pkg/database"
	"github.com/voiceops/callgate/pkg/reconcile"
	"github.com/voiceops/callgate/pkg/store"
	"github.com/voiceops/callgate/pkg/version"
	"github.com/voiceops/callgate/pkg/webhook"
)

func main() {
	envFile := flag.String("env-file", ".env", "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting callgate",
		"version", version.Full(),
		"http_port", cfg.HTTPPort,
		"global_cap", cfg.GlobalCap,
		"environment", cfg.Environment)

	ctx := context.Background()

	// 1. Postgres (runs embedded migrations).
	dbClient, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 2. Global capacity store.
	slots, err := capacity.NewStoreFromURL(ctx, cfg.StoreURL, cfg.GlobalCap)
	if err != nil {
		slog.Error("Failed to connect to capacity store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := slots.Close(); err != nil {
			slog.Error("Error closing capacity store", "error", err)
		}
	}()
	slog.Info("Connected to capacity store", "global_cap", cfg.GlobalCap)

	// 3. Stores and domain services.
	sessions := store.NewSessionStore(dbClient.DB)
	tenants := store.NewTenantStore(dbClient.DB)
	events := store.NewWebhookEventStore(dbClient.DB)
	batches := store.NewBatchStore(dbClient.DB)
	callLogs := store.NewCallLogStore(dbClient.DB)
	phones := store.NewPhoneNumberStore(dbClient.DB)

	controller := admission.NewController(slots, tenants, sessions, cfg.RetryAfter())
	aggregator := batch.NewAggregator(batches)
	processor := webhook.NewProcessor(controller, sessions, events, phones,
		tenants, callLogs, aggregator, cfg.PhoneInboundEnabled, cfg.WebhookTimeout())

	// 4. Startup reconciliation, before any webhook traffic is accepted.
	worker := reconcile.NewWorker(sessions, tenants, slots, events,
		cfg.ReconcileInterval(), cfg.StuckCallAge(), cfg.WebhookEventRetention())
	if err := worker.RebuildAtStartup(ctx); err != nil {
		slog.Error("Startup reconciliation failed", "error", err)
		os.Exit(1)
	}
	worker.Start(ctx)
	defer worker.Stop()

	// 5. HTTP server.
	verifier := webhook.NewVerifier(cfg.ProviderWebhookSecret, !cfg.IsProduction())
	server := api.NewServer(processor, controller, slots, dbClient, verifier, cfg.IsProduction())

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "port", cfg.HTTPPort)
		errCh <- server.Start(cfg.HTTPPort)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	case sig := <-quit:
		slog.Info("Shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Graceful shutdown failed", "error", err)
	}
	slog.Info("Shutdown complete")
}
