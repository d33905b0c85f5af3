package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nt219/interledger/service/batch"
	"github.com/nt219/interledger/service/compliance"
	"github.com/nt219/interledger/service/config"
	"github.com/nt219/interledger/service/db"
	"github.com/nt219/interledger/service/ledger"
	"github.com/nt219/interledger/service/metrics"
	natspkg "github.com/nt219/interledger/service/nats"
	"github.com/nt219/interledger/service/nonce"
	"github.com/nt219/interledger/service/proof"
	"github.com/nt219/interledger/service/server"
	"github.com/nt219/interledger/service/temporal"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection pool
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	// Verify database connection
	if err := dbPool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	// Initialize database store
	store := db.NewStore(dbPool)

	// Initialize Prometheus metrics collector
	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	// Initialize ledger RPC client
	ledgerClient, err := ledger.Dial(ctx, cfg.LedgerRPCURL, cfg.ChainIDBig(), cfg.Contract(), metricsCollector, logger)
	if err != nil {
		logger.Error("failed to connect to ledger node", "error", err)
		os.Exit(1)
	}
	defer ledgerClient.Close()
	logger.Info("initialized ledger RPC client",
		"url", cfg.LedgerRPCURL,
		"chain_id", cfg.ChainID,
		"contract", cfg.ContractAddress,
	)

	// Load signing accounts for locally-known banks
	keyring, err := ledger.ParseKeyring(cfg.AccountsJSON)
	if err != nil {
		logger.Error("failed to parse signing accounts", "error", err)
		os.Exit(1)
	}
	logger.Info("loaded signing accounts", "count", len(keyring.Accounts()))

	// Initialize nonce coordinator and keep cached sequence views fresh
	coordinator := nonce.NewCoordinator(ledgerClient, metricsCollector, logger)
	refresher := nonce.NewRefresher(coordinator, cfg.NonceRefreshInterval, logger)
	refresher.Watch(keyring.Accounts()...)
	refresher.Start(ctx)
	defer refresher.Stop()

	// Proof sidecar is optional; batches settle plain when it is absent
	var proofService batch.ProofService
	if cfg.ProofServiceURL != "" {
		proofService = proof.NewClient(cfg.ProofServiceURL, logger, metricsCollector)
		logger.Info("initialized proof sidecar client", "url", cfg.ProofServiceURL)
	} else {
		logger.Info("proof sidecar not configured, batches settle without proofs")
	}

	// Permissioning service is optional; absent means all transfers pass
	var gate server.ComplianceGate
	if c := compliance.NewClient(cfg.ComplianceURL, logger); c != nil {
		gate = c
		logger.Info("initialized permissioning client", "url", cfg.ComplianceURL)
	} else {
		logger.Info("permissioning service not configured, checks disabled")
	}

	// Initialize NATS publisher for status events
	natsPublisher, err := natspkg.NewPublisher(cfg.NATSURL, logger, metricsCollector)
	if err != nil {
		logger.Error("failed to create NATS publisher", "error", err)
		os.Exit(1)
	}
	defer natsPublisher.Close()
	logger.Info("connected to NATS", "url", cfg.NATSURL)

	// Initialize Temporal client for schedule management
	temporalClient, err := temporal.NewClient(
		cfg.TemporalHost,
		cfg.TemporalNamespace,
		cfg.TemporalTaskQueue,
		logger,
	)
	if err != nil {
		logger.Error("failed to create temporal client", "error", err)
		os.Exit(1)
	}
	defer temporalClient.Close()

	// Batch builder shares the nonce coordinator with the single-transfer path
	batchBuilder := batch.NewBuilder(ledgerClient, coordinator, proofService, logger, metricsCollector)

	// Transfer orchestration service
	svc := server.NewTransferService(server.TransferServiceConfig{
		Store:         store,
		Ledger:        ledgerClient,
		Nonces:        coordinator,
		Batches:       batchBuilder,
		Keyring:       keyring,
		Gate:          gate,
		Scheduler:     temporalClient,
		Publisher:     natsPublisher,
		Confirmations: cfg.Confirmations,
		Debounce:      cfg.ReconcileDebounce,
		Metrics:       metricsCollector,
		Logger:        logger,
	})

	// SSE publisher bridges JetStream status events to streaming clients
	ssePublisher, err := server.NewSSEPublisher(cfg.NATSURL, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to create SSE publisher", "error", err)
		os.Exit(1)
	}

	// Initialize HTTP server
	httpServer := server.New(cfg.ServerAddr, cfg, store, ledgerClient, keyring, svc, temporalClient, ssePublisher, metricsCollector, logger)

	logger.Info("server initialized, all dependencies ready",
		"ledger_rpc", cfg.LedgerRPCURL,
		"nats_url", cfg.NATSURL,
		"temporal_host", cfg.TemporalHost,
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Graceful shutdown with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
