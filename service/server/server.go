package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nt219/interledger/service/config"
	"github.com/nt219/interledger/service/ledger"
	"github.com/nt219/interledger/service/metrics"
	"github.com/nt219/interledger/service/temporal"
)

// Server represents the HTTP server for the transfer engine.
type Server struct {
	addr         string
	cfg          *config.Config
	store        RecordStore
	ledgerClient LedgerService
	keyring      *ledger.Keyring
	svc          *TransferService
	scheduler    temporal.Scheduler
	ssePublisher *SSEPublisher
	metrics      *metrics.Metrics
	logger       *slog.Logger
	server       *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The scheduler maintains the recurring reconciliation schedule.
// The ssePublisher is optional - if nil, SSE endpoints won't be available.
// The metrics is optional - if nil, the metrics endpoint won't be available.
func New(addr string, cfg *config.Config, store RecordStore, lc LedgerService, kr *ledger.Keyring, svc *TransferService, scheduler temporal.Scheduler, ssePublisher *SSEPublisher, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:         addr,
		cfg:          cfg,
		store:        store,
		ledgerClient: lc,
		keyring:      kr,
		svc:          svc,
		scheduler:    scheduler,
		ssePublisher: ssePublisher,
		metrics:      m,
		logger:       logger,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	// The recurring reconciliation schedule backs the optimistic submission
	// path, so the server refuses to start without it.
	if err := s.ensureReconcileSchedule(context.Background()); err != nil {
		return fmt.Errorf("failed to ensure reconciliation schedule: %w", err)
	}

	mux := http.NewServeMux()

	// Transfer routes
	mux.Handle("POST /api/v1/transfers", s.route("submit_transfer", handleSubmitTransfer(s.svc, s.logger)))
	mux.Handle("POST /api/v1/transfers/batch", s.route("submit_batch", handleSubmitBatch(s.svc, s.logger)))
	mux.Handle("GET /api/v1/transfers", s.route("list_transfers", handleListTransfers(s.store, s.logger)))
	mux.Handle("GET /api/v1/transfers/unreconciled", s.route("list_unreconciled", handleListUnreconciled(s.store, s.logger)))
	mux.Handle("GET /api/v1/transfers/{reference_code}", s.route("get_transfer", handleGetTransfer(s.store, s.logger)))
	mux.Handle("DELETE /api/v1/transfers/{reference_code}", s.route("delete_transfer", handleDeleteTransfer(s.store, s.logger)))

	// Account routes
	mux.Handle("GET /api/v1/accounts/{address}", s.route("get_account", handleGetAccount(s.ledgerClient, s.keyring, s.logger)))
	mux.Handle("DELETE /api/v1/accounts/{address}/transfers", s.route("purge_transfers", handlePurgeTransfers(s.store, s.logger)))

	// SSE streaming endpoints (if SSE publisher is configured)
	if s.ssePublisher != nil {
		mux.Handle("GET /api/v1/stream/transfers/{address}", handleStreamTransfers(s.ssePublisher, s.logger))
		mux.Handle("GET /api/v1/stream/transfers", handleStreamTransfers(s.ssePublisher, s.logger))
		s.logger.Info("SSE streaming endpoints enabled")
	} else {
		s.logger.Warn("SSE publisher not configured, streaming endpoints disabled")
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	handler := corsMiddleware(mux)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second, // submission path blocks on outcome waits
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// route wraps a handler with per-route metrics.
func (s *Server) route(name string, h http.Handler) http.Handler {
	return metrics.HTTPMetricsMiddleware(s.metrics, name)(h)
}

// ensureReconcileSchedule creates the recurring reconciliation schedule if it
// does not already exist.
func (s *Server) ensureReconcileSchedule(ctx context.Context) error {
	if s.scheduler == nil {
		s.logger.Warn("scheduler not configured, reconciliation schedule not ensured")
		return nil
	}

	if err := s.scheduler.CreateReconcileSchedule(ctx, s.cfg.ReconcileInterval); err != nil {
		return err
	}

	s.logger.Info("reconciliation schedule ensured",
		"schedule_id", temporal.ReconcileScheduleID,
		"interval", s.cfg.ReconcileInterval,
	)
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close SSE publisher first (disconnects all clients)
	if s.ssePublisher != nil {
		s.ssePublisher.Close()
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
