// Package server is the HTTP and WebSocket API surface. All lifecycle
// semantics live in the engine; handlers translate JSON to service calls.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wafflebay/marketd/internal/domain"
	"github.com/wafflebay/marketd/internal/server/handler"
	"github.com/wafflebay/marketd/internal/server/middleware"
	"github.com/wafflebay/marketd/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// OperatorKey protects the /api/operator endpoints. If empty, they are
	// disabled entirely rather than left open.
	OperatorKey string
	// EntryRateLimit caps entry submissions per client IP per minute.
	// Zero disables rate limiting.
	EntryRateLimit int
}

// Handlers aggregates all HTTP handlers the server registers.
type Handlers struct {
	Health    *handler.HealthHandler
	Markets   *handler.MarketHandler
	Entries   *handler.EntryHandler
	Lifecycle *handler.LifecycleHandler
	Operator  *handler.OperatorHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on the ServeMux and
// the middleware chain (logging, CORS, per-route auth and rate limits)
// wired. limiter may be nil to disable entry rate limiting.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check.
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Market reads.
	mux.HandleFunc("GET /api/markets", handlers.Markets.ListMarkets)
	mux.HandleFunc("GET /api/markets/{id}", handlers.Markets.GetMarket)
	mux.HandleFunc("GET /api/markets/{id}/participants", handlers.Markets.ListParticipants)
	mux.HandleFunc("GET /api/markets/{id}/events", handlers.Markets.EventHistory)

	// Market lifecycle.
	mux.HandleFunc("POST /api/markets", handlers.Markets.CreateMarket)
	mux.HandleFunc("POST /api/markets/{id}/open", handlers.Markets.OpenMarket)
	mux.HandleFunc("POST /api/markets/{id}/close", handlers.Lifecycle.Close)
	mux.HandleFunc("POST /api/markets/{id}/commit", handlers.Lifecycle.Commit)
	mux.HandleFunc("POST /api/markets/{id}/reveal", handlers.Lifecycle.Reveal)
	mux.HandleFunc("POST /api/markets/{id}/settle", handlers.Lifecycle.Settle)
	mux.HandleFunc("POST /api/markets/{id}/timeout", handlers.Lifecycle.Timeout)
	mux.HandleFunc("POST /api/markets/{id}/refunds", handlers.Lifecycle.ClaimRefund)

	// Entries, rate limited per client IP when a limiter is configured.
	var enter http.Handler = http.HandlerFunc(handlers.Entries.Enter)
	if limiter != nil && cfg.EntryRateLimit > 0 {
		enter = middleware.RateLimit(limiter, cfg.EntryRateLimit, time.Minute)(enter)
	}
	mux.Handle("POST /api/markets/{id}/entries", enter)

	// Escrow accounts.
	mux.HandleFunc("POST /api/accounts/deposit", handlers.Entries.Deposit)
	mux.HandleFunc("GET /api/accounts/{account}/balance", handlers.Entries.Balance)

	// Operator endpoints sit behind their own key.
	if cfg.OperatorKey != "" {
		operatorAuth := middleware.Auth(cfg.OperatorKey)
		mux.Handle("PUT /api/operator/foundation",
			operatorAuth(http.HandlerFunc(handlers.Operator.UpdateFoundation)))
		mux.Handle("PUT /api/operator/secrets",
			operatorAuth(http.HandlerFunc(handlers.Operator.StoreSecret)))
		mux.Handle("POST /api/operator/reveal",
			operatorAuth(http.HandlerFunc(handlers.Operator.Reveal)))
	}

	// WebSocket event feed.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
