// Package api implements the bridge's HTTP surface: the inbound signal
// webhook and the operator's read/control routes (spec.md §6). Grounded on
// the teacher's internal/api/server.go — a single http.ServeMux wrapped in
// an *http.Server with explicit timeouts and a Start/Stop lifecycle the
// entrypoint drives on shutdown.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"tiger-webhook/internal/dispatch"
	"tiger-webhook/internal/metrics"
	"tiger-webhook/internal/polling"
	"tiger-webhook/internal/query"
)

// Server runs the bridge's HTTP surface.
type Server struct {
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer builds a Server wired to the live components the handlers read
// through to. port is the TCP port from config.Config.Port.
func NewServer(port int, version string, mockMode bool, accounts []string, dispatcher *dispatch.Dispatcher, pollingMgr *polling.Manager, querySvc *query.Service, logger *slog.Logger) *Server {
	logger = logger.With("component", "api-server")
	handlers := newHandlers(version, mockMode, accounts, dispatcher, pollingMgr, querySvc, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", handlers.handleWebhook)
	mux.HandleFunc("GET /health", handlers.handleHealth)
	mux.HandleFunc("GET /status", handlers.handleStatus)
	mux.HandleFunc("GET /positions/{account}", handlers.handlePositions)
	mux.HandleFunc("GET /delta/records", handlers.handleDeltaRecords)
	mux.HandleFunc("GET /delta/summary", handlers.handleDeltaSummary)
	mux.HandleFunc("GET /chain", handlers.handleChain)
	mux.HandleFunc("POST /polling/{loop}/{action}", handlers.handlePollingControl)
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{handlers: handlers, server: server, logger: logger}
}

// Start blocks serving HTTP until the server is stopped.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server, giving in-flight requests up to 10s to
// finish.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
