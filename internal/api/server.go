// Package api exposes the control plane over HTTP: deploy, lifecycle
// commands, statistics, uploads, credentials, and a WebSocket event stream.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"stratequeue/internal/config"
	"stratequeue/internal/engine"
	"stratequeue/internal/stats"
	"stratequeue/internal/supervisor"
)

// Server runs the control-plane HTTP and WebSocket endpoints.
type Server struct {
	cfg      config.HTTPConfig
	sup      *supervisor.Supervisor
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer builds the server and its route table.
func NewServer(cfg config.HTTPConfig, sup *supervisor.Supervisor, st *stats.Manager, engines *engine.Registry, dataDir string, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(sup, st, engines, dataDir, cfg.AllowedOrigins, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("POST /deploy/validate", handlers.HandleDeployValidate)
	mux.HandleFunc("POST /deploy/start", handlers.HandleDeployStart)
	mux.HandleFunc("GET /strategies", handlers.HandleStrategies)
	mux.HandleFunc("GET /strategies/{id}/statistics", handlers.HandleStatistics)
	mux.HandleFunc("POST /strategies/{id}/pause", handlers.HandlePause)
	mux.HandleFunc("POST /strategies/{id}/resume", handlers.HandleResume)
	mux.HandleFunc("POST /strategies/{id}/stop", handlers.HandleStop)
	mux.HandleFunc("GET /engines", handlers.HandleEngines)
	mux.HandleFunc("POST /upload_strategy", handlers.HandleUploadStrategy)
	mux.HandleFunc("POST /config", handlers.HandleConfig)
	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		sup:      sup,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start runs the hub, the registry-snapshot relay, and the HTTP listener.
// Blocks until the listener stops.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run()
	go s.relayRegistry(ctx)

	s.logger.Info("control plane listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop() error {
	s.logger.Info("stopping control plane")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Broadcast pushes an event (signal, fill, state change) to every stream
// client. Safe to call from any goroutine.
func (s *Server) Broadcast(typ string, data any) {
	s.hub.Broadcast(typ, data)
}

// relayRegistry forwards supervisor registry snapshots onto the event
// stream.
func (s *Server) relayRegistry(ctx context.Context) {
	snapshots, cancel := s.sup.Watch()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case records := <-snapshots:
			dtos := make([]strategyDTO, 0, len(records))
			for _, rec := range records {
				dtos = append(dtos, toStrategyDTO(rec))
			}
			s.hub.Broadcast("strategies", dtos)
		}
	}
}
