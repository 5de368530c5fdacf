// Package http provides the downlink HTTP server for caption-relay: the
// subscriber WebSocket endpoint and the health probe.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/livesub/caption-relay/internal/relay"
)

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	// Host is the address to bind to.
	Host string
	// Port is the port to listen on.
	Port int
	// ShutdownTimeout is the maximum duration to wait for active connections
	// to close.
	ShutdownTimeout time.Duration
}

// Server serves the downlink WebSocket and the health endpoint.
type Server struct {
	config      ServerConfig
	router      *chi.Mux
	httpServer  *http.Server
	broadcaster *relay.Broadcaster
	upgrader    websocket.Upgrader
	logger      *slog.Logger
}

// NewServer creates the downlink server.
func NewServer(config ServerConfig, broadcaster *relay.Broadcaster, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)

	s := &Server{
		config:      config,
		router:      router,
		broadcaster: broadcaster,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Subscribers are anonymous browser clients; any origin may read.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger.With(slog.String("component", "http")),
	}

	router.Get("/healthz", s.handleHealth)
	router.Get("/subtitles", s.handleSubtitles)

	return s
}

// handleHealth responds to the health probe with a constant OK payload.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleSubtitles upgrades the connection, registers it with the broadcaster,
// then reads and discards client payloads until disconnect.
func (s *Server) handleSubtitles(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("subscriber upgrade failed", slog.String("error", err.Error()))
		return
	}

	sub := relay.NewSubscriber(conn)
	s.broadcaster.Register(sub)
	defer func() {
		s.broadcaster.Unregister(sub)
		_ = conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Start begins listening. It blocks until the server stops; a graceful
// Shutdown makes it return nil.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
		// No ReadTimeout/WriteTimeout: subscriber WebSockets are long-lived.
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("downlink server listening", slog.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Router exposes the router for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
