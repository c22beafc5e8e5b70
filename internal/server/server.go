// Package server implements the HTTP server that hosts the relay.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chatrelay/internal/presence"
	"github.com/Tyrowin/chatrelay/internal/relay"
)

// Server owns the hub, the presence registry and the relay of one process.
type Server struct {
	cfg      Config
	hub      *Hub
	registry *presence.Registry
	relay    *relay.Relay
	upgrader websocket.Upgrader
	logger   *slog.Logger
	httpSrv  *http.Server
}

// New builds a Server and starts its hub. opts are applied to the relay after
// the ones derived from cfg.
func New(cfg Config, store relay.Store, codec relay.Encrypter, logger *slog.Logger, opts ...relay.Option) *Server {
	hub := NewHub(logger)
	registry := presence.NewRegistry()

	relayOpts := append([]relay.Option{relay.WithOnlineListBroadcast(cfg.BroadcastOnlineList)}, opts...)
	origins := newOriginPolicy(cfg.AllowedOrigins(), logger)

	s := &Server{
		cfg:      cfg,
		hub:      hub,
		registry: registry,
		relay:    relay.New(registry, hub, store, codec, logger, relayOpts...),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkOrigin,
		},
		logger: logger.With("component", "server"),
	}
	s.httpSrv = CreateServer(cfg.Port, s.Routes())

	go hub.Run()
	return s
}

// Hub returns the server's hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Registry returns the presence registry.
func (s *Server) Registry() *presence.Registry {
	return s.registry
}

// CreateServer creates the HTTP server with the timeouts used in production.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              port,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// ListenAndServe blocks until the HTTP server stops. A stop caused by
// Shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info("server listening", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, then closes every WebSocket connection.
// Closing a connection runs the normal disconnect path for its user.
func (s *Server) Shutdown(ctx context.Context) error {
	httpErr := s.httpSrv.Shutdown(ctx)
	if httpErr != nil {
		s.logger.Warn("HTTP server shutdown error", "error", httpErr)
	}

	timeout := s.cfg.ShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	return errors.Join(httpErr, s.hub.Shutdown(timeout))
}
