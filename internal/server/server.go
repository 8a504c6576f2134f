// Package server constructs and runs the chat relay HTTP service, tying the
// WebSocket transport to the chat session handler and coordinating graceful
// shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chatrelay/internal/chat"
)

// Server owns the connection registry and the HTTP listener for one relay
// process.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	registry *chat.Registry
	handler  *chat.Handler
	origins  *originPolicy
	upgrader websocket.Upgrader

	httpServer *http.Server

	mu       sync.Mutex
	closing  bool
	sessions sync.WaitGroup

	// ctx is cancelled by Shutdown; every session closes its connection
	// with "going away" when that happens.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Server from cfg. Invalid or missing settings fall back to
// their defaults. A nil logger uses slog.Default().
func New(cfg *Config, logger *slog.Logger) *Server {
	if cfg == nil {
		cfg = NewConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := sanitizeConfig(*cfg)

	registry := chat.NewRegistry()
	router := chat.NewRouter(registry, c.SendTimeout, logger)
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:      c,
		logger:   logger,
		registry: registry,
		handler:  chat.NewHandler(registry, router, logger),
		origins:  newOriginPolicy(c.AllowedOrigins, logger),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
	s.httpServer = CreateServer(c.Addr(), s.SetupRoutes())
	return s
}

// CreateServer creates and configures an HTTP server with the specified address and handler.
// It sets reasonable timeout values for production use; upgraded connections
// are exempt since the upgrade clears the deadlines.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// ListenAndServe starts accepting connections and blocks until the listener
// fails or Shutdown is called. A shutdown is not reported as an error.
func (s *Server) ListenAndServe() error {
	s.logger.Info("Server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	return nil
}

// Shutdown stops accepting new connections, closes every open connection
// with "going away", and waits until all sessions have finished their
// teardown or ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.logger.Info("Shutting down server", "connections", s.registry.Len())

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Server shutdown completed")
	case <-ctx.Done():
		s.logger.Warn("Shutdown timeout reached, some sessions may still be running",
			"connections", s.registry.Len())
		errs = append(errs, fmt.Errorf("waiting for sessions: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}

// beginSession reserves a session slot unless the server is shutting down.
func (s *Server) beginSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions.Add(1)
	return true
}

// serveConn runs the chat session for an upgraded connection on the
// calling goroutine.
func (s *Server) serveConn(ws *websocket.Conn, remote string) {
	defer s.sessions.Done()

	conn := newWSConn(ws, remote, s.cfg, s.logger)
	go conn.keepalive()

	stop := context.AfterFunc(s.ctx, func() {
		conn.Close(websocket.CloseGoingAway, "server shutting down")
	})
	defer stop()

	err := s.handler.Serve(s.ctx, conn)
	conn.logSessionEnd(err)
	conn.release()
}
