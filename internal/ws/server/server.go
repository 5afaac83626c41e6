package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Server serves the agent channel on its own port.
type Server struct {
	config        Config
	engine        *gin.Engine
	httpServer    *http.Server
	tlsConfig     *tls.Config
	connManager   *ConnectionManager
	dispatcher    *Dispatcher
	streamHandler *StreamHandler
}

// NewServer wires the channel components. registry may be nil, in which case
// every token is rejected. tlsConfig nil means plain ws://.
func NewServer(config Config, registry Registry, tlsConfig *tls.Config) *Server {
	config = config.withDefaults()

	connManager := NewConnectionManager(registry, config.HeartbeatInterval, config.HeartbeatGrace)
	dispatcher := NewDispatcher(connManager, registry, config.CommandTimeout)
	streamHandler := NewStreamHandler(connManager, dispatcher, registry, config)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET(config.Path, streamHandler.Handle)

	httpServer := &http.Server{
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         tlsConfig,
	}

	return &Server{
		config:        config,
		engine:        engine,
		httpServer:    httpServer,
		tlsConfig:     tlsConfig,
		connManager:   connManager,
		dispatcher:    dispatcher,
		streamHandler: streamHandler,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

func (s *Server) ConnectionManager() *ConnectionManager {
	return s.connManager
}

func (s *Server) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Start blocks until the server stops.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.config.Port, err)
	}
	return s.Serve(lis)
}

func (s *Server) Serve(lis net.Listener) error {
	slog.Info("Starting agent channel server",
		"addr", lis.Addr().String(),
		"path", s.config.Path,
		"tls", s.tlsConfig != nil)

	if s.tlsConfig != nil {
		err := s.httpServer.ServeTLS(lis, "", "")
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve channel: %w", err)
		}
		return nil
	}

	if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve channel: %w", err)
	}
	return nil
}

// Stop closes every agent connection with a shutdown reason, then stops
// accepting new ones.
func (s *Server) Stop(ctx context.Context) error {
	slog.Info("Stopping agent channel server")

	s.connManager.Stop()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		slog.Warn("Agent channel server stop timeout, forcing shutdown", "error", err)
		return s.httpServer.Close()
	}

	slog.Info("Agent channel server stopped gracefully")
	return nil
}

func (s *Server) StopWithTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Stop(ctx)
}
