package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Server wraps the HTTP server with production timeouts and graceful
// shutdown.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
	listener   net.Listener
}

// ServerConfig holds the listener parameters.
type ServerConfig struct {
	Addr string

	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	MaxHeaderBytes    int
}

// DefaultServerConfig returns production-ready timeouts. The write
// timeout is generous because publish uploads can be tens of megabytes.
func DefaultServerConfig(addr string) ServerConfig {
	return ServerConfig{
		Addr:              addr,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

// NewServer builds a server around the handler.
func NewServer(cfg ServerConfig, handler http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			MaxHeaderBytes:    cfg.MaxHeaderBytes,
		},
		logger: logger.Named("server"),
	}
}

// Start listens and serves until Shutdown or a listener error.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.logger.Info("listening", zap.String("addr", listener.Addr().String()))
	return s.httpServer.Serve(listener)
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the bound address, useful when the port was 0.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}
