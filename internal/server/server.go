// Package server provides the gRPC Documents and PermissionStore services
// of the document portal, served on a unix socket, plus an optional
// read-only REST gateway.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ajaxzhan/document-portal/internal/document"
	"github.com/ajaxzhan/document-portal/internal/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Config holds server configuration.
type Config struct {
	SocketPath string
	HTTPAddr   string // Optional REST gateway and metrics address
}

// Server represents the gRPC server.
type Server struct {
	config      *Config
	grpcServer  *grpc.Server
	httpServer  *http.Server
	documents   *DocumentsService
	permissions *PermissionStoreService
	mu          sync.Mutex
}

// New creates a new gRPC server. ident may be nil to identify callers by
// their unix socket peer credentials.
func New(cfg *Config, reg *document.Registry, ident Identifier) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.SocketPath == "" {
		return nil, errors.New("socket path is required")
	}
	if reg == nil {
		return nil, errors.New("document registry is required")
	}
	if ident == nil {
		ident = NewPeerIdentifier()
	}

	grpcServer := grpc.NewServer(
		grpc.Creds(PeerCredentials{}),
		grpc.ChainUnaryInterceptor(logUnary),
	)
	docs := NewDocumentsService(reg, ident)
	perms := NewPermissionStoreService(reg.Store(), ident)

	RegisterDocumentsServer(grpcServer, docs)
	RegisterPermissionStoreServer(grpcServer, perms)

	return &Server{
		config:      cfg,
		grpcServer:  grpcServer,
		documents:   docs,
		permissions: perms,
	}, nil
}

// logUnary logs failed calls at debug level.
func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		logging.Debug("RPC failed",
			logging.String("method", info.FullMethod),
			logging.String("code", status.Code(err).String()),
			logging.Duration("elapsed", time.Since(start)),
			logging.Err(err))
	}
	return resp, err
}

// listen binds the unix socket, replacing a stale socket file left by a
// previous instance.
func (s *Server) listen() (net.Listener, error) {
	path := s.config.SocketPath
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("%s exists and is not a socket", path)
		}
		if conn, err := net.Dial("unix", path); err == nil {
			conn.Close()
			return nil, fmt.Errorf("another server is listening on %s", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}

	lis, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		lis.Close()
		return nil, fmt.Errorf("failed to restrict socket: %w", err)
	}
	return lis, nil
}

// Start starts the gRPC server.
func (s *Server) Start() error {
	lis, err := s.listen()
	if err != nil {
		return err
	}
	logging.Info("gRPC server listening", logging.String("socket", s.config.SocketPath))
	return s.grpcServer.Serve(lis)
}

// Stop gracefully stops the server.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		s.httpServer.Close()
	}
	s.grpcServer.GracefulStop()
	os.Remove(s.config.SocketPath)
}

// StartWithGateway starts the gRPC server and, when an HTTP address is
// configured, the REST gateway. It returns when either fails.
func (s *Server) StartWithGateway() error {
	if s.config.HTTPAddr == "" {
		return s.Start()
	}

	grpcLis, err := s.listen()
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)

	go func() {
		err := s.grpcServer.Serve(grpcLis)
		if err != nil {
			err = fmt.Errorf("gRPC server error: %w", err)
		}
		// nil after Stop
		errCh <- err
	}()
	logging.Info("gRPC server listening", logging.String("socket", s.config.SocketPath))

	mux, err := s.Gateway()
	if err != nil {
		return fmt.Errorf("failed to build gateway: %w", err)
	}

	httpServer := &http.Server{
		Addr:              s.config.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = httpServer
	s.mu.Unlock()

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()
	logging.Info("REST gateway listening", logging.String("addr", s.config.HTTPAddr))

	return <-errCh
}
