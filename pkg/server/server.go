package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/webnis/webnis/internal/logger"
	"github.com/webnis/webnis/pkg/config"
)

// Server is the webnis HTTPS front: one http.Server per configured listen
// address, all sharing the same router and engine.
type Server struct {
	cfg        *config.Config
	engine     *Engine
	handler    http.Handler
	servers    []*http.Server
	shutdownMu sync.Mutex
	stopped    bool
}

// New builds a server for a loaded configuration: engine, securenets list
// and router. The server is created stopped; call Start.
func New(cfg *config.Config) (*Server, error) {
	engine, err := NewEngine(cfg)
	if err != nil {
		return nil, err
	}

	var securenets *IPList
	if len(cfg.Server.Securenets) > 0 {
		securenets, err = LoadSecurenets(cfg.Server.Securenets)
		if err != nil {
			engine.Close()
			return nil, fmt.Errorf("securenets: %w", err)
		}
	}

	return &Server{
		cfg:     cfg,
		engine:  engine,
		handler: NewRouter(engine, securenets),
	}, nil
}

// Engine returns the lookup engine, mainly for tests.
func (s *Server) Engine() *Engine {
	return s.engine
}

// Start listens on every configured address and blocks until the context is
// cancelled or a listener fails.
func (s *Server) Start(ctx context.Context) error {
	var tlsConfig *tls.Config
	if s.cfg.Server.TLS {
		cert, err := tls.LoadX509KeyPair(s.cfg.Server.CrtFile, s.cfg.Server.KeyFile)
		if err != nil {
			return fmt.Errorf("loading TLS material: %w", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	errChan := make(chan error, len(s.cfg.Server.Listen))
	for _, addr := range s.cfg.Server.Listen {
		srv := &http.Server{
			Addr:         addr,
			Handler:      s.handler,
			TLSConfig:    tlsConfig,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
		s.servers = append(s.servers, srv)

		go func(srv *http.Server) {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				errChan <- fmt.Errorf("listen %s: %w", srv.Addr, err)
				return
			}
			logger.Info("listener started", "addr", srv.Addr, "tls", tlsConfig != nil)

			if tlsConfig != nil {
				err = srv.ServeTLS(ln, "", "")
			} else {
				err = srv.Serve(ln)
			}
			if err != nil && err != http.ErrServerClosed {
				errChan <- err
			}
		}(srv)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

// Stop gracefully shuts down all listeners and closes the engine. Safe to
// call more than once.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true

	var firstErr error
	for _, srv := range s.servers {
		if err := srv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.engine.Close()
	if firstErr != nil {
		return fmt.Errorf("shutdown: %w", firstErr)
	}
	logger.Info("server stopped")
	return nil
}
