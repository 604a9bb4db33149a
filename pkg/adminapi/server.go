package adminapi

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/marmos91/vrnode/internal/logger"
)

// Server provides the admin HTTP server for one replica.
//
// The server exposes:
//   - GET /healthz: Liveness probe
//   - GET /status: Replica protocol position (view, status, op/commit
//     numbers, retained checkpoints)
//
// The server supports graceful shutdown with configurable timeout.
type Server struct {
	server       *http.Server
	tokens       *TokenService
	config       APIConfig
	shutdownOnce sync.Once
}

// NewServer creates the admin HTTP server for source.
//
// The server is created in a stopped state. Call Start() to begin serving
// requests. The JWT secret must be configured via config.JWT.Secret or the
// VRNODE_ADMIN_SECRET environment variable.
func NewServer(config APIConfig, source StatusSource) (*Server, error) {
	config.applyDefaults()

	tokens, err := NewTokenService(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create token service: %w", err)
	}

	router := NewRouter(source, tokens, time.Now())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return &Server{
		server: server,
		tokens: tokens,
		config: config,
	}, nil
}

// Tokens returns the server's token service, so the host process can issue
// an operator token at startup.
func (s *Server) Tokens() *TokenService {
	return s.tokens
}

// Port returns the TCP port the server is listening on.
func (s *Server) Port() int {
	return s.config.Port
}

// Start starts the admin HTTP server and blocks until the context is
// cancelled or an error occurs. Cancellation triggers graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("admin API listening", "port", s.config.Port)
		logger.Debug("admin API endpoints available",
			"healthz", fmt.Sprintf("http://localhost:%d/healthz", s.config.Port),
			"status", fmt.Sprintf("http://localhost:%d/status", s.config.Port),
		)

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
				// Context was cancelled, error is not needed
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("admin API shutdown signal received")
		// Don't use the cancelled ctx for shutdown, it would abort immediately
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("admin API failed: %w", err)
	}
}

// Stop initiates graceful shutdown of the admin server. Safe to call
// multiple times and concurrently with Start().
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		logger.Debug("admin API shutdown initiated")

		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("admin API shutdown error: %w", err)
			logger.Error("admin API shutdown error", "error", err)
		} else {
			logger.Info("admin API stopped gracefully")
		}
	})
	return shutdownErr
}
