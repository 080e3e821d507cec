package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/XueKirby/mastodon-streaming/pkg/config"
	"github.com/XueKirby/mastodon-streaming/pkg/logging"
	"github.com/XueKirby/mastodon-streaming/pkg/middleware"
	"github.com/XueKirby/mastodon-streaming/pkg/monitoring"
)

// Config represents server configuration. Socket takes precedence over
// Addr when both are set.
type Config struct {
	ServiceName string
	Addr        string
	Socket      string
	IdleTimeout time.Duration
}

// DefaultConfig returns default server configuration for a TCP address
// or a UNIX socket path.
func DefaultConfig(serviceName, addr, socket string) Config {
	return Config{
		ServiceName: serviceName,
		Addr:        addr,
		Socket:      socket,
		IdleTimeout: 120 * time.Second,
	}
}

// SetupServiceRouter creates a Gin router with common middleware plus
// health and metrics endpoints.
func SetupServiceRouter(logger logging.Logger, serviceName string, healthChecker *monitoring.HealthChecker, metricsCollector *monitoring.MetricsCollector) *gin.Engine {
	// Set Gin mode based on environment
	if config.GetEnv("GIN_MODE", "debug") == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Add common middleware
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.CORSMiddleware())
	router.Use(metricsCollector.MetricsMiddleware())

	router.GET("/health", healthChecker.Handler())
	router.GET("/metrics", metricsCollector.Handler())

	return router
}

// Start runs the HTTP server until ctx is canceled, then shuts it down
// gracefully. Streaming responses stay open indefinitely, so the server
// carries no read or write timeouts; only the idle timeout applies.
func Start(ctx context.Context, cfg Config, router *gin.Engine, logger logging.Logger) error {
	srv := &http.Server{
		Handler:     router,
		IdleTimeout: cfg.IdleTimeout,
	}

	ln, err := listen(cfg)
	if err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.WithFields(logging.Fields{
			"addr":    listenerName(cfg),
			"service": cfg.ServiceName,
		}).Info("Starting HTTP server")

		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.WithField("service", cfg.ServiceName).Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Closing server after shutdown timeout")
		srv.Close()
	}

	logger.WithField("service", cfg.ServiceName).Info("Server stopped")
	return nil
}

// listen opens the configured listener. UNIX sockets are made
// world-writable after bind so a frontend proxy running as another user
// can reach them.
func listen(cfg Config) (net.Listener, error) {
	if cfg.Socket == "" {
		return net.Listen("tcp", cfg.Addr)
	}

	if err := os.Remove(cfg.Socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	ln, err := net.Listen("unix", cfg.Socket)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(cfg.Socket, 0o666); err != nil {
		ln.Close()
		return nil, err
	}
	return ln, nil
}

func listenerName(cfg Config) string {
	if cfg.Socket != "" {
		return cfg.Socket
	}
	return cfg.Addr
}
