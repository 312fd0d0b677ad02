// Package api provides the HTTP status and administration API of a
// protocol server
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/atlasworld/atlasnet/pkg/network"
	"github.com/atlasworld/atlasnet/pkg/storage"
)

// Server represents the HTTP API server
type Server struct {
	node       *network.Server
	keys       *storage.KeyStore
	config     *Config
	router     *gin.Engine
	httpServer *http.Server
	log        logrus.FieldLogger
}

// Config holds server configuration
type Config struct {
	Addr         string
	Version      string // Reported by /api/v1/status
	EnableCORS   bool
	RateLimit    int      // Requests per minute per client IP
	APIKeys      []string // Empty disables authentication
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Addr:         "127.0.0.1:27780",
		Version:      "dev",
		RateLimit:    100,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// NewServer creates a new HTTP API server. keys may be nil, in which case
// the key routes are not registered.
func NewServer(node *network.Server, keys *storage.KeyStore, config *Config, logger logrus.FieldLogger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	gin.SetMode(gin.ReleaseMode)

	server := &Server{
		node:   node,
		keys:   keys,
		config: config,
		router: gin.New(),
		log:    logger.WithField("component", "api"),
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware() {
	if s.config.EnableCORS {
		s.router.Use(CORSMiddleware())
	}

	s.router.Use(RateLimitMiddleware(s.config.RateLimit))
	s.router.Use(LoggingMiddleware(s.log))
	s.router.Use(gin.Recovery())
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	if len(s.config.APIKeys) > 0 {
		valid := make(map[string]bool, len(s.config.APIKeys))
		for _, k := range s.config.APIKeys {
			valid[k] = true
		}
		v1.Use(AuthMiddleware(valid))
	}
	{
		v1.GET("/status", s.handleStatus)

		conns := v1.Group("/connections")
		{
			conns.GET("", s.handleConnections)
			conns.GET("/:id", s.handleConnection)
			conns.DELETE("/:id", s.handleDisconnect)
		}

		if s.keys != nil {
			keys := v1.Group("/keys")
			{
				keys.GET("", s.handleKeys)
				keys.POST("", s.handleTrustKey)
				keys.DELETE("/:id", s.handleRevokeKey)
				keys.POST("/:id/blacklist", s.handleBlacklistKey)
			}
		}
	}

	// Health check endpoint (outside versioning)
	s.router.GET("/health", s.handleHealth)
}

// Handler returns the HTTP handler of the API
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the API until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.config.Addr).Info("HTTP API listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err, ok := <-errc:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info("shutting down HTTP API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}
