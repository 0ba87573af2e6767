// Package server exposes the pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/mediarelay/internal/config"
	"github.com/mantonx/mediarelay/internal/server/handlers"
)

// Deps are the components the routes are served from.
type Deps struct {
	Jobs   handlers.JobService
	Media  *handlers.MediaHandler
	Health map[string]handlers.HealthCheck
}

// Server is the HTTP front of the pipeline.
type Server struct {
	cfg    config.ServerConfig
	router *gin.Engine
	logger hclog.Logger
}

// New builds a server and its router.
func New(cfg config.ServerConfig, deps Deps, logger hclog.Logger) *Server {
	s := &Server{cfg: cfg, logger: logger.Named("http")}
	s.router = SetupRouter(deps, s.logger)
	return s
}

// Router returns the underlying engine.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// SetupRouter configures and returns the main router
func SetupRouter(deps Deps, logger hclog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))
	r.Use(metricsMiddleware())

	// CORS middleware for development
	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	setupRoutes(r, deps)
	return r
}

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		// no WriteTimeout: progress streams outlive it
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}
