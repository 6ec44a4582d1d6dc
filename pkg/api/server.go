// Package api exposes the runtime over HTTP: request submission, health,
// system stats, reputation management, and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maestro-run/maestro/pkg/config"
	"github.com/maestro-run/maestro/pkg/orchestrator"
	"github.com/maestro-run/maestro/pkg/reputation"
)

// Server is the HTTP API server.
type Server struct {
	cfg     config.ServerConfig
	orch    *orchestrator.Orchestrator
	tracker *reputation.Tracker
	logger  *slog.Logger
	engine  *gin.Engine
	httpSrv *http.Server
}

// NewServer wires the routes. The reputation tracker backs the agent
// management endpoints.
func NewServer(cfg config.ServerConfig, orch *orchestrator.Orchestrator, tracker *reputation.Tracker) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		cfg:     cfg,
		orch:    orch,
		tracker: tracker,
		logger:  slog.With("component", "api"),
		engine:  engine,
	}
	s.engine.Use(s.requestLogger())

	v1 := engine.Group("/api/v1")
	{
		v1.POST("/requests", s.submitRequest)
		v1.GET("/health", s.health)
		v1.GET("/system/stats", s.systemStats)
		v1.GET("/agents/quarantined", s.listQuarantined)
		v1.POST("/agents/:id/rehabilitate", s.rehabilitateAgent)
	}
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens until ctx is canceled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		return nil
	}
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// requestLogger logs one line per request in the structured log.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("Request handled",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
