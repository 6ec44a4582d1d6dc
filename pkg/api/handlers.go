package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/maestro-run/maestro/pkg/orchestrator"
	"github.com/maestro-run/maestro/pkg/router"
)

// healthCheckTimeout bounds the subsystem probes behind GET /health.
const healthCheckTimeout = 5 * time.Second

// submitRequest handles POST /api/v1/requests.
func (s *Server) submitRequest(c *gin.Context) {
	var req orchestrator.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	ctx := c.Request.Context()
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	resp, err := s.orch.Handle(ctx, req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// writeError maps orchestrator errors to HTTP status codes. Saturation
// and missing models are retryable 503s; admission failures are 4xx.
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, orchestrator.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, orchestrator.ErrUnavailable), errors.Is(err, router.ErrNoModelsAvailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		s.logger.Error("Unexpected request error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

// health handles GET /api/v1/health.
func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	report := s.orch.Health(ctx)
	status := http.StatusOK
	if report.Status == orchestrator.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// systemStats handles GET /api/v1/system/stats.
func (s *Server) systemStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.Stats())
}

// listQuarantined handles GET /api/v1/agents/quarantined.
func (s *Server) listQuarantined(c *gin.Context) {
	ids := s.tracker.Quarantined()
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"quarantined": ids})
}

// rehabilitateRequest is the body for POST /api/v1/agents/:id/rehabilitate.
type rehabilitateRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// rehabilitateAgent handles POST /api/v1/agents/:id/rehabilitate.
func (s *Server) rehabilitateAgent(c *gin.Context) {
	agentID := c.Param("id")
	var body rehabilitateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}

	if !s.tracker.Rehabilitate(agentID, body.Reason) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown agent " + agentID})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agent_id": agentID,
		"score":    s.tracker.Score(agentID),
	})
}
