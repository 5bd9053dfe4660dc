package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/latchwork/latch/pkg/models"
	"github.com/latchwork/latch/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// livenessHandler handles GET /healthz.
// Answers as long as the process can serve HTTP; no dependencies checked,
// so an unhealthy database never gets the process restarted.
func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// readinessHandler handles GET /v1/health.
// Checks the database and reports queue depth; 503 when the kernel cannot
// take writes.
func (s *Server) readinessHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	health := models.HealthStatus{
		Status:  healthStatusHealthy,
		Version: version.GitCommit,
	}

	dbHealth, err := s.dbClient.Health(ctx)
	health.Database = dbHealth.Status
	if err != nil {
		health.Status = healthStatusUnhealthy
		c.JSON(http.StatusServiceUnavailable, health)
		return
	}

	depth, err := s.system.QueueDepth(ctx)
	if err != nil {
		health.Status = healthStatusUnhealthy
		c.JSON(http.StatusServiceUnavailable, health)
		return
	}
	health.QueueDepth = depth

	c.JSON(http.StatusOK, health)
}
