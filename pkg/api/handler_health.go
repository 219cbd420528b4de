package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/narrativelab/threadscope/pkg/database"
	"github.com/narrativelab/threadscope/pkg/version"
)

// handleHealth handles GET /healthz: database reachability plus worker pool
// and hub snapshots.
func (s *Server) handleHealth(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{
		"status":    "ok",
		"version":   version.Full(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if s.db != nil {
		pingCtx, cancel := context.WithTimeout(c.Request.Context(), healthPingTimeout)
		defer cancel()
		health := database.CheckHealth(pingCtx, s.db)
		body["database"] = health
		if !health.Healthy {
			status = http.StatusServiceUnavailable
			body["status"] = "unhealthy"
		}
	}

	if s.pool != nil {
		health := s.pool.Health()
		body["worker_pool"] = health
		if !health.IsHealthy {
			body["status"] = "degraded"
		}
	}
	if s.hub != nil {
		body["ws_clients"] = s.hub.ClientCount()
	}

	c.JSON(status, body)
}
