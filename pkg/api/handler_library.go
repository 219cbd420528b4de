package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/narrativelab/threadscope/pkg/services"
)

// handleListPhenomena handles GET /api/library/phenomena?status=&q=.
func (s *Server) handleListPhenomena(c *gin.Context) {
	entries, degraded, err := s.phenomena.List(c.Request.Context(), c.Query("status"), c.Query("q"))
	markDegraded(c, degraded)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"phenomena": []services.PhenomenonListEntry{}, "degraded": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"phenomena": entries, "degraded": degraded})
}

// handlePhenomenonDetail handles GET /api/library/phenomena/:id.
func (s *Server) handlePhenomenonDetail(c *gin.Context) {
	detail, degraded, err := s.phenomena.Detail(c.Request.Context(), c.Param("id"))
	markDegraded(c, degraded)
	if err != nil {
		s.mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// handlePromotePhenomenon handles POST /api/library/phenomena/:id/promote.
// Only provisional rows move to active; anything else is a 409.
func (s *Server) handlePromotePhenomenon(c *gin.Context) {
	ph, err := s.phenomena.Promote(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"phenomenon": ph})
}
