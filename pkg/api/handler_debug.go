package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleClaimPreview handles GET /api/debug/claim-preview?job_id=. It reads
// item claim state straight from the store so operators see live lease
// ownership, never a cached snapshot. Hidden outside dev mode.
func (s *Server) handleClaimPreview(c *gin.Context) {
	if !s.cfg.DevMode || s.debug == nil {
		s.respondError(c, http.StatusNotFound, "resource not found", nil)
		return
	}

	jobID := c.Query("job_id")
	if jobID == "" {
		s.respondError(c, http.StatusBadRequest, "job_id is required", nil)
		return
	}

	items, err := s.debug.ListJobItems(c.Request.Context(), jobID, 0)
	if err != nil {
		s.mapServiceError(c, mapStoreNotFound(err))
		return
	}

	preview := make([]gin.H, 0, len(items))
	for _, item := range items {
		preview = append(preview, gin.H{
			"item_id":          item.ID,
			"status":           item.Status,
			"stage":            item.Stage,
			"worker_id":        item.WorkerID,
			"lease_expires_at": item.LeaseExpiresAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"job_id": jobID, "items": preview})
}
