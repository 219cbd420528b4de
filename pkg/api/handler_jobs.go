package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/narrativelab/threadscope/pkg/models"
)

// handleCreateJob handles POST /api/jobs: validate, persist, expand
// discovery, and dispatch in the background.
func (s *Server) handleCreateJob(c *gin.Context) {
	var req models.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error(), nil)
		return
	}

	job, items, err := s.jobs.Create(c.Request.Context(), &req)
	if err != nil {
		s.mapServiceError(c, err)
		return
	}

	if s.hub != nil {
		s.hub.JobUpdated(job.ID)
	}
	c.JSON(http.StatusOK, gin.H{"job": job, "items": items})
}

// handleListJobs handles GET /api/jobs?limit=N, newest first.
func (s *Server) handleListJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	jobs, degraded, err := s.jobs.List(c.Request.Context(), limit)
	markDegraded(c, degraded)
	c.Header("Cache-Control", "max-age=2")
	if err != nil {
		// Degraded with nothing cached: empty payload, not an error page.
		c.JSON(http.StatusOK, gin.H{"jobs": []*models.Job{}, "degraded": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "degraded": degraded})
}

// handleGetJob handles GET /api/jobs/:id with up to 20 items.
func (s *Server) handleGetJob(c *gin.Context) {
	detail, degraded, err := s.jobs.Get(c.Request.Context(), c.Param("id"))
	markDegraded(c, degraded)
	if err != nil {
		s.mapServiceError(c, mapStoreNotFound(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": detail.Job, "items": detail.Items, "degraded": degraded})
}

// handleJobItems handles GET /api/jobs/:id/items?limit=M.
func (s *Server) handleJobItems(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	items, degraded, err := s.jobs.Items(c.Request.Context(), c.Param("id"), limit)
	markDegraded(c, degraded)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"items": []*models.JobItem{}, "degraded": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "degraded": degraded})
}

// handleJobSummary handles GET /api/jobs/:id/summary.
func (s *Server) handleJobSummary(c *gin.Context) {
	summary, degraded, err := s.jobs.Summary(c.Request.Context(), c.Param("id"))
	markDegraded(c, degraded)
	if err != nil {
		s.mapServiceError(c, mapStoreNotFound(err))
		return
	}
	summary.Degraded = summary.Degraded || degraded
	c.JSON(http.StatusOK, summary)
}

// handleLegacyRun handles POST /api/run and /api/run/:pipeline, the
// compatibility entrypoints that predate /api/jobs.
func (s *Server) handleLegacyRun(c *gin.Context) {
	var body struct {
		PipelineType string         `json:"pipeline_type"`
		Mode         string         `json:"mode"`
		InputConfig  map[string]any `json:"input_config"`
		URL          string         `json:"url"`
		Keyword      string         `json:"keyword"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		s.respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error(), nil)
		return
	}

	req := models.CreateJobRequest{
		PipelineType: body.PipelineType,
		Mode:         body.Mode,
		InputConfig:  body.InputConfig,
	}
	if p := c.Param("pipeline"); p != "" {
		req.PipelineType = p
	}
	if req.PipelineType == "" {
		req.PipelineType = string(models.PipelineA)
	}
	// Top-level url/keyword shorthand predates input_config.
	if req.InputConfig == nil {
		req.InputConfig = map[string]any{}
	}
	if body.URL != "" {
		req.InputConfig["url"] = body.URL
	}
	if body.Keyword != "" {
		req.InputConfig["keyword"] = body.Keyword
		if req.PipelineType == string(models.PipelineA) {
			req.PipelineType = string(models.PipelineB)
		}
	}

	job, items, err := s.jobs.Create(c.Request.Context(), &req)
	if err != nil {
		s.mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": job.ID, "job": job, "items": items})
}

// handleJobEvents upgrades to the WebSocket refresh hub.
func (s *Server) handleJobEvents(c *gin.Context) {
	if s.hub == nil {
		s.respondError(c, http.StatusNotFound, "events hub disabled", nil)
		return
	}
	s.hub.Serve(c.Writer, c.Request)
}
