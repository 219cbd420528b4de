package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/narrativelab/threadscope/pkg/models"
	"github.com/narrativelab/threadscope/pkg/services"
)

func postIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("post_id"), 10, 64)
	if err != nil || id < 1 {
		return 0, false
	}
	return id, true
}

// handleRecentPosts handles GET /api/posts.
func (s *Server) handleRecentPosts(c *gin.Context) {
	posts, degraded, err := s.posts.Recent(c.Request.Context())
	markDegraded(c, degraded)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"posts": []services.PostView{}, "degraded": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": posts, "degraded": degraded})
}

// handleAnalysisJSON handles GET /api/analysis-json/:post_id. A post without
// a document 404s with a reason code and a hint at the markdown fallback.
func (s *Server) handleAnalysisJSON(c *gin.Context) {
	postID, ok := postIDParam(c)
	if !ok {
		s.respondError(c, http.StatusBadRequest, "post_id must be a positive integer", nil)
		return
	}

	doc, err := s.posts.Analysis(c.Request.Context(), postID)
	if errors.Is(err, services.ErrAnalysisMissing) {
		body := gin.H{
			"reason_code":     "analysis_json_missing",
			"has_full_report": doc.HasFullReport,
		}
		if doc.HasFullReport {
			body["hint"] = "full report markdown is available at /api/analysis/" + c.Param("post_id")
		}
		c.JSON(http.StatusNotFound, body)
		return
	}
	if err != nil {
		s.mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// handleFullReport handles GET /api/analysis/:post_id.
func (s *Server) handleFullReport(c *gin.Context) {
	postID, ok := postIDParam(c)
	if !ok {
		s.respondError(c, http.StatusBadRequest, "post_id must be a positive integer", nil)
		return
	}

	report, err := s.posts.FullReport(c.Request.Context(), postID)
	if err != nil {
		s.mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"post_id": postID, "full_report": report})
}

// handleCommentsByPost handles GET /api/comments/by-post/:post_id with
// sort=likes|time and page/page_size.
func (s *Server) handleCommentsByPost(c *gin.Context) {
	postID, ok := postIDParam(c)
	if !ok {
		s.respondError(c, http.StatusBadRequest, "post_id must be a positive integer", nil)
		return
	}
	page, _ := strconv.Atoi(c.Query("page"))
	pageSize, _ := strconv.Atoi(c.Query("page_size"))

	result, degraded, err := s.posts.CommentsByPost(c.Request.Context(), postID, c.Query("sort"), page, pageSize)
	markDegraded(c, degraded)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"post_id": postID, "comments": []*models.Comment{}, "degraded": true})
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleCommentSearch handles GET /api/comments/search?q=&author=&post_id=.
func (s *Server) handleCommentSearch(c *gin.Context) {
	text := c.Query("q")
	author := c.Query("author")
	postID, _ := strconv.ParseInt(c.Query("post_id"), 10, 64)
	if text == "" && author == "" && postID == 0 {
		s.respondError(c, http.StatusBadRequest, "at least one of q, author, post_id is required", nil)
		return
	}

	comments, degraded, err := s.posts.SearchComments(c.Request.Context(), text, author, postID)
	markDegraded(c, degraded)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"comments": []*models.Comment{}, "degraded": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"comments": comments, "degraded": degraded})
}
