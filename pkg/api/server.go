// Package api is the HTTP surface: a gin server over the service layer, the
// WebSocket refresh hub, and the degraded-read headers external dashboards
// rely on.
package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/narrativelab/threadscope/pkg/config"
	"github.com/narrativelab/threadscope/pkg/models"
	"github.com/narrativelab/threadscope/pkg/queue"
	"github.com/narrativelab/threadscope/pkg/services"
)

const healthPingTimeout = 5 * time.Second

// PoolHealther exposes worker pool health to the health endpoint.
type PoolHealther interface {
	Health() *queue.PoolHealth
}

// DebugStore is the direct store surface behind the dev-only debug
// endpoints; it bypasses the read cache on purpose.
type DebugStore interface {
	ListJobItems(ctx context.Context, jobID string, limit int) ([]*models.JobItem, error)
}

// Server wires the service layer to the HTTP routes.
type Server struct {
	cfg       config.ServerConfig
	jobs      *services.JobService
	posts     *services.PostService
	phenomena *services.PhenomenonService
	hub       *Hub
	db        *sql.DB
	pool      PoolHealther
	debug     DebugStore
}

// NewServer creates the API server. hub, db, pool, and debug may be nil;
// the corresponding endpoints then degrade or disappear.
func NewServer(cfg config.ServerConfig, jobs *services.JobService, posts *services.PostService,
	phenomena *services.PhenomenonService, hub *Hub, db *sql.DB, pool PoolHealther, debug DebugStore) *Server {
	return &Server{
		cfg:       cfg,
		jobs:      jobs,
		posts:     posts,
		phenomena: phenomena,
		hub:       hub,
		db:        db,
		pool:      pool,
		debug:     debug,
	}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", s.handleHealth)

	api := r.Group("/api")
	{
		api.POST("/jobs", s.handleCreateJob)
		api.POST("/jobs/", s.handleCreateJob)
		api.GET("/jobs", s.handleListJobs)
		api.GET("/jobs/", s.handleListJobs)
		api.GET("/jobs/events", s.handleJobEvents)
		api.GET("/jobs/:id", s.handleGetJob)
		api.GET("/jobs/:id/items", s.handleJobItems)
		api.GET("/jobs/:id/summary", s.handleJobSummary)

		api.GET("/posts", s.handleRecentPosts)
		api.GET("/analysis-json/:post_id", s.handleAnalysisJSON)
		api.GET("/analysis/:post_id", s.handleFullReport)
		api.GET("/comments/by-post/:post_id", s.handleCommentsByPost)
		api.GET("/comments/search", s.handleCommentSearch)

		api.GET("/library/phenomena", s.handleListPhenomena)
		api.GET("/library/phenomena/:id", s.handlePhenomenonDetail)
		api.POST("/library/phenomena/:id/promote", s.handlePromotePhenomenon)

		api.POST("/run", s.handleLegacyRun)
		api.POST("/run/:pipeline", s.handleLegacyRun)

		api.GET("/debug/claim-preview", s.handleClaimPreview)
	}

	return r
}

// Serve runs the server until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
