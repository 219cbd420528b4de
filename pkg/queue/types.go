// Package queue runs the job worker pool: per-job workers claim leased items
// from the store, drive them through the ingestion pipeline, and keep job
// heartbeats, counters, and finalization current.
package queue

import (
	"context"
	"time"

	"github.com/narrativelab/threadscope/pkg/models"
	"github.com/narrativelab/threadscope/pkg/pipeline"
)

// claimNames are the per-job claim identities recorded in worker_id. Two
// workers per job is the default; the third name covers the hard cap.
var claimNames = []string{"worker-alpha", "worker-beta", "worker-gamma"}

// Store is the persistence surface the worker pool needs.
type Store interface {
	ClaimJobItem(ctx context.Context, jobID, workerID string, lockTTLSeconds int) (*models.JobItem, error)
	TouchJobItem(ctx context.Context, itemID string, lockTTLSeconds int) error
	SetJobItemStage(ctx context.Context, itemID string, stage models.ItemStage) error
	CompleteJobItem(ctx context.Context, itemID string, resultPostID *string) error
	FailJobItem(ctx context.Context, itemID string, stage models.ItemStage, errorLog string) error
	BumpJobCounters(ctx context.Context, jobID string, isSuccess, isFailed bool) error
	TouchJobHeartbeat(ctx context.Context, jobID string) error
	FinalizeJobIfDone(ctx context.Context, jobID string) error
	GetPost(ctx context.Context, id int64) (*models.Post, error)
	ListJobs(ctx context.Context, limit int) ([]*models.Job, error)
}

// ItemRunner drives one claimed item to a terminal state and returns the
// result post id. Failures should come back as *pipeline.StageError so the
// worker can record where the item died.
type ItemRunner interface {
	RunItem(ctx context.Context, job *models.Job, item *models.JobItem, emit *pipeline.StageEmitter) (string, error)
}

// Notifier receives coalesced job-change pings for the WebSocket refresh hub.
// Implementations must not block.
type Notifier interface {
	JobUpdated(jobID string)
}

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth contains health information for a single job worker.
type WorkerHealth struct {
	ID             string       `json:"id"`
	ClaimID        string       `json:"claim_id"`
	JobID          string       `json:"job_id"`
	Status         WorkerStatus `json:"status"`
	CurrentItemID  string       `json:"current_item_id,omitempty"`
	ItemsProcessed int          `json:"items_processed"`
	LastActivity   time.Time    `json:"last_activity"`
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy      bool           `json:"is_healthy"`
	PodID          string         `json:"pod_id"`
	ActiveJobs     int            `json:"active_jobs"`
	ActiveWorkers  int            `json:"active_workers"`
	TotalWorkers   int            `json:"total_workers"`
	ItemsProcessed int            `json:"items_processed"`
	WorkerStats    []WorkerHealth `json:"worker_stats"`
}
