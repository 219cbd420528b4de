package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/narrativelab/threadscope/pkg/models"
)

const jobColumns = `id, pipeline_type, mode, input_config, status,
	total_count, processed_count, success_count, failed_count, error_summary,
	created_at, updated_at, finished_at, last_heartbeat_at`

const itemColumns = `id, job_id, target_id, status, stage, attempts,
	worker_id, lease_expires_at, result_post_id, error_log, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*models.Job, error) {
	var (
		job       models.Job
		pipeline  string
		mode      string
		status    string
		rawConfig []byte
	)
	err := r.Scan(&job.ID, &pipeline, &mode, &rawConfig, &status,
		&job.TotalCount, &job.ProcessedCount, &job.SuccessCount, &job.FailedCount,
		&job.ErrorSummary, &job.CreatedAt, &job.UpdatedAt, &job.FinishedAt, &job.LastHeartbeat)
	if err != nil {
		return nil, err
	}
	job.InputConfig = unmarshalMap(rawConfig)

	var known bool
	if job.PipelineType, known = models.ParsePipelineType(pipeline); !known {
		slog.Warn("Unknown pipeline_type in store, coerced", "job_id", job.ID, "value", pipeline)
	}
	if job.Mode, known = models.ParseJobMode(mode); !known {
		slog.Warn("Unknown job mode in store, coerced", "job_id", job.ID, "value", mode)
	}
	if job.Status, known = models.ParseJobStatus(status); !known {
		slog.Warn("Unknown job status in store, coerced", "job_id", job.ID, "value", status)
	}
	return &job, nil
}

func scanItem(r rowScanner) (*models.JobItem, error) {
	var (
		item   models.JobItem
		status string
		stage  string
	)
	err := r.Scan(&item.ID, &item.JobID, &item.TargetID, &status, &stage, &item.Attempts,
		&item.WorkerID, &item.LeaseExpiresAt, &item.ResultPostID, &item.ErrorLog,
		&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}
	var known bool
	if item.Status, known = models.ParseItemStatus(status); !known {
		slog.Warn("Unknown item status in store, coerced", "item_id", item.ID, "value", status)
	}
	if item.Stage, known = models.ParseItemStage(stage); !known {
		slog.Warn("Unknown item stage in store, coerced", "item_id", item.ID, "value", stage)
	}
	return &item, nil
}

// CreateJob persists a new job row in status discovering.
func (c *Client) CreateJob(ctx context.Context, job *models.Job) error {
	cfg, err := marshalJSON(job.InputConfig)
	if err != nil {
		return err
	}
	return c.exec(ctx, "create_job", `
		INSERT INTO job_batches (id, pipeline_type, mode, input_config, status)
		VALUES ($1, $2, $3, $4, $5)`,
		job.ID, string(job.PipelineType), string(job.Mode), cfg, string(job.Status))
}

// InsertJobItems writes the expanded discovery targets as pending items.
func (c *Client) InsertJobItems(ctx context.Context, items []*models.JobItem) error {
	for _, item := range items {
		err := c.exec(ctx, "insert_job_item", `
			INSERT INTO job_items (id, job_id, target_id, status, stage, attempts)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			item.ID, item.JobID, item.TargetID, string(item.Status), string(item.Stage), item.Attempts)
		if err != nil {
			return fmt.Errorf("failed to insert job item %s: %w", item.ID, err)
		}
	}
	return nil
}

// SetJobDiscovered records the discovery result: total count and the move to
// processing.
func (c *Client) SetJobDiscovered(ctx context.Context, jobID string, total int) error {
	return c.exec(ctx, "set_job_discovered", `
		UPDATE job_batches
		SET total_count = $2, status = 'processing', updated_at = now()
		WHERE id = $1`, jobID, total)
}

// SetJobError records a job-level failure with its error summary.
func (c *Client) SetJobError(ctx context.Context, jobID, summary string) error {
	return c.exec(ctx, "set_job_error", `
		UPDATE job_batches
		SET status = 'failed', error_summary = left($2, 500),
		    finished_at = now(), updated_at = now()
		WHERE id = $1`, jobID, summary)
}

// TouchJobHeartbeat refreshes the job-level heartbeat summary readers use for
// staleness derivation.
func (c *Client) TouchJobHeartbeat(ctx context.Context, jobID string) error {
	return c.exec(ctx, "touch_job_heartbeat", `
		UPDATE job_batches SET last_heartbeat_at = now() WHERE id = $1`, jobID)
}

// UpdateJobCounters overwrites the job header counters from a batch summary.
// Only the Pipeline B backend uses this; per-item accounting goes through
// BumpJobCounters.
func (c *Client) UpdateJobCounters(ctx context.Context, jobID string, total, processed, success, failed int) error {
	return c.exec(ctx, "update_job_counters", `
		UPDATE job_batches
		SET total_count = $2, processed_count = $3, success_count = $4,
		    failed_count = $5, updated_at = now()
		WHERE id = $1`, jobID, total, processed, success, failed)
}

// GetJob fetches one job row.
func (c *Client) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job *models.Job
	err := c.queryRow(ctx, "get_job",
		`SELECT `+jobColumns+` FROM job_batches WHERE id = $1`,
		func(row *sql.Row) error {
			var scanErr error
			job, scanErr = scanJob(row)
			return scanErr
		}, jobID)
	return job, err
}

// ListJobs returns jobs newest first.
func (c *Client) ListJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	var jobs []*models.Job
	err := c.query(ctx, "list_jobs",
		`SELECT `+jobColumns+` FROM job_batches ORDER BY created_at DESC LIMIT $1`,
		func(rows *sql.Rows) error {
			for rows.Next() {
				job, scanErr := scanJob(rows)
				if scanErr != nil {
					return scanErr
				}
				jobs = append(jobs, job)
			}
			return nil
		}, limit)
	return jobs, err
}

// ListJobItems returns the job's items by updated_at descending.
func (c *Client) ListJobItems(ctx context.Context, jobID string, limit int) ([]*models.JobItem, error) {
	var items []*models.JobItem
	err := c.query(ctx, "list_job_items",
		`SELECT `+itemColumns+` FROM job_items
		 WHERE job_id = $1 ORDER BY updated_at DESC LIMIT $2`,
		func(rows *sql.Rows) error {
			for rows.Next() {
				item, scanErr := scanItem(rows)
				if scanErr != nil {
					return scanErr
				}
				items = append(items, item)
			}
			return nil
		}, jobID, limit)
	return items, err
}

// LastItemUpdate returns the most recent item update time for a job, nil when
// the job has no items.
func (c *Client) LastItemUpdate(ctx context.Context, jobID string) (*time.Time, error) {
	var last *time.Time
	err := c.queryRow(ctx, "last_item_update",
		`SELECT max(updated_at) FROM job_items WHERE job_id = $1`,
		func(row *sql.Row) error {
			return row.Scan(&last)
		}, jobID)
	if err != nil {
		return nil, err
	}
	return last, nil
}
