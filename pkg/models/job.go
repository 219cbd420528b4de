package models

import "time"

// PipelineType identifies the job flavor: A = single URL, B = keyword batch,
// C = home-feed sample.
type PipelineType string

const (
	PipelineA PipelineType = "A"
	PipelineB PipelineType = "B"
	PipelineC PipelineType = "C"

	// PipelineOther is the coercion target for unknown values read back from
	// the store. Unknown values are logged by the caller, never crashed on.
	PipelineOther PipelineType = "other"
)

// ParsePipelineType coerces a raw string to a PipelineType. The second return
// is false when the value was unknown and coerced to PipelineOther.
func ParsePipelineType(s string) (PipelineType, bool) {
	switch PipelineType(s) {
	case PipelineA, PipelineB, PipelineC:
		return PipelineType(s), true
	}
	return PipelineOther, false
}

// JobMode selects what the pipeline does with each target.
type JobMode string

const (
	ModeIngest  JobMode = "ingest"
	ModeAnalyze JobMode = "analyze"
	ModeFull    JobMode = "full"
	ModePreview JobMode = "preview"
	ModeRun     JobMode = "run"

	ModeOther JobMode = "other"
)

// ParseJobMode coerces a raw string to a JobMode (default ingest for empty).
func ParseJobMode(s string) (JobMode, bool) {
	if s == "" {
		return ModeIngest, true
	}
	switch JobMode(s) {
	case ModeIngest, ModeAnalyze, ModeFull, ModePreview, ModeRun:
		return JobMode(s), true
	}
	return ModeOther, false
}

// JobStatus is the lifecycle state of a batch job.
type JobStatus string

const (
	JobDiscovering JobStatus = "discovering"
	JobProcessing  JobStatus = "processing"
	JobCompleted   JobStatus = "completed"
	JobFailed      JobStatus = "failed"

	// JobStale is derived by summary readers, never stored: no heartbeat in
	// 60s with work remaining.
	JobStale JobStatus = "stale"

	JobStatusOther JobStatus = "other"
)

// ParseJobStatus coerces a raw string to a JobStatus.
func ParseJobStatus(s string) (JobStatus, bool) {
	switch JobStatus(s) {
	case JobDiscovering, JobProcessing, JobCompleted, JobFailed, JobStale:
		return JobStatus(s), true
	}
	return JobStatusOther, false
}

// Terminal reports whether the status is a finalized state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is one batch row in job_batches. Counters are mutated only through the
// atomic bump_job_counters RPC; everything else has a single writer.
type Job struct {
	ID             string         `json:"id"`
	PipelineType   PipelineType   `json:"pipeline_type"`
	Mode           JobMode        `json:"mode"`
	InputConfig    map[string]any `json:"input_config,omitempty"`
	Status         JobStatus      `json:"status"`
	TotalCount     int            `json:"total_count"`
	ProcessedCount int            `json:"processed_count"`
	SuccessCount   int            `json:"success_count"`
	FailedCount    int            `json:"failed_count"`
	ErrorSummary   *string        `json:"error_summary,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
	LastHeartbeat  *time.Time     `json:"last_heartbeat_at,omitempty"`
}

// CreateJobRequest is the POST /api/jobs body.
type CreateJobRequest struct {
	PipelineType string         `json:"pipeline_type" binding:"required"`
	Mode         string         `json:"mode"`
	InputConfig  map[string]any `json:"input_config"`
}

// JobSummary is the derived progress view served by GET /api/jobs/{id}/summary.
type JobSummary struct {
	JobID             string     `json:"job_id"`
	Status            JobStatus  `json:"status"`
	TotalCount        int        `json:"total_count"`
	ProcessedCount    int        `json:"processed_count"`
	SuccessCount      int        `json:"success_count"`
	FailedCount       int        `json:"failed_count"`
	LastItemUpdatedAt *time.Time `json:"last_item_updated_at,omitempty"`
	LastHeartbeatAt   *time.Time `json:"last_heartbeat_at,omitempty"`
	Degraded          bool       `json:"degraded"`
}
