package models

import "time"

// ItemStatus is the claim-level state of a JobItem.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemProcessing ItemStatus = "processing"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"

	ItemStatusOther ItemStatus = "other"
)

// ParseItemStatus coerces a raw string to an ItemStatus.
func ParseItemStatus(s string) (ItemStatus, bool) {
	switch ItemStatus(s) {
	case ItemPending, ItemProcessing, ItemCompleted, ItemFailed:
		return ItemStatus(s), true
	}
	return ItemStatusOther, false
}

// ItemStage is the pipeline position of a JobItem, written back on every
// transition so observers can stream progress.
type ItemStage string

const (
	StageInit      ItemStage = "init"
	StageFetch     ItemStage = "fetch"
	StageVision    ItemStage = "vision"
	StageAnalyst   ItemStage = "analyst"
	StageStore     ItemStage = "store"
	StageCompleted ItemStage = "completed"
	StageFailed    ItemStage = "failed"

	StageOther ItemStage = "other"
)

// ParseItemStage coerces a raw string to an ItemStage.
func ParseItemStage(s string) (ItemStage, bool) {
	switch ItemStage(s) {
	case StageInit, StageFetch, StageVision, StageAnalyst, StageStore,
		StageCompleted, StageFailed:
		return ItemStage(s), true
	}
	return StageOther, false
}

// Terminal item error codes recorded in error_log as "CODE: message".
const (
	ErrCodeIngestNoPostID = "INGEST_NO_POST_ID"
	ErrCodePostIDNotFound = "POST_ID_NOT_FOUND"
	ErrCodeAnalysisMissed = "ANALYSIS_MISSING"
	ErrCodeRunnerError    = "RUNNER_ERROR"
	ErrCodeRuntimeErr     = "RUNTIME_ERR"
)

// JobItem is one target within a job. While leased (worker_id set and
// lease_expires_at in the future) the row has a single writer; an expired
// lease makes the item reclaimable with attempts preserved.
type JobItem struct {
	ID             string     `json:"id"`
	JobID          string     `json:"job_id"`
	TargetID       string     `json:"target_id"`
	Status         ItemStatus `json:"status"`
	Stage          ItemStage  `json:"stage"`
	Attempts       int        `json:"attempts"`
	WorkerID       *string    `json:"worker_id,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	ResultPostID   *string    `json:"result_post_id,omitempty"`
	ErrorLog       *string    `json:"error_log,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Succeeded reports whether the item reached its completed terminal state.
func (i *JobItem) Succeeded() bool {
	return i.Status == ItemCompleted || i.Stage == StageCompleted
}
