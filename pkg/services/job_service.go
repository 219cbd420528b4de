// Package services holds the business layer between the HTTP handlers and
// the store: job creation and discovery, degraded reads, post and registry
// views.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/narrativelab/threadscope/pkg/models"
	"github.com/narrativelab/threadscope/pkg/pipeline"
)

// Discovery and read-path bounds.
const (
	mockTargetCount = 5

	jobListMaxLimit     = 100
	jobListDefaultLimit = 20
	jobDetailItemLimit  = 20
	itemListMaxLimit    = 100
	itemListDefault     = 50

	batchRunBudget = 30 * time.Minute
)

// JobStore is the persistence surface the job service needs.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	InsertJobItems(ctx context.Context, items []*models.JobItem) error
	SetJobDiscovered(ctx context.Context, jobID string, total int) error
	SetJobError(ctx context.Context, jobID, summary string) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context, limit int) ([]*models.Job, error)
	ListJobItems(ctx context.Context, jobID string, limit int) ([]*models.JobItem, error)
	LastItemUpdate(ctx context.Context, jobID string) (*time.Time, error)
}

// Dispatcher hands a discovered job to the worker pool.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *models.Job)
}

// BatchBackend runs the keyword batch flow for Pipeline B jobs.
type BatchBackend interface {
	Run(ctx context.Context, job *models.Job, req pipeline.KeywordRequest) (*pipeline.KeywordSummary, error)
}

// JobDetail is a job row plus its most recent items.
type JobDetail struct {
	Job   *models.Job       `json:"job"`
	Items []*models.JobItem `json:"items"`
}

// JobService creates jobs, expands discovery, and serves degraded reads.
type JobService struct {
	store      JobStore
	pool       Dispatcher
	batch      BatchBackend
	cache      *ReadCache
	staleAfter time.Duration
}

// NewJobService wires the job service. pool and batch may be nil in read-only
// deployments; creation then stops after discovery.
func NewJobService(st JobStore, pool Dispatcher, batch BatchBackend, staleAfter time.Duration) *JobService {
	if staleAfter <= 0 {
		staleAfter = 60 * time.Second
	}
	return &JobService{
		store:      st,
		pool:       pool,
		batch:      batch,
		cache:      NewReadCache(),
		staleAfter: staleAfter,
	}
}

// Create validates the request, persists the job, runs discovery, and hands
// the job to its backend. Returns the job with its initial items.
func (s *JobService) Create(ctx context.Context, req *models.CreateJobRequest) (*models.Job, []*models.JobItem, error) {
	pipelineType, ok := models.ParsePipelineType(req.PipelineType)
	if !ok {
		return nil, nil, NewValidationError("pipeline_type", fmt.Sprintf("unknown pipeline type %q", req.PipelineType))
	}
	mode, ok := models.ParseJobMode(req.Mode)
	if !ok {
		return nil, nil, NewValidationError("mode", fmt.Sprintf("unknown mode %q", req.Mode))
	}

	job := &models.Job{
		ID:           uuid.NewString(),
		PipelineType: pipelineType,
		Mode:         mode,
		InputConfig:  req.InputConfig,
		Status:       models.JobDiscovering,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, nil, fmt.Errorf("failed to create job: %w", err)
	}

	if pipelineType == models.PipelineB {
		return s.startKeywordJob(ctx, job)
	}

	targets := ExpandTargets(job.ID, req.InputConfig)
	items := make([]*models.JobItem, len(targets))
	for i, target := range targets {
		items[i] = &models.JobItem{
			ID:       uuid.NewString(),
			JobID:    job.ID,
			TargetID: target,
			Status:   models.ItemPending,
			Stage:    models.StageInit,
		}
	}
	if err := s.store.InsertJobItems(ctx, items); err != nil {
		return nil, nil, fmt.Errorf("failed to insert job items: %w", err)
	}
	if err := s.store.SetJobDiscovered(ctx, job.ID, len(items)); err != nil {
		return nil, nil, fmt.Errorf("failed to finish discovery: %w", err)
	}
	job.Status = models.JobProcessing
	job.TotalCount = len(items)

	if s.pool != nil {
		// Workers outlive the request; the pool owns their lifecycle.
		s.pool.Dispatch(context.Background(), job)
	}
	return job, items, nil
}

// startKeywordJob launches the Pipeline B backend in the background. The
// backend owns discovery, counters, and terminal status.
func (s *JobService) startKeywordJob(ctx context.Context, job *models.Job) (*models.Job, []*models.JobItem, error) {
	req := keywordRequestFromConfig(job)
	if req.Keyword == "" {
		return nil, nil, NewValidationError("keyword", "pipeline B requires a keyword")
	}
	if err := s.store.SetJobDiscovered(ctx, job.ID, 0); err != nil {
		return nil, nil, fmt.Errorf("failed to finish discovery: %w", err)
	}
	job.Status = models.JobProcessing

	if s.batch == nil {
		return nil, nil, fmt.Errorf("keyword batch backend is not configured")
	}
	go func() {
		runCtx, cancel := context.WithTimeout(context.Background(), batchRunBudget)
		defer cancel()
		if _, err := s.batch.Run(runCtx, job, req); err != nil {
			slog.Error("Keyword batch failed", "job_id", job.ID, "error", err)
			if setErr := s.store.SetJobError(runCtx, job.ID, err.Error()); setErr != nil {
				slog.Error("Failed to record job error", "job_id", job.ID, "error", setErr)
			}
		}
	}()
	return job, []*models.JobItem{}, nil
}

// keywordRequestFromConfig extracts the batch request from input_config.
func keywordRequestFromConfig(job *models.Job) pipeline.KeywordRequest {
	cfg := job.InputConfig
	req := pipeline.KeywordRequest{
		Keyword:         cfgString(cfg, "keyword"),
		MaxPosts:        cfgInt(cfg, "max_posts"),
		Concurrency:     cfgInt(cfg, "concurrency"),
		ReprocessPolicy: cfgString(cfg, "reprocess_policy"),
		Preview:         cfgBool(cfg, "preview") || job.Mode == models.ModePreview,
	}
	if req.Keyword == "" {
		if keywords := cfgStrings(cfg, "keywords"); len(keywords) > 0 {
			req.Keyword = keywords[0]
		}
	}
	return req
}

// ExpandTargets flattens input_config into a de-duplicated target list,
// preserving first-seen order across the sources url, target, targets[],
// lines[], keywords[]. Empty input synthesizes deterministic mock targets so
// a bare job still exercises the full flow.
func ExpandTargets(jobID string, cfg map[string]any) []string {
	var raw []string
	if v := cfgString(cfg, "url"); v != "" {
		raw = append(raw, v)
	}
	if v := cfgString(cfg, "target"); v != "" {
		raw = append(raw, v)
	}
	raw = append(raw, cfgStrings(cfg, "targets")...)
	raw = append(raw, cfgStrings(cfg, "lines")...)
	raw = append(raw, cfgStrings(cfg, "keywords")...)

	seen := map[string]bool{}
	var targets []string
	for _, t := range raw {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		targets = append(targets, t)
	}

	if len(targets) == 0 {
		for i := 1; i <= mockTargetCount; i++ {
			targets = append(targets, fmt.Sprintf("mock://%s/%d", jobID, i))
		}
	}
	return targets
}

// List returns jobs newest first through the degraded-read cache.
func (s *JobService) List(ctx context.Context, limit int) ([]*models.Job, bool, error) {
	if limit < 1 {
		limit = jobListDefaultLimit
	}
	if limit > jobListMaxLimit {
		limit = jobListMaxLimit
	}
	value, degraded, err := s.cache.Fetch(fmt.Sprintf("jobs:list:%d", limit), func() (any, error) {
		return s.store.ListJobs(ctx, limit)
	})
	if err != nil {
		return []*models.Job{}, degraded, err
	}
	jobs, _ := value.([]*models.Job)
	return jobs, degraded, nil
}

// Get returns a job with its most recent items.
func (s *JobService) Get(ctx context.Context, jobID string) (*JobDetail, bool, error) {
	value, degraded, err := s.cache.Fetch("jobs:get:"+jobID, func() (any, error) {
		job, loadErr := s.store.GetJob(ctx, jobID)
		if loadErr != nil {
			return nil, loadErr
		}
		items, loadErr := s.store.ListJobItems(ctx, jobID, jobDetailItemLimit)
		if loadErr != nil {
			return nil, loadErr
		}
		if items == nil {
			items = []*models.JobItem{}
		}
		return &JobDetail{Job: job, Items: items}, nil
	})
	if err != nil {
		return nil, degraded, err
	}
	detail, _ := value.(*JobDetail)
	return detail, degraded, nil
}

// Items returns a job's items by updated_at descending.
func (s *JobService) Items(ctx context.Context, jobID string, limit int) ([]*models.JobItem, bool, error) {
	if limit < 1 {
		limit = itemListDefault
	}
	if limit > itemListMaxLimit {
		limit = itemListMaxLimit
	}
	value, degraded, err := s.cache.Fetch(fmt.Sprintf("jobs:items:%s:%d", jobID, limit), func() (any, error) {
		return s.store.ListJobItems(ctx, jobID, limit)
	})
	if err != nil {
		return []*models.JobItem{}, degraded, err
	}
	items, _ := value.([]*models.JobItem)
	if items == nil {
		items = []*models.JobItem{}
	}
	return items, degraded, nil
}

// Summary returns the derived progress view, including the stale derivation.
func (s *JobService) Summary(ctx context.Context, jobID string) (*models.JobSummary, bool, error) {
	value, degraded, err := s.cache.Fetch("jobs:summary:"+jobID, func() (any, error) {
		return s.buildSummary(ctx, jobID)
	})
	if err != nil {
		return nil, degraded, err
	}
	summary, _ := value.(*models.JobSummary)
	if summary != nil && degraded {
		stale := *summary
		stale.Degraded = true
		return &stale, true, nil
	}
	return summary, degraded, nil
}

func (s *JobService) buildSummary(ctx context.Context, jobID string) (*models.JobSummary, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	lastItem, err := s.store.LastItemUpdate(ctx, jobID)
	if err != nil {
		return nil, err
	}

	summary := &models.JobSummary{
		JobID:             job.ID,
		Status:            job.Status,
		TotalCount:        job.TotalCount,
		ProcessedCount:    job.ProcessedCount,
		SuccessCount:      job.SuccessCount,
		FailedCount:       job.FailedCount,
		LastItemUpdatedAt: lastItem,
		LastHeartbeatAt:   job.LastHeartbeat,
	}

	// Stale is derived, never stored: work remains and the heartbeat lapsed.
	if !job.Status.Terminal() && job.ProcessedCount < job.TotalCount {
		heartbeat := job.LastHeartbeat
		if heartbeat == nil {
			heartbeat = &job.UpdatedAt
		}
		if time.Since(*heartbeat) > s.staleAfter {
			summary.Status = models.JobStale
		}
	}
	return summary, nil
}

// cfgString reads a trimmed string field from input_config.
func cfgString(cfg map[string]any, key string) string {
	if cfg == nil {
		return ""
	}
	v, _ := cfg[key].(string)
	return strings.TrimSpace(v)
}

// cfgStrings reads a string slice field, accepting []any or []string.
func cfgStrings(cfg map[string]any, key string) []string {
	if cfg == nil {
		return nil
	}
	switch vs := cfg[key].(type) {
	case []string:
		return vs
	case []any:
		out := make([]string, 0, len(vs))
		for _, v := range vs {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// cfgInt reads a numeric field, accepting float64 (JSON) or int.
func cfgInt(cfg map[string]any, key string) int {
	if cfg == nil {
		return 0
	}
	switch v := cfg[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// cfgBool reads a boolean field.
func cfgBool(cfg map[string]any, key string) bool {
	if cfg == nil {
		return false
	}
	v, _ := cfg[key].(bool)
	return v
}
