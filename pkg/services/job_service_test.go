package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narrativelab/threadscope/pkg/models"
	"github.com/narrativelab/threadscope/pkg/pipeline"
)

type fakeJobStore struct {
	mu sync.Mutex

	jobs       map[string]*models.Job
	items      map[string][]*models.JobItem
	discovered map[string]int
	jobErrors  map[string]string
	lastItem   *time.Time
	listErr    error
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		jobs:       map[string]*models.Job{},
		items:      map[string][]*models.JobItem{},
		discovered: map[string]int{},
		jobErrors:  map[string]string{},
	}
}

func (f *fakeJobStore) CreateJob(_ context.Context, job *models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeJobStore) InsertJobItems(_ context.Context, items []*models.JobItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range items {
		f.items[item.JobID] = append(f.items[item.JobID], item)
	}
	return nil
}

func (f *fakeJobStore) SetJobDiscovered(_ context.Context, jobID string, total int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discovered[jobID] = total
	return nil
}

func (f *fakeJobStore) SetJobError(_ context.Context, jobID, summary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobErrors[jobID] = summary
	return nil
}

func (f *fakeJobStore) GetJob(_ context.Context, jobID string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, errors.New("not found")
	}
	return job, nil
}

func (f *fakeJobStore) ListJobs(_ context.Context, limit int) ([]*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]*models.Job, 0, len(f.jobs))
	for _, job := range f.jobs {
		out = append(out, job)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeJobStore) ListJobItems(_ context.Context, jobID string, limit int) ([]*models.JobItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.items[jobID]
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (f *fakeJobStore) LastItemUpdate(_ context.Context, _ string) (*time.Time, error) {
	return f.lastItem, nil
}

type fakeDispatcher struct {
	mu   sync.Mutex
	jobs []string
}

func (d *fakeDispatcher) Dispatch(_ context.Context, job *models.Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job.ID)
}

type fakeBatchBackend struct {
	mu   sync.Mutex
	runs []pipeline.KeywordRequest
	done chan struct{}
	err  error
}

func (b *fakeBatchBackend) Run(_ context.Context, _ *models.Job, req pipeline.KeywordRequest) (*pipeline.KeywordSummary, error) {
	b.mu.Lock()
	b.runs = append(b.runs, req)
	b.mu.Unlock()
	if b.done != nil {
		close(b.done)
	}
	return &pipeline.KeywordSummary{}, b.err
}

func TestExpandTargetsSourceOrderAndDedupe(t *testing.T) {
	targets := ExpandTargets("j1", map[string]any{
		"url":      "https://t/a",
		"target":   "https://t/b",
		"targets":  []any{"https://t/c", "https://t/a"},
		"lines":    []any{" https://t/d ", ""},
		"keywords": []any{"crypto"},
	})

	assert.Equal(t, []string{
		"https://t/a", "https://t/b", "https://t/c", "https://t/d", "crypto",
	}, targets)
}

func TestExpandTargetsEmptyInputSynthesizesMocks(t *testing.T) {
	targets := ExpandTargets("j9", nil)

	require.Len(t, targets, mockTargetCount)
	for i, target := range targets {
		assert.Equal(t, fmt.Sprintf("mock://j9/%d", i+1), target)
	}
}

func TestCreateJobExpandsAndDispatches(t *testing.T) {
	st := newFakeJobStore()
	dispatcher := &fakeDispatcher{}
	svc := NewJobService(st, dispatcher, nil, 0)

	job, items, err := svc.Create(context.Background(), &models.CreateJobRequest{
		PipelineType: "A",
		Mode:         "analyze",
		InputConfig:  map[string]any{"url": "https://www.threads.net/@u/post/ABC"},
	})

	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, job.Status)
	assert.Equal(t, 1, job.TotalCount)
	require.Len(t, items, 1)
	assert.Equal(t, models.ItemPending, items[0].Status)
	assert.Equal(t, models.StageInit, items[0].Stage)
	assert.Equal(t, 1, st.discovered[job.ID])
	assert.Equal(t, []string{job.ID}, dispatcher.jobs)
}

func TestCreateJobRejectsUnknownPipeline(t *testing.T) {
	svc := NewJobService(newFakeJobStore(), nil, nil, 0)

	_, _, err := svc.Create(context.Background(), &models.CreateJobRequest{PipelineType: "Z"})

	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCreateKeywordJobRunsBatchBackend(t *testing.T) {
	st := newFakeJobStore()
	backend := &fakeBatchBackend{done: make(chan struct{})}
	svc := NewJobService(st, nil, backend, 0)

	job, items, err := svc.Create(context.Background(), &models.CreateJobRequest{
		PipelineType: "B",
		InputConfig:  map[string]any{"keyword": "crypto", "max_posts": float64(5)},
	})

	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, models.JobProcessing, job.Status)

	select {
	case <-backend.done:
	case <-time.After(2 * time.Second):
		t.Fatal("batch backend never ran")
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Len(t, backend.runs, 1)
	assert.Equal(t, "crypto", backend.runs[0].Keyword)
	assert.Equal(t, 5, backend.runs[0].MaxPosts)
}

func TestCreateKeywordJobRequiresKeyword(t *testing.T) {
	svc := NewJobService(newFakeJobStore(), nil, &fakeBatchBackend{}, 0)

	_, _, err := svc.Create(context.Background(), &models.CreateJobRequest{
		PipelineType: "B",
		InputConfig:  map[string]any{},
	})

	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestSummaryDerivesStale(t *testing.T) {
	st := newFakeJobStore()
	old := time.Now().Add(-5 * time.Minute)
	st.jobs["j1"] = &models.Job{
		ID: "j1", Status: models.JobProcessing,
		TotalCount: 4, ProcessedCount: 1,
		LastHeartbeat: &old, UpdatedAt: old,
	}
	svc := NewJobService(st, nil, nil, 60*time.Second)

	summary, degraded, err := svc.Summary(context.Background(), "j1")

	require.NoError(t, err)
	assert.False(t, degraded)
	assert.Equal(t, models.JobStale, summary.Status)
}

func TestSummaryFreshHeartbeatStaysProcessing(t *testing.T) {
	st := newFakeJobStore()
	now := time.Now()
	st.jobs["j1"] = &models.Job{
		ID: "j1", Status: models.JobProcessing,
		TotalCount: 4, ProcessedCount: 1,
		LastHeartbeat: &now, UpdatedAt: now,
	}
	svc := NewJobService(st, nil, nil, 60*time.Second)

	summary, _, err := svc.Summary(context.Background(), "j1")

	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, summary.Status)
}

func TestSummaryTerminalJobNeverStale(t *testing.T) {
	st := newFakeJobStore()
	old := time.Now().Add(-time.Hour)
	st.jobs["j1"] = &models.Job{
		ID: "j1", Status: models.JobCompleted,
		TotalCount: 4, ProcessedCount: 4,
		LastHeartbeat: &old, UpdatedAt: old,
	}
	svc := NewJobService(st, nil, nil, 60*time.Second)

	summary, _, err := svc.Summary(context.Background(), "j1")

	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, summary.Status)
}

func TestListServesStaleCacheOnFailure(t *testing.T) {
	st := newFakeJobStore()
	st.jobs["j1"] = &models.Job{ID: "j1", Status: models.JobCompleted}
	svc := NewJobService(st, nil, nil, 0)
	// Prime, then expire the entry and break the store.
	_, _, err := svc.List(context.Background(), 20)
	require.NoError(t, err)
	now := time.Now()
	svc.cache.now = func() time.Time { return now.Add(cacheTTL + time.Millisecond) }
	st.listErr = errors.New("connection refused")

	jobs, degraded, err := svc.List(context.Background(), 20)

	require.NoError(t, err)
	assert.True(t, degraded)
	require.Len(t, jobs, 1)
	assert.Equal(t, "j1", jobs[0].ID)
}
