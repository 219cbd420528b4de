package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narrativelab/threadscope/pkg/config"
	"github.com/narrativelab/threadscope/pkg/models"
	"github.com/narrativelab/threadscope/pkg/pipeline"
	"github.com/narrativelab/threadscope/pkg/store"
)

type fakeQueueStore struct {
	mu sync.Mutex

	pending   []*models.JobItem
	posts     map[int64]*models.Post
	jobs      []*models.Job
	claimFail error

	claims     []string // claim worker ids in order
	completed  []string
	failed     map[string]string // item_id -> "stage|error_log"
	bumps      []bool            // true = success
	heartbeats int
	finalized  int
	stages     map[string][]models.ItemStage
}

func newFakeQueueStore() *fakeQueueStore {
	return &fakeQueueStore{
		posts:  map[int64]*models.Post{},
		failed: map[string]string{},
		stages: map[string][]models.ItemStage{},
	}
}

func (f *fakeQueueStore) ClaimJobItem(_ context.Context, _ string, workerID string, _ int) (*models.JobItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimFail != nil {
		err := f.claimFail
		f.claimFail = nil
		return nil, err
	}
	if len(f.pending) == 0 {
		return nil, store.ErrNoItemsAvailable
	}
	item := f.pending[0]
	f.pending = f.pending[1:]
	f.claims = append(f.claims, workerID)
	return item, nil
}

func (f *fakeQueueStore) TouchJobItem(context.Context, string, int) error { return nil }

func (f *fakeQueueStore) SetJobItemStage(_ context.Context, itemID string, stage models.ItemStage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stages[itemID] = append(f.stages[itemID], stage)
	return nil
}

func (f *fakeQueueStore) CompleteJobItem(_ context.Context, itemID string, _ *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, itemID)
	return nil
}

func (f *fakeQueueStore) FailJobItem(_ context.Context, itemID string, stage models.ItemStage, errorLog string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[itemID] = fmt.Sprintf("%s|%s", stage, errorLog)
	return nil
}

func (f *fakeQueueStore) BumpJobCounters(_ context.Context, _ string, isSuccess, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bumps = append(f.bumps, isSuccess)
	return nil
}

func (f *fakeQueueStore) TouchJobHeartbeat(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeQueueStore) FinalizeJobIfDone(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized++
	return nil
}

func (f *fakeQueueStore) GetPost(_ context.Context, id int64) (*models.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	post, ok := f.posts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return post, nil
}

func (f *fakeQueueStore) ListJobs(context.Context, int) ([]*models.Job, error) {
	return f.jobs, nil
}

type fakeItemRunner struct {
	result func(item *models.JobItem) (string, error)
}

func (r *fakeItemRunner) RunItem(ctx context.Context, _ *models.Job, item *models.JobItem, emit *pipeline.StageEmitter) (string, error) {
	emit.Emit(ctx, models.StageFetch)
	out, err := r.result(item)
	if err == nil {
		emit.Emit(ctx, models.StageCompleted)
	}
	return out, err
}

func testQueueConfig() *config.QueueConfig {
	cfg := config.DefaultQueueConfig()
	cfg.HeartbeatInterval = time.Hour // never fires in tests
	cfg.GracefulShutdownTimeout = 5 * time.Second
	return cfg
}

func pendingItems(jobID string, n int) []*models.JobItem {
	items := make([]*models.JobItem, n)
	for i := range items {
		items[i] = &models.JobItem{
			ID:       fmt.Sprintf("item-%d", i),
			JobID:    jobID,
			TargetID: fmt.Sprintf("https://www.threads.net/@a/post/%d", i),
			Status:   models.ItemPending,
			Stage:    models.StageInit,
		}
	}
	return items
}

func TestWorkerDrainsJobAndFinalizes(t *testing.T) {
	st := newFakeQueueStore()
	job := &models.Job{ID: "j1", PipelineType: models.PipelineA}
	st.pending = pendingItems(job.ID, 3)
	st.posts[7] = &models.Post{ID: 7, FullReport: "report"}

	runner := &fakeItemRunner{result: func(*models.JobItem) (string, error) {
		return "7", nil
	}}

	w := newJobWorker("pod-worker-1", "worker-alpha", job, st, testQueueConfig(), runner, nil, make(chan struct{}))
	w.run(context.Background())

	assert.Len(t, st.completed, 3)
	assert.Empty(t, st.failed)
	assert.Equal(t, []bool{true, true, true}, st.bumps)
	assert.Equal(t, 1, st.finalized)
	// One heartbeat per loop iteration plus the epilogue.
	assert.GreaterOrEqual(t, st.heartbeats, 4)
	assert.Equal(t, []string{"worker-alpha", "worker-alpha", "worker-alpha"}, st.claims)
	assert.Equal(t, 3, w.Health().ItemsProcessed)
}

func TestWorkerFailsItemWithoutAnalysis(t *testing.T) {
	st := newFakeQueueStore()
	job := &models.Job{ID: "j1", PipelineType: models.PipelineA}
	st.pending = pendingItems(job.ID, 1)
	st.posts[7] = &models.Post{ID: 7} // no analysis artifact

	runner := &fakeItemRunner{result: func(*models.JobItem) (string, error) {
		return "7", nil
	}}

	w := newJobWorker("pod-worker-1", "worker-alpha", job, st, testQueueConfig(), runner, nil, make(chan struct{}))
	w.run(context.Background())

	require.Contains(t, st.failed, "item-0")
	assert.True(t, strings.HasPrefix(st.failed["item-0"],
		string(models.StageAnalyst)+"|"+models.ErrCodeAnalysisMissed))
	assert.Equal(t, []bool{false}, st.bumps)
	assert.Equal(t, 1, st.finalized)
}

func TestWorkerSkipsAnalysisCheckForSimulatedPipelines(t *testing.T) {
	st := newFakeQueueStore()
	job := &models.Job{ID: "j1", PipelineType: models.PipelineC}
	st.pending = pendingItems(job.ID, 1)

	runner := &fakeItemRunner{result: func(item *models.JobItem) (string, error) {
		return "mock_res:" + item.ID, nil
	}}

	w := newJobWorker("pod-worker-1", "worker-alpha", job, st, testQueueConfig(), runner, nil, make(chan struct{}))
	w.run(context.Background())

	assert.Equal(t, []string{"item-0"}, st.completed)
	assert.Empty(t, st.failed)
}

func TestWorkerRecordsStageErrorFailure(t *testing.T) {
	st := newFakeQueueStore()
	job := &models.Job{ID: "j1", PipelineType: models.PipelineA}
	st.pending = pendingItems(job.ID, 1)

	runner := &fakeItemRunner{result: func(*models.JobItem) (string, error) {
		return "", &pipeline.StageError{
			Stage: models.StageFetch,
			Code:  models.ErrCodePostIDNotFound,
			Err:   errors.New("no row matched any candidate url"),
		}
	}}

	w := newJobWorker("pod-worker-1", "worker-beta", job, st, testQueueConfig(), runner, nil, make(chan struct{}))
	w.run(context.Background())

	require.Contains(t, st.failed, "item-0")
	assert.Equal(t,
		"fetch|POST_ID_NOT_FOUND: no row matched any candidate url",
		st.failed["item-0"])
}

func TestWorkerRetriesAfterClaimError(t *testing.T) {
	st := newFakeQueueStore()
	st.claimFail = errors.New("connection reset")
	job := &models.Job{ID: "j1", PipelineType: models.PipelineC}
	st.pending = pendingItems(job.ID, 1)

	runner := &fakeItemRunner{result: func(item *models.JobItem) (string, error) {
		return "mock_res:" + item.ID, nil
	}}

	w := newJobWorker("pod-worker-1", "worker-alpha", job, st, testQueueConfig(), runner, nil, make(chan struct{}))
	w.run(context.Background())

	assert.Equal(t, []string{"item-0"}, st.completed)
}

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		lastStage models.ItemStage
		wantStage models.ItemStage
		wantLog   string
	}{
		{
			name: "stage error with code",
			err: &pipeline.StageError{
				Stage: models.StageFetch,
				Code:  models.ErrCodeIngestNoPostID,
				Err:   errors.New("no canonical url"),
			},
			lastStage: models.StageFetch,
			wantStage: models.StageFetch,
			wantLog:   "INGEST_NO_POST_ID: no canonical url",
		},
		{
			name:      "stage error without code gets runner code",
			err:       &pipeline.StageError{Stage: models.StageAnalyst, Err: errors.New("model unavailable")},
			lastStage: models.StageAnalyst,
			wantStage: models.StageAnalyst,
			wantLog:   "RUNNER_ERROR: model unavailable",
		},
		{
			name:      "plain error uses last stage and runtime code",
			err:       errors.New("boom"),
			lastStage: models.StageVision,
			wantStage: models.StageVision,
			wantLog:   "RUNTIME_ERR: boom",
		},
		{
			name:      "completed last stage falls back to init",
			err:       errors.New("boom"),
			lastStage: models.StageCompleted,
			wantStage: models.StageInit,
			wantLog:   "RUNTIME_ERR: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stage, log := classifyFailure(tt.err, tt.lastStage)
			assert.Equal(t, tt.wantStage, stage)
			assert.Equal(t, tt.wantLog, log)
		})
	}
}
