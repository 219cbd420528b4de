package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narrativelab/threadscope/pkg/models"
)

type recordingNotifier struct {
	mu   sync.Mutex
	jobs []string
}

func (n *recordingNotifier) JobUpdated(jobID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, jobID)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.jobs)
}

func TestPoolDispatchesWorkerPairAndDrains(t *testing.T) {
	st := newFakeQueueStore()
	job := &models.Job{ID: "j1", PipelineType: models.PipelineC}
	st.pending = pendingItems(job.ID, 4)

	runner := &fakeItemRunner{result: func(item *models.JobItem) (string, error) {
		return "mock_res:" + item.ID, nil
	}}
	notifier := &recordingNotifier{}

	pool := NewJobPool("pod-a", st, testQueueConfig(), runner, notifier)
	pool.Dispatch(context.Background(), job)
	pool.Stop()

	assert.Len(t, st.completed, 4)
	// Each worker in the pair runs the finalize epilogue once.
	assert.Equal(t, 2, st.finalized)
	assert.Positive(t, notifier.count())

	st.mu.Lock()
	defer st.mu.Unlock()
	claimed := map[string]bool{}
	for _, c := range st.claims {
		claimed[c] = true
		assert.Contains(t, []string{"worker-alpha", "worker-beta"}, c)
	}
}

func TestPoolDispatchIsIdempotentPerJob(t *testing.T) {
	st := newFakeQueueStore()
	job := &models.Job{ID: "j1", PipelineType: models.PipelineC}

	blocker := make(chan struct{})
	runner := &fakeItemRunner{result: func(item *models.JobItem) (string, error) {
		<-blocker
		return "mock_res:" + item.ID, nil
	}}
	st.pending = pendingItems(job.ID, 1)

	pool := NewJobPool("pod-a", st, testQueueConfig(), runner, nil)
	pool.Dispatch(context.Background(), job)
	pool.Dispatch(context.Background(), job)

	pool.mu.RLock()
	active := len(pool.activeJobs)
	workers := len(pool.workers["j1"])
	pool.mu.RUnlock()
	assert.Equal(t, 1, active)
	assert.Equal(t, 2, workers)

	close(blocker)
	pool.Stop()
}

func TestPoolStopPreventsNewDispatch(t *testing.T) {
	st := newFakeQueueStore()
	pool := NewJobPool("pod-a", st, testQueueConfig(), &fakeItemRunner{}, nil)
	pool.Stop()

	pool.Dispatch(context.Background(), &models.Job{ID: "late", PipelineType: models.PipelineC})

	pool.mu.RLock()
	defer pool.mu.RUnlock()
	assert.Empty(t, pool.activeJobs)
}

func TestPoolResumeOrphanedJobs(t *testing.T) {
	st := newFakeQueueStore()
	st.jobs = []*models.Job{
		{ID: "done", Status: models.JobCompleted},
		{ID: "stuck", Status: models.JobProcessing, TotalCount: 5, ProcessedCount: 2},
		{ID: "settled", Status: models.JobProcessing, TotalCount: 3, ProcessedCount: 3},
	}
	// The stuck job has nothing claimable left in this fake; workers exit
	// immediately after the resume touch.
	pool := NewJobPool("pod-a", st, testQueueConfig(), &fakeItemRunner{
		result: func(item *models.JobItem) (string, error) { return "mock_res:" + item.ID, nil },
	}, nil)

	require.NoError(t, pool.ResumeOrphanedJobs(context.Background()))
	pool.Stop()

	// Only the stuck job was re-dispatched: exactly its worker pair ran the
	// finalize epilogue.
	assert.Equal(t, 2, st.finalized)
}

func TestPoolHealthReflectsWorkers(t *testing.T) {
	st := newFakeQueueStore()
	job := &models.Job{ID: "j1", PipelineType: models.PipelineC}
	st.pending = pendingItems(job.ID, 1)

	started := make(chan struct{})
	blocker := make(chan struct{})
	var once sync.Once
	runner := &fakeItemRunner{result: func(item *models.JobItem) (string, error) {
		once.Do(func() { close(started) })
		<-blocker
		return "mock_res:" + item.ID, nil
	}}

	pool := NewJobPool("pod-a", st, testQueueConfig(), runner, nil)
	pool.Dispatch(context.Background(), job)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the item")
	}

	health := pool.Health()
	assert.True(t, health.IsHealthy)
	assert.Equal(t, "pod-a", health.PodID)
	assert.Equal(t, 1, health.ActiveJobs)
	assert.Equal(t, 2, health.TotalWorkers)
	assert.Equal(t, 1, health.ActiveWorkers)

	close(blocker)
	pool.Stop()
	assert.False(t, pool.Health().IsHealthy)
}
