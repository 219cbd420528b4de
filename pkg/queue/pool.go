package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/narrativelab/threadscope/pkg/config"
	"github.com/narrativelab/threadscope/pkg/models"
)

// resumeScanLimit bounds the startup scan for jobs left processing by a
// previous run.
const resumeScanLimit = 100

// JobPool dispatches worker sets per job. Each dispatched job gets its own
// claim identities; the pool tracks the workers for health reporting and
// shuts them down gracefully.
type JobPool struct {
	podID    string
	store    Store
	cfg      *config.QueueConfig
	runner   ItemRunner
	notifier Notifier

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Job cancel registry: job_id to cancel function
	mu         sync.RWMutex
	activeJobs map[string]context.CancelFunc
	workers    map[string][]*jobWorker
	workerSeq  int
	stopped    bool
}

// NewJobPool creates a worker pool. notifier may be nil (no WebSocket hub).
func NewJobPool(podID string, st Store, cfg *config.QueueConfig, runner ItemRunner, notifier Notifier) *JobPool {
	return &JobPool{
		podID:      podID,
		store:      st,
		cfg:        cfg,
		runner:     runner,
		notifier:   notifier,
		stopCh:     make(chan struct{}),
		activeJobs: make(map[string]context.CancelFunc),
		workers:    make(map[string][]*jobWorker),
	}
}

// Dispatch launches the worker set for a job. Dispatching an already active
// job is a no-op; the running workers will drain any items added since.
func (p *JobPool) Dispatch(ctx context.Context, job *models.Job) {
	count := p.cfg.WorkersPerJob
	if count < 1 {
		count = 1
	}
	if count > p.cfg.MaxWorkersPerJob {
		count = p.cfg.MaxWorkersPerJob
	}
	if count > len(claimNames) {
		count = len(claimNames)
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		slog.Warn("Pool stopped, job not dispatched", "job_id", job.ID)
		return
	}
	if _, active := p.activeJobs[job.ID]; active {
		p.mu.Unlock()
		slog.Info("Job already dispatched, workers will drain new items", "job_id", job.ID)
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	p.activeJobs[job.ID] = cancel

	set := make([]*jobWorker, 0, count)
	for i := 0; i < count; i++ {
		p.workerSeq++
		id := fmt.Sprintf("%s-worker-%d", p.podID, p.workerSeq)
		set = append(set, newJobWorker(id, claimNames[i], job, p.store, p.cfg, p.runner, p.notifier, p.stopCh))
	}
	p.workers[job.ID] = set
	p.mu.Unlock()

	slog.Info("Dispatching job workers", "job_id", job.ID, "pod_id", p.podID, "worker_count", count)

	var jobWG sync.WaitGroup
	for _, w := range set {
		jobWG.Add(1)
		p.wg.Add(1)
		go func(w *jobWorker) {
			defer p.wg.Done()
			defer jobWG.Done()
			w.run(jobCtx)
		}(w)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		jobWG.Wait()
		cancel()
		p.mu.Lock()
		delete(p.activeJobs, job.ID)
		delete(p.workers, job.ID)
		p.mu.Unlock()
	}()
}

// Stop signals all workers to stop and waits for them to finish. Workers
// finish their current items before exiting; past the graceful window the
// remaining job contexts are cancelled.
func (p *JobPool) Stop() {
	slog.Info("Stopping job pool gracefully")

	p.mu.Lock()
	p.stopped = true
	active := make([]string, 0, len(p.activeJobs))
	for id := range p.activeJobs {
		active = append(active, id)
	}
	p.mu.Unlock()
	if len(active) > 0 {
		slog.Info("Waiting for active jobs to drain", "count", len(active), "job_ids", active)
	}

	p.stopOnce.Do(func() { close(p.stopCh) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.GracefulShutdownTimeout):
		slog.Warn("Graceful shutdown window elapsed, cancelling in-flight items")
		p.mu.RLock()
		for _, cancel := range p.activeJobs {
			cancel()
		}
		p.mu.RUnlock()
		<-done
	}

	slog.Info("Job pool stopped")
}

// CancelJob cancels the worker contexts for a job on this pod. Returns true
// if the job was active here. Items already claimed fail with a cancellation
// error; unclaimed items become reclaimable when their leases lapse.
func (p *JobPool) CancelJob(jobID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeJobs[jobID]; ok {
		cancel()
		return true
	}
	return false
}

// ResumeOrphanedJobs re-dispatches jobs a previous run left in processing.
// Expired leases make their claimed items reclaimable, so a restart picks up
// exactly where the crashed pod stopped. Safe to run on every startup.
func (p *JobPool) ResumeOrphanedJobs(ctx context.Context) error {
	jobs, err := p.store.ListJobs(ctx, resumeScanLimit)
	if err != nil {
		return fmt.Errorf("failed to scan for orphaned jobs: %w", err)
	}

	resumed := 0
	for _, job := range jobs {
		if job.Status != models.JobProcessing {
			continue
		}
		if job.ProcessedCount >= job.TotalCount && job.TotalCount > 0 {
			continue
		}
		slog.Warn("Resuming orphaned job from previous run",
			"job_id", job.ID, "processed", job.ProcessedCount, "total", job.TotalCount)
		p.Dispatch(ctx, job)
		resumed++
	}
	if resumed > 0 {
		slog.Info("Orphaned jobs resumed", "count", resumed)
	}
	return nil
}

// Health returns the current health status of the pool.
func (p *JobPool) Health() *PoolHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := make([]WorkerHealth, 0)
	activeWorkers := 0
	processed := 0
	for _, set := range p.workers {
		for _, w := range set {
			h := w.Health()
			stats = append(stats, h)
			processed += h.ItemsProcessed
			if h.Status == WorkerStatusWorking {
				activeWorkers++
			}
		}
	}

	return &PoolHealth{
		IsHealthy:      !p.stopped,
		PodID:          p.podID,
		ActiveJobs:     len(p.activeJobs),
		ActiveWorkers:  activeWorkers,
		TotalWorkers:   len(stats),
		ItemsProcessed: processed,
		WorkerStats:    stats,
	}
}
