package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/narrativelab/threadscope/pkg/config"
	"github.com/narrativelab/threadscope/pkg/models"
	"github.com/narrativelab/threadscope/pkg/pipeline"
	"github.com/narrativelab/threadscope/pkg/store"
)

// terminalWriteBudget bounds the terminal item writes. They run on a fresh
// context because the item context may already be expired or cancelled.
const terminalWriteBudget = 10 * time.Second

// jobWorker drains one job's item queue. Several workers share a job; the
// claim RPC arbitrates ownership, so the worker never coordinates with its
// siblings directly.
type jobWorker struct {
	id       string // pool-level identity: <pod>-worker-<seq>
	claimID  string // per-job claim identity: worker-alpha / worker-beta
	job      *models.Job
	store    Store
	cfg      *config.QueueConfig
	runner   ItemRunner
	notifier Notifier
	stopCh   <-chan struct{}

	// Health tracking
	mu             sync.RWMutex
	status         WorkerStatus
	currentItemID  string
	itemsProcessed int
	lastActivity   time.Time
}

func newJobWorker(id, claimID string, job *models.Job, st Store, cfg *config.QueueConfig,
	runner ItemRunner, notifier Notifier, stopCh <-chan struct{}) *jobWorker {
	return &jobWorker{
		id:           id,
		claimID:      claimID,
		job:          job,
		store:        st,
		cfg:          cfg,
		runner:       runner,
		notifier:     notifier,
		stopCh:       stopCh,
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Health returns the current worker health status.
func (w *jobWorker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:             w.id,
		ClaimID:        w.claimID,
		JobID:          w.job.ID,
		Status:         w.status,
		CurrentItemID:  w.currentItemID,
		ItemsProcessed: w.itemsProcessed,
		LastActivity:   w.lastActivity,
	}
}

// run is the main worker loop: job heartbeat, claim, process, repeat. It
// returns when the claim pool is empty, leaving the epilogue to settle the
// job header even on shutdown.
func (w *jobWorker) run(ctx context.Context) {
	log := slog.With("worker_id", w.id, "claim_id", w.claimID, "job_id", w.job.ID)
	log.Info("Job worker started")

	defer func() {
		// The run context may already be cancelled; the epilogue writes must
		// still land or the job never finalizes.
		finCtx, cancel := context.WithTimeout(context.Background(), terminalWriteBudget)
		defer cancel()
		if err := w.store.TouchJobHeartbeat(finCtx, w.job.ID); err != nil {
			log.Warn("Final job heartbeat failed", "error", err)
		}
		if err := w.store.FinalizeJobIfDone(finCtx, w.job.ID); err != nil {
			log.Warn("Job finalization check failed", "error", err)
		}
		w.notify()
		log.Info("Job worker finished")
	}()

	for {
		select {
		case <-w.stopCh:
			log.Info("Job worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, job worker shutting down")
			return
		default:
		}

		if err := w.store.TouchJobHeartbeat(ctx, w.job.ID); err != nil {
			log.Warn("Job heartbeat failed", "error", err)
		}

		item, err := w.store.ClaimJobItem(ctx, w.job.ID, w.claimID, int(w.cfg.LeaseTTL.Seconds()))
		if errors.Is(err, store.ErrNoItemsAvailable) {
			return
		}
		if err != nil {
			log.Error("Failed to claim job item", "error", err)
			w.sleep(time.Second)
			continue
		}

		w.processItem(ctx, item)
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *jobWorker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// processItem runs one claimed item through the pipeline and records its
// terminal state. The item heartbeat keeps the lease alive for the duration.
func (w *jobWorker) processItem(ctx context.Context, item *models.JobItem) {
	log := slog.With("worker_id", w.id, "job_id", w.job.ID, "item_id", item.ID)
	log.Info("Item claimed", "target", item.TargetID, "attempts", item.Attempts)

	w.setStatus(WorkerStatusWorking, item.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	itemCtx, cancelItem := context.WithTimeout(ctx, w.cfg.ItemTimeout)
	defer cancelItem()

	heartbeatCtx, stopHeartbeat := context.WithCancel(itemCtx)
	defer stopHeartbeat()
	go w.runItemHeartbeat(heartbeatCtx, item.ID)

	emit := pipeline.NewStageEmitter(item.ID, w.stageCallback(), w.store)
	resultID, err := w.runner.RunItem(itemCtx, w.job, item, emit)
	stopHeartbeat()

	if err == nil && errors.Is(itemCtx.Err(), context.DeadlineExceeded) {
		err = &pipeline.StageError{
			Stage: emit.Last(),
			Code:  models.ErrCodeRuntimeErr,
			Err:   fmt.Errorf("item timed out after %v", w.cfg.ItemTimeout),
		}
	}

	// Terminal writes run on a fresh context; the item context may be done.
	doneCtx, cancelDone := context.WithTimeout(context.Background(), terminalWriteBudget)
	defer cancelDone()

	if err == nil {
		err = w.verifyAnalysis(doneCtx, resultID, emit)
	}

	if err != nil {
		stage, errorLog := classifyFailure(err, emit.Last())
		if failErr := w.store.FailJobItem(doneCtx, item.ID, stage, errorLog); failErr != nil {
			log.Error("Failed to record item failure", "error", failErr)
		}
		if bumpErr := w.store.BumpJobCounters(doneCtx, w.job.ID, false, true); bumpErr != nil {
			log.Error("Failed to bump job counters", "error", bumpErr)
		}
		log.Warn("Item failed", "stage", stage, "error", err)
	} else {
		if compErr := w.store.CompleteJobItem(doneCtx, item.ID, &resultID); compErr != nil {
			log.Error("Failed to record item completion", "error", compErr)
		}
		if bumpErr := w.store.BumpJobCounters(doneCtx, w.job.ID, true, false); bumpErr != nil {
			log.Error("Failed to bump job counters", "error", bumpErr)
		}
		log.Info("Item completed", "result_post_id", resultID)
	}

	w.mu.Lock()
	w.itemsProcessed++
	w.mu.Unlock()
	w.notify()
}

// runItemHeartbeat refreshes the item lease while processing.
func (w *jobWorker) runItemHeartbeat(ctx context.Context, itemID string) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.TouchJobItem(ctx, itemID, int(w.cfg.LeaseTTL.Seconds())); err != nil {
				slog.Warn("Item heartbeat failed", "item_id", itemID, "error", err)
			}
		}
	}
}

// verifyAnalysis enforces the Pipeline A completion invariant: a completed
// item must leave behind a post with an analysis artifact or a full report.
func (w *jobWorker) verifyAnalysis(ctx context.Context, resultID string, emit *pipeline.StageEmitter) error {
	if w.job.PipelineType != models.PipelineA {
		return nil
	}
	postID, err := strconv.ParseInt(resultID, 10, 64)
	if err != nil {
		return &pipeline.StageError{
			Stage: emit.Last(),
			Code:  models.ErrCodeRunnerError,
			Err:   fmt.Errorf("runner returned non-numeric post id %q", resultID),
		}
	}
	post, err := w.store.GetPost(ctx, postID)
	if err != nil {
		return &pipeline.StageError{
			Stage: models.StageStore,
			Code:  models.ErrCodeRunnerError,
			Err:   fmt.Errorf("failed to verify post %d: %w", postID, err),
		}
	}
	if !post.HasAnalysis() {
		stage := emit.Last()
		if stage == models.StageAnalyst || stage == models.StageStore || stage == models.StageCompleted {
			stage = models.StageAnalyst
		}
		return &pipeline.StageError{
			Stage: stage,
			Code:  models.ErrCodeAnalysisMissed,
			Err:   fmt.Errorf("post %d completed without analysis artifact", postID),
		}
	}
	return nil
}

// stageCallback wires stage transitions to the store and the refresh hub.
// Without a notifier the emitter's direct writer path suffices.
func (w *jobWorker) stageCallback() pipeline.StageCallback {
	if w.notifier == nil {
		return nil
	}
	return func(ctx context.Context, itemID string, stage models.ItemStage) error {
		if err := w.store.SetJobItemStage(ctx, itemID, stage); err != nil {
			return err
		}
		w.notifier.JobUpdated(w.job.ID)
		return nil
	}
}

func (w *jobWorker) notify() {
	if w.notifier != nil {
		w.notifier.JobUpdated(w.job.ID)
	}
}

// classifyFailure maps an item error to the stage and error_log to record.
// The log format is "CODE: message"; unknown errors get the runtime code.
func classifyFailure(err error, lastStage models.ItemStage) (models.ItemStage, string) {
	var stageErr *pipeline.StageError
	if errors.As(err, &stageErr) {
		stage := stageErr.Stage
		if stage == "" {
			stage = lastStage
		}
		if stage == "" || stage == models.StageCompleted {
			stage = models.StageInit
		}
		if stageErr.Code != "" {
			return stage, stageErr.Error()
		}
		return stage, fmt.Sprintf("%s: %v", models.ErrCodeRunnerError, stageErr.Err)
	}

	stage := lastStage
	if stage == "" || stage == models.StageCompleted {
		stage = models.StageInit
	}
	return stage, fmt.Sprintf("%s: %v", models.ErrCodeRuntimeErr, err)
}

// setStatus updates the worker's health tracking state.
func (w *jobWorker) setStatus(status WorkerStatus, itemID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentItemID = itemID
	w.lastActivity = time.Now()
}
