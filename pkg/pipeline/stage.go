// Package pipeline runs one job item through the ingestion state machine:
// init, fetch, optional vision, analyst, store. The store's claim RPC decides
// who runs an item; everything here assumes single ownership of the row.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/narrativelab/threadscope/pkg/models"
)

// stageCallbackBudget bounds how long one progress emission may take before
// it is logged and abandoned.
const stageCallbackBudget = 2 * time.Second

// StageCallback receives progress transitions for external observers.
type StageCallback func(ctx context.Context, itemID string, stage models.ItemStage) error

// StageWriter is the direct store fallback used when no callback is wired.
type StageWriter interface {
	SetJobItemStage(ctx context.Context, itemID string, stage models.ItemStage) error
}

// StageEmitter pushes monotonic stage transitions for one item. Duplicate
// emissions are suppressed; callback timeouts are logged and ignored so
// progress reporting can never stall the pipeline.
type StageEmitter struct {
	itemID string
	cb     StageCallback
	writer StageWriter
	last   models.ItemStage
}

// NewStageEmitter builds an emitter for one item. cb may be nil; writer is
// the fallback path and should not be.
func NewStageEmitter(itemID string, cb StageCallback, writer StageWriter) *StageEmitter {
	return &StageEmitter{itemID: itemID, cb: cb, writer: writer}
}

// Emit reports a transition. Failures are soft: observers miss a beat, the
// item keeps moving.
func (e *StageEmitter) Emit(ctx context.Context, stage models.ItemStage) {
	if stage == e.last {
		return
	}
	e.last = stage

	budget, cancel := context.WithTimeout(ctx, stageCallbackBudget)
	defer cancel()

	if e.cb != nil {
		if err := e.cb(budget, e.itemID, stage); err != nil {
			slog.Warn("Stage callback failed", "item_id", e.itemID, "stage", stage, "error", err)
		}
		return
	}
	if e.writer != nil {
		if err := e.writer.SetJobItemStage(budget, e.itemID, stage); err != nil {
			slog.Warn("Stage write failed", "item_id", e.itemID, "stage", stage, "error", err)
		}
	}
}

// Last returns the most recently emitted stage.
func (e *StageEmitter) Last() models.ItemStage {
	return e.last
}
