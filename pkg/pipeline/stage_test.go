package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narrativelab/threadscope/pkg/models"
)

type recordingWriter struct {
	stages []models.ItemStage
}

func (r *recordingWriter) SetJobItemStage(_ context.Context, _ string, stage models.ItemStage) error {
	r.stages = append(r.stages, stage)
	return nil
}

func TestStageEmitterSuppressesDuplicates(t *testing.T) {
	var emitted []models.ItemStage
	cb := func(_ context.Context, _ string, stage models.ItemStage) error {
		emitted = append(emitted, stage)
		return nil
	}
	emit := NewStageEmitter("item-1", cb, nil)

	emit.Emit(context.Background(), models.StageFetch)
	emit.Emit(context.Background(), models.StageFetch)
	emit.Emit(context.Background(), models.StageAnalyst)

	assert.Equal(t, []models.ItemStage{models.StageFetch, models.StageAnalyst}, emitted)
	assert.Equal(t, models.StageAnalyst, emit.Last())
}

func TestStageEmitterFallsBackToWriter(t *testing.T) {
	writer := &recordingWriter{}
	emit := NewStageEmitter("item-1", nil, writer)

	emit.Emit(context.Background(), models.StageFetch)
	emit.Emit(context.Background(), models.StageStore)

	assert.Equal(t, []models.ItemStage{models.StageFetch, models.StageStore}, writer.stages)
}

func TestStageEmitterCallbackErrorIsSoft(t *testing.T) {
	cb := func(context.Context, string, models.ItemStage) error {
		return fmt.Errorf("observer gone")
	}
	emit := NewStageEmitter("item-1", cb, nil)

	emit.Emit(context.Background(), models.StageFetch)
	assert.Equal(t, models.StageFetch, emit.Last())
}

func TestRunSimulatedWalksStages(t *testing.T) {
	writer := &recordingWriter{}
	emit := NewStageEmitter("item-9", nil, writer)
	runner := &Runner{}

	result, err := runner.RunItem(context.Background(),
		&models.Job{ID: "j1", PipelineType: models.PipelineC},
		&models.JobItem{ID: "item-9", TargetID: "mock://j1/1"},
		emit)

	require.NoError(t, err)
	assert.Equal(t, "mock_res:item-9", result)
	assert.Equal(t, []models.ItemStage{
		models.StageFetch, models.StageVision, models.StageAnalyst, models.StageCompleted,
	}, writer.stages)
}
