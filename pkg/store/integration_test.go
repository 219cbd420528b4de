package store

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/narrativelab/threadscope/pkg/database"
	"github.com/narrativelab/threadscope/pkg/models"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// newTestStore returns a Client against a migrated PostgreSQL instance.
// In CI (CI_DATABASE_URL set): connects to the external service container.
// In local dev: starts one shared pgvector testcontainer for the package.
// Tests isolate by unique UUIDs, not schemas; never assert on global counts.
func newTestStore(t *testing.T) *Client {
	if testing.Short() {
		t.Skip("skipping store integration test in short mode")
	}
	ctx := context.Background()

	containerOnce.Do(func() {
		if ciURL := os.Getenv("CI_DATABASE_URL"); ciURL != "" {
			t.Log("Using external PostgreSQL from CI_DATABASE_URL")
			sharedConnStr = ciURL
			return
		}

		t.Log("Starting shared pgvector testcontainer")
		// The stock postgres image lacks the vector extension migrations need.
		pgContainer, err := postgres.Run(ctx,
			"pgvector/pgvector:pg16",
			postgres.WithDatabase("threadscope_test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("failed to start postgres container: %w", err)
			return
		}

		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("failed to get connection string: %w", err)
			return
		}
		sharedConnStr = connStr
	})
	require.NoError(t, containerErr)

	db, err := stdsql.Open("pgx", sharedConnStr)
	require.NoError(t, err)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	require.NoError(t, db.PingContext(ctx))

	require.NoError(t, database.RunMigrations(db, "threadscope_test"))

	t.Cleanup(func() {
		_ = db.Close()
	})
	return NewClient(db)
}

func newTestJob(t *testing.T, c *Client, itemCount int) (*models.Job, []*models.JobItem) {
	ctx := context.Background()
	job := &models.Job{
		ID:           uuid.NewString(),
		PipelineType: models.PipelineA,
		Mode:         models.ModeIngest,
		Status:       models.JobDiscovering,
		InputConfig:  map[string]any{"url": "https://www.threads.net/@u/post/ABC"},
	}
	require.NoError(t, c.CreateJob(ctx, job))

	var items []*models.JobItem
	for i := 0; i < itemCount; i++ {
		items = append(items, &models.JobItem{
			ID:       uuid.NewString(),
			JobID:    job.ID,
			TargetID: fmt.Sprintf("https://www.threads.net/@u/post/T%d", i),
			Status:   models.ItemPending,
			Stage:    models.StageInit,
		})
	}
	require.NoError(t, c.InsertJobItems(ctx, items))
	require.NoError(t, c.SetJobDiscovered(ctx, job.ID, itemCount))
	return job, items
}

func TestJobItemClaimLifecycle(t *testing.T) {
	c := newTestStore(t)
	ctx := context.Background()
	job, _ := newTestJob(t, c, 2)

	got, err := c.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, got.Status)
	assert.Equal(t, 2, got.TotalCount)

	claimed, err := c.ClaimJobItem(ctx, job.ID, "worker-1", 60)
	require.NoError(t, err)
	assert.Equal(t, models.ItemProcessing, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)
	require.NotNil(t, claimed.WorkerID)
	assert.Equal(t, "worker-1", *claimed.WorkerID)
	require.NotNil(t, claimed.LeaseExpiresAt)

	// Second claim gets the other item, not the leased one.
	second, err := c.ClaimJobItem(ctx, job.ID, "worker-2", 60)
	require.NoError(t, err)
	assert.NotEqual(t, claimed.ID, second.ID)

	// Pool exhausted while both leases are live.
	_, err = c.ClaimJobItem(ctx, job.ID, "worker-3", 60)
	assert.ErrorIs(t, err, ErrNoItemsAvailable)
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	c := newTestStore(t)
	ctx := context.Background()
	job, _ := newTestJob(t, c, 1)

	first, err := c.ClaimJobItem(ctx, job.ID, "worker-1", 1)
	require.NoError(t, err)

	_, err = c.ClaimJobItem(ctx, job.ID, "worker-2", 60)
	assert.ErrorIs(t, err, ErrNoItemsAvailable)

	time.Sleep(1500 * time.Millisecond)

	reclaimed, err := c.ClaimJobItem(ctx, job.ID, "worker-2", 60)
	require.NoError(t, err)
	assert.Equal(t, first.ID, reclaimed.ID)
	assert.Equal(t, 2, reclaimed.Attempts)
	assert.Equal(t, "worker-2", *reclaimed.WorkerID)
}

func TestCompleteAndFinalizeJob(t *testing.T) {
	c := newTestStore(t)
	ctx := context.Background()
	job, _ := newTestJob(t, c, 2)

	for i := 0; i < 2; i++ {
		item, err := c.ClaimJobItem(ctx, job.ID, "worker-1", 60)
		require.NoError(t, err)
		require.NoError(t, c.SetJobItemStage(ctx, item.ID, models.StageFetch))
		postID := fmt.Sprintf("%d", 100+i)
		require.NoError(t, c.CompleteJobItem(ctx, item.ID, &postID))
		require.NoError(t, c.BumpJobCounters(ctx, job.ID, true, false))
		require.NoError(t, c.FinalizeJobIfDone(ctx, job.ID))
	}

	got, err := c.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.Status)
	assert.Equal(t, 2, got.ProcessedCount)
	assert.Equal(t, 2, got.SuccessCount)
	assert.Equal(t, 0, got.FailedCount)
	assert.NotNil(t, got.FinishedAt)

	items, err := c.ListJobItems(ctx, job.ID, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, item := range items {
		assert.Equal(t, models.ItemCompleted, item.Status)
		assert.Equal(t, models.StageCompleted, item.Stage)
		assert.Nil(t, item.LeaseExpiresAt)
		require.NotNil(t, item.ResultPostID)
	}
}

func TestFailedItemFinalizesJobFailed(t *testing.T) {
	c := newTestStore(t)
	ctx := context.Background()
	job, _ := newTestJob(t, c, 1)

	item, err := c.ClaimJobItem(ctx, job.ID, "worker-1", 60)
	require.NoError(t, err)
	require.NoError(t, c.FailJobItem(ctx, item.ID, models.StageFetch, "RUNNER_ERROR: renderer unreachable"))
	require.NoError(t, c.BumpJobCounters(ctx, job.ID, false, true))
	require.NoError(t, c.FinalizeJobIfDone(ctx, job.ID))

	got, err := c.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)

	items, err := c.ListJobItems(ctx, job.ID, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.ItemFailed, items[0].Status)
	require.NotNil(t, items[0].ErrorLog)
	assert.Contains(t, *items[0].ErrorLog, "RUNNER_ERROR")
}

func TestGetJobNotFound(t *testing.T) {
	c := newTestStore(t)
	_, err := c.GetJob(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPhenomenonUpsertPreservesExistingFields(t *testing.T) {
	c := newTestStore(t)
	ctx := context.Background()

	id := uuid.NewString()
	name := "shutdown panic"
	desc := "claims of a staged factory closure"
	require.NoError(t, c.UpsertPhenomenon(ctx, &models.Phenomenon{
		ID:            id,
		CanonicalName: &name,
		Description:   &desc,
		Status:        models.PhenomenonProvisional,
	}))

	// A later sync upsert with empty fields must not clobber the identity.
	require.NoError(t, c.UpsertPhenomenon(ctx, &models.Phenomenon{
		ID:     id,
		Status: models.PhenomenonPending,
	}))

	ph, err := c.GetPhenomenon(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, ph.CanonicalName)
	assert.Equal(t, "shutdown panic", *ph.CanonicalName)
	require.NotNil(t, ph.Description)
	assert.Equal(t, models.PhenomenonProvisional, ph.Status)
}

func TestPromotePhenomenon(t *testing.T) {
	c := newTestStore(t)
	ctx := context.Background()

	id := uuid.NewString()
	name := "promotable"
	require.NoError(t, c.UpsertPhenomenon(ctx, &models.Phenomenon{
		ID:            id,
		CanonicalName: &name,
		Status:        models.PhenomenonProvisional,
	}))

	ph, err := c.PromotePhenomenon(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.PhenomenonActive, ph.Status)

	// Re-promoting an active row is a state conflict.
	_, err = c.PromotePhenomenon(ctx, id)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = c.PromotePhenomenon(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetPhenomenonStatus(t *testing.T) {
	c := newTestStore(t)
	ctx := context.Background()

	id := uuid.NewString()
	name := "forwarded"
	require.NoError(t, c.UpsertPhenomenon(ctx, &models.Phenomenon{
		ID:            id,
		CanonicalName: &name,
		Status:        models.PhenomenonPending,
	}))

	require.NoError(t, c.SetPhenomenonStatus(ctx, id, models.PhenomenonMatched))

	ph, err := c.GetPhenomenon(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.PhenomenonMatched, ph.Status)
}

func TestDatabaseHealthSnapshot(t *testing.T) {
	c := newTestStore(t)
	ctx := context.Background()

	h := database.CheckHealth(ctx, c.DB())
	assert.True(t, h.Healthy)
	assert.Empty(t, h.Error)
	assert.Equal(t, 10, h.MaxOpen)
	assert.GreaterOrEqual(t, h.OpenConns, 1)
}

func TestIncrementOccurrence(t *testing.T) {
	c := newTestStore(t)
	ctx := context.Background()

	id := uuid.NewString()
	name := "counted"
	require.NoError(t, c.UpsertPhenomenon(ctx, &models.Phenomenon{
		ID:            id,
		CanonicalName: &name,
		Status:        models.PhenomenonActive,
	}))
	require.NoError(t, c.IncrementOccurrence(ctx, id))
	require.NoError(t, c.IncrementOccurrence(ctx, id))

	ph, err := c.GetPhenomenon(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, ph.OccurrenceCnt)
}
