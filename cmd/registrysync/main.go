// Registrysync reconciles the narrative registry against the posts table:
// every phenomenon_id referenced by a post gets a registry row, with existing
// names, descriptions, and statuses left untouched. Prints a reconciliation
// report and exits non-zero when rows are still missing afterwards.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/narrativelab/threadscope/pkg/database"
	"github.com/narrativelab/threadscope/pkg/models"
	"github.com/narrativelab/threadscope/pkg/store"
)

func main() {
	var (
		envFile = flag.String("env-file", ".env", "Path to the environment file")
		dryRun  = flag.Bool("dry-run", false, "Report without writing registry rows")
	)
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	ctx := context.Background()
	if err := run(ctx, *dryRun); err != nil {
		slog.Error("Registry sync failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, dryRun bool) error {
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load database config: %w", err)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer dbClient.Close()
	st := store.NewClient(dbClient.DB())

	usages, err := st.AggregatePhenomenonUsage(ctx)
	if err != nil {
		return fmt.Errorf("failed to aggregate phenomenon usage: %w", err)
	}
	slog.Info("Aggregated phenomenon usage from posts", "distinct_ids", len(usages))

	synced := 0
	for _, usage := range usages {
		_, err := st.GetPhenomenon(ctx, usage.PhenomenonID)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to look up phenomenon %s: %w", usage.PhenomenonID, err)
		}

		if dryRun {
			slog.Info("Would create registry row", "phenomenon_id", usage.PhenomenonID,
				"post_count", usage.PostCount, "latest_seen", usage.LatestSeen)
			continue
		}

		// The upsert preserves any name/description/status a concurrent
		// writer landed first; this row only fills the gap.
		ph := &models.Phenomenon{
			ID:             usage.PhenomenonID,
			Status:         models.PhenomenonPending,
			MintedByCaseID: usage.LastCaseID,
		}
		if err := st.UpsertPhenomenon(ctx, ph); err != nil {
			return fmt.Errorf("failed to upsert phenomenon %s: %w", usage.PhenomenonID, err)
		}
		synced++
	}

	rowsInRegistry, err := st.CountPhenomena(ctx)
	if err != nil {
		return fmt.Errorf("failed to count registry rows: %w", err)
	}

	missingAfter := 0
	for _, usage := range usages {
		if _, err := st.GetPhenomenon(ctx, usage.PhenomenonID); errors.Is(err, store.ErrNotFound) {
			missingAfter++
		}
	}

	fmt.Printf("distinct_in_posts=%d rows_in_registry=%d created=%d missing_after_sync=%d dry_run=%v\n",
		len(usages), rowsInRegistry, synced, missingAfter, dryRun)
	if !dryRun && missingAfter > 0 {
		return fmt.Errorf("%d phenomenon ids still missing after sync", missingAfter)
	}
	return nil
}
