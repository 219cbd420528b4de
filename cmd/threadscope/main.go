// Threadscope server: HTTP API, job queue workers, and the per-item
// analysis pipeline over one PostgreSQL store.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/narrativelab/threadscope/pkg/analyst"
	"github.com/narrativelab/threadscope/pkg/api"
	"github.com/narrativelab/threadscope/pkg/config"
	"github.com/narrativelab/threadscope/pkg/database"
	"github.com/narrativelab/threadscope/pkg/fetch"
	"github.com/narrativelab/threadscope/pkg/llm"
	"github.com/narrativelab/threadscope/pkg/pipeline"
	"github.com/narrativelab/threadscope/pkg/quant"
	"github.com/narrativelab/threadscope/pkg/queue"
	"github.com/narrativelab/threadscope/pkg/registry"
	"github.com/narrativelab/threadscope/pkg/services"
	"github.com/narrativelab/threadscope/pkg/store"
	"github.com/narrativelab/threadscope/pkg/version"
	"github.com/narrativelab/threadscope/pkg/vision"
)

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	envFile := flag.String("env-file", ".env", "Path to the environment file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	podID := resolvePodID()
	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting threadscope", "version", version.Full(),
		"http_port", cfg.Server.Port, "pod_id", podID)

	// 2. Database (runs embedded migrations)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	st := store.NewClient(dbClient.DB())

	// 3. LLM client
	llmClient, err := llm.NewClient(ctx, cfg.LLM)
	if err != nil {
		slog.Error("Failed to initialize LLM client", "error", err)
		os.Exit(1)
	}

	// 4. Pipeline stages
	fetcher := fetch.NewClient(cfg.Crawler)
	quantEngine := quant.NewEngine(llmClient, st, cfg.Enrich.PersistAssignments)
	visionRunner := vision.NewRunner(cfg.Vision, llmClient, fetcher)
	an := analyst.New(llmClient)

	reg := registry.New(llmClient, st, cfg.Enrich)
	enricher := registry.NewEnricher(reg, st, cfg.Enrich.Inline, cfg.Enrich.Workers)
	defer enricher.Stop()

	runner := pipeline.NewRunner(st, fetcher, quantEngine, visionRunner, an, enricher, llmClient, cfg.Enrich)
	keywordRunner := pipeline.NewKeywordRunner(runner, fetcher, st)

	// 5. Hub, worker pool, services
	hub := api.NewHub()
	pool := queue.NewJobPool(podID, st, cfg.Queue, runner, hub)

	jobService := services.NewJobService(st, pool, keywordRunner, cfg.Queue.StaleThreshold)
	postService := services.NewPostService(st)
	phenomenonService := services.NewPhenomenonService(st)

	// 6. Resume jobs a previous run left processing
	if err := pool.ResumeOrphanedJobs(ctx); err != nil {
		slog.Error("Failed to resume orphaned jobs", "error", err)
		// Non-fatal, leases will lapse and the next restart retries
	}

	// 7. HTTP server until SIGTERM/SIGINT
	server := api.NewServer(cfg.Server, jobService, postService, phenomenonService,
		hub, dbClient.DB(), pool, st)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	slog.Info("Threadscope started", "pod_id", podID, "workers_per_job", cfg.Queue.WorkersPerJob)
	if err := server.Serve(runCtx); err != nil {
		slog.Error("HTTP server error", "error", err)
	}

	// 8. Graceful shutdown: drain in-flight items before exit
	pool.Stop()
	slog.Info("Shutdown complete")
}
