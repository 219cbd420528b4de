// Batchrunner resumes keyword ingestion batches from a JSON state file. Runs
// are paced with jitter and cooldowns and abort when the circuit breaker
// suspects upstream rate limiting (exit code 2), leaving undispatched URLs
// queued for the next run.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/narrativelab/threadscope/pkg/analyst"
	"github.com/narrativelab/threadscope/pkg/batch"
	"github.com/narrativelab/threadscope/pkg/config"
	"github.com/narrativelab/threadscope/pkg/database"
	"github.com/narrativelab/threadscope/pkg/fetch"
	"github.com/narrativelab/threadscope/pkg/llm"
	"github.com/narrativelab/threadscope/pkg/models"
	"github.com/narrativelab/threadscope/pkg/pipeline"
	"github.com/narrativelab/threadscope/pkg/quant"
	"github.com/narrativelab/threadscope/pkg/registry"
	"github.com/narrativelab/threadscope/pkg/store"
	"github.com/narrativelab/threadscope/pkg/vision"
)

const breakerExitCode = 2

func main() {
	var (
		envFile       = flag.String("env-file", ".env", "Path to the environment file")
		stateFile     = flag.String("state-file", "batch_state.json", "Path to the resumable state file")
		keyword       = flag.String("keyword", "", "Keyword to discover targets for when the state has no pending URLs")
		urlsFile      = flag.String("urls-file", "", "File with one target URL per line to enqueue")
		maxAttempts   = flag.Int("max-attempts", 3, "Attempt ceiling per URL before it stops being retried")
		cooldownEvery = flag.Int("cooldown-every", 5, "Pause after this many consecutive successes")
		concurrency   = flag.Int("concurrency", 1, "Parallel dispatches (capped at 3)")
	)
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, *stateFile, *keyword, *urlsFile, batch.Options{
		MaxAttempts:   *maxAttempts,
		CooldownEvery: *cooldownEvery,
		Concurrency:   *concurrency,
	}); err != nil {
		if errors.Is(err, batch.ErrBreakerOpen) {
			slog.Error("Run aborted by circuit breaker, remaining URLs stay queued")
			os.Exit(breakerExitCode)
		}
		slog.Error("Batch run failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stateFile, keyword, urlsFile string, opts batch.Options) error {
	state, err := batch.LoadState(stateFile, keyword)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
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
	llmClient, err := llm.NewClient(ctx, cfg.LLM)
	if err != nil {
		return err
	}

	fetcher := fetch.NewClient(cfg.Crawler)
	quantEngine := quant.NewEngine(llmClient, st, cfg.Enrich.PersistAssignments)
	visionRunner := vision.NewRunner(cfg.Vision, llmClient, fetcher)
	reg := registry.New(llmClient, st, cfg.Enrich)
	enricher := registry.NewEnricher(reg, st, true, 1)
	defer enricher.Stop()
	runner := pipeline.NewRunner(st, fetcher, quantEngine, visionRunner,
		analyst.New(llmClient), enricher, llmClient, cfg.Enrich)

	if err := enqueueTargets(ctx, state, fetcher, keyword, urlsFile, opts.MaxAttempts); err != nil {
		return err
	}
	if err := state.Save(); err != nil {
		return err
	}

	batchJobID := uuid.NewString()
	process := func(ctx context.Context, url string) error {
		item := &models.JobItem{
			ID:       fmt.Sprintf("%s::%s", batchJobID, fetch.Shortcode(url)),
			JobID:    batchJobID,
			TargetID: url,
		}
		emit := pipeline.NewStageEmitter(item.ID,
			func(context.Context, string, models.ItemStage) error { return nil }, nil)
		job := &models.Job{ID: batchJobID, PipelineType: models.PipelineA}
		_, err := runner.RunItem(ctx, job, item, emit)
		return err
	}

	batchRunner := batch.NewRunner(state, process, opts)
	runErr := batchRunner.Run(ctx)
	slog.Info("Batch run finished", "summary", batchRunner.Summary())
	return runErr
}

// enqueueTargets registers URLs from the urls file, falling back to keyword
// discovery when the state holds nothing dispatchable.
func enqueueTargets(ctx context.Context, state *batch.State, fetcher *fetch.Client,
	keyword, urlsFile string, maxAttempts int) error {
	if urlsFile != "" {
		f, err := os.Open(urlsFile)
		if err != nil {
			return fmt.Errorf("failed to open urls file: %w", err)
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		added := 0
		for scanner.Scan() {
			url := strings.TrimSpace(scanner.Text())
			if url == "" || strings.HasPrefix(url, "#") {
				continue
			}
			state.Ensure(fetch.Canonicalize(url))
			added++
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("failed to read urls file: %w", err)
		}
		slog.Info("Enqueued URLs from file", "path", urlsFile, "count", added)
	}

	if len(state.Pending(maxAttempts)) > 0 || keyword == "" {
		return nil
	}
	urls, err := fetcher.DiscoverByKeyword(ctx, keyword, 20)
	if err != nil {
		return fmt.Errorf("keyword discovery failed: %w", err)
	}
	for _, url := range urls {
		state.Ensure(fetch.Canonicalize(url))
	}
	slog.Info("Enqueued URLs from keyword discovery", "keyword", keyword, "count", len(urls))
	return nil
}
