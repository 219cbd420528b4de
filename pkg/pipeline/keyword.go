package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/narrativelab/threadscope/pkg/fetch"
	"github.com/narrativelab/threadscope/pkg/llm"
	"github.com/narrativelab/threadscope/pkg/models"
)

// Reprocess policies for keyword batch runs.
const (
	PolicySkipIfExists      = "skip_if_exists"
	PolicyForceIfKeywordHit = "force_if_keyword_hit"
	PolicyForceAll          = "force_all"
)

const (
	keywordMaxPosts       = 20
	keywordMaxConcurrency = 3
	keywordDefaultWorkers = 2
	existingURLChunk      = 200
	maxRecordedFailures   = 20
	rateLimitBreakerTrips = 3
)

// KeywordRequest configures one keyword batch run.
type KeywordRequest struct {
	Keyword         string
	MaxPosts        int
	Concurrency     int
	ReprocessPolicy string
	Preview         bool
}

// clampKeywordRequest applies the documented bounds and defaults.
func clampKeywordRequest(req KeywordRequest) KeywordRequest {
	if req.MaxPosts < 1 {
		req.MaxPosts = 1
	}
	if req.MaxPosts > keywordMaxPosts {
		req.MaxPosts = keywordMaxPosts
	}
	if req.Concurrency < 1 {
		req.Concurrency = keywordDefaultWorkers
	}
	if req.Concurrency > keywordMaxConcurrency {
		req.Concurrency = keywordMaxConcurrency
	}
	switch req.ReprocessPolicy {
	case PolicySkipIfExists, PolicyForceIfKeywordHit, PolicyForceAll:
	default:
		req.ReprocessPolicy = PolicySkipIfExists
	}
	return req
}

// KeywordItem is one URL's outcome inside a batch summary.
type KeywordItem struct {
	URL    string `json:"url"`
	Status string `json:"status"`
	PostID string `json:"post_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// KeywordSummary is the run report written back onto the job.
type KeywordSummary struct {
	DiscoveryCount int           `json:"discovery_count"`
	DedupedCount   int           `json:"deduped_count"`
	SelectedCount  int           `json:"selected_count"`
	SkippedExists  int           `json:"skipped_exists"`
	SkippedPolicy  int           `json:"skipped_policy"`
	SuccessCount   int           `json:"success_count"`
	FailCount      int           `json:"fail_count"`
	Failures       []string      `json:"failures,omitempty"`
	Items          []KeywordItem `json:"items"`
	Logs           []string      `json:"logs,omitempty"`
	BreakerTripped bool          `json:"breaker_tripped,omitempty"`
}

// KeywordStore is the slice of the store the batch backend needs beyond the
// per-item pipeline.
type KeywordStore interface {
	ExistingURLs(ctx context.Context, urls []string) (map[string]bool, error)
	UpdateJobCounters(ctx context.Context, jobID string, total, processed, success, failed int) error
	SetJobError(ctx context.Context, jobID, summary string) error
}

// KeywordRunner discovers posts for a keyword and drives them through the
// per-item pipeline with bounded concurrency.
type KeywordRunner struct {
	runner  *Runner
	fetcher Fetcher
	store   KeywordStore
}

// NewKeywordRunner builds the Pipeline B backend.
func NewKeywordRunner(runner *Runner, fetcher Fetcher, st KeywordStore) *KeywordRunner {
	return &KeywordRunner{runner: runner, fetcher: fetcher, store: st}
}

// Run executes one keyword batch. Preview mode stops after selection with no
// side effects. The job's header counters are updated from the summary.
func (k *KeywordRunner) Run(ctx context.Context, job *models.Job, req KeywordRequest) (*KeywordSummary, error) {
	req = clampKeywordRequest(req)
	summary := &KeywordSummary{Items: []KeywordItem{}}
	log := func(format string, args ...any) {
		line := fmt.Sprintf(format, args...)
		summary.Logs = append(summary.Logs, line)
		slog.Info("Keyword batch: "+line, "job_id", job.ID)
	}

	urls, err := k.fetcher.DiscoverByKeyword(ctx, req.Keyword, req.MaxPosts)
	if err != nil {
		return nil, fmt.Errorf("keyword discovery failed: %w", err)
	}
	summary.DiscoveryCount = len(urls)

	deduped := dedupeCanonical(urls)
	summary.DedupedCount = len(deduped)
	log("discovered %d urls, %d after dedupe", len(urls), len(deduped))

	selected, err := k.selectByPolicy(ctx, deduped, req, summary)
	if err != nil {
		return nil, err
	}
	if len(selected) > req.MaxPosts {
		selected = selected[:req.MaxPosts]
	}
	summary.SelectedCount = len(selected)
	log("selected %d urls under policy %s", len(selected), req.ReprocessPolicy)

	if req.Preview {
		for _, url := range selected {
			summary.Items = append(summary.Items, KeywordItem{URL: url, Status: "selected"})
		}
		return summary, nil
	}

	k.ingest(ctx, job, selected, req.Concurrency, summary)

	if err := k.store.UpdateJobCounters(ctx, job.ID,
		summary.SelectedCount, summary.SuccessCount+summary.FailCount,
		summary.SuccessCount, summary.FailCount); err != nil {
		slog.Warn("Failed to update job counters from batch summary", "job_id", job.ID, "error", err)
	}
	if summary.FailCount > 0 {
		_ = k.store.SetJobError(ctx, job.ID,
			fmt.Sprintf("%d of %d targets failed", summary.FailCount, summary.SelectedCount))
	}
	return summary, nil
}

// selectByPolicy filters the deduped URL set against stored posts.
func (k *KeywordRunner) selectByPolicy(ctx context.Context, urls []string, req KeywordRequest, summary *KeywordSummary) ([]string, error) {
	if req.ReprocessPolicy == PolicyForceAll {
		return urls, nil
	}
	existing := map[string]bool{}
	for start := 0; start < len(urls); start += existingURLChunk {
		end := start + existingURLChunk
		if end > len(urls) {
			end = len(urls)
		}
		chunk, err := k.store.ExistingURLs(ctx, urls[start:end])
		if err != nil {
			return nil, fmt.Errorf("failed to check existing urls: %w", err)
		}
		for url, found := range chunk {
			if found {
				existing[url] = true
			}
		}
	}

	var selected []string
	for _, url := range urls {
		if !existing[url] {
			selected = append(selected, url)
			continue
		}
		switch req.ReprocessPolicy {
		case PolicySkipIfExists:
			summary.SkippedExists++
		case PolicyForceIfKeywordHit:
			// A keyword hit re-runs even existing posts.
			if strings.Contains(strings.ToLower(url), strings.ToLower(req.Keyword)) {
				selected = append(selected, url)
			} else {
				summary.SkippedPolicy++
			}
		}
	}
	return selected, nil
}

// ingest runs selected URLs through the pipeline with a bounded semaphore,
// launch jitter, and a consecutive-rate-limit breaker. Once the breaker
// opens the remaining URLs are recorded as skipped without dispatch.
func (k *KeywordRunner) ingest(ctx context.Context, job *models.Job, urls []string, concurrency int, summary *KeywordSummary) {
	var (
		mu                    sync.Mutex
		wg                    sync.WaitGroup
		consecutiveRateLimits int
	)
	sem := make(chan struct{}, concurrency)

	record := func(item KeywordItem) {
		mu.Lock()
		defer mu.Unlock()
		summary.Items = append(summary.Items, item)
		switch item.Status {
		case "succeeded":
			summary.SuccessCount++
			consecutiveRateLimits = 0
		case "failed":
			summary.FailCount++
			if len(summary.Failures) < maxRecordedFailures {
				summary.Failures = append(summary.Failures, fmt.Sprintf("%s: %s", item.URL, item.Error))
			}
			if llm.IsRateLimited(errors.New(item.Error)) {
				consecutiveRateLimits++
				if consecutiveRateLimits >= rateLimitBreakerTrips {
					summary.BreakerTripped = true
				}
			} else {
				consecutiveRateLimits = 0
			}
		}
	}
	breakerOpen := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return summary.BreakerTripped
	}

	for _, url := range urls {
		if breakerOpen() {
			record(KeywordItem{URL: url, Status: "skipped", Error: "rate limit breaker open"})
			continue
		}
		// Launch jitter keeps the crawler from seeing a thundering herd.
		k.sleep(ctx, 200, 600)

		sem <- struct{}{}
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			defer func() { <-sem }()
			item := k.runOne(ctx, job, target)
			k.sleep(ctx, 500, 1000)
			record(item)
		}(url)
	}
	wg.Wait()
}

func (k *KeywordRunner) runOne(ctx context.Context, job *models.Job, url string) KeywordItem {
	item := &models.JobItem{
		ID:       fmt.Sprintf("%s::%s", job.ID, fetch.Shortcode(url)),
		JobID:    job.ID,
		TargetID: url,
	}
	emit := NewStageEmitter(item.ID, func(context.Context, string, models.ItemStage) error { return nil }, nil)
	postID, err := k.runner.RunItem(ctx, &models.Job{ID: job.ID, PipelineType: models.PipelineA}, item, emit)
	if err != nil {
		return KeywordItem{URL: url, Status: "failed", Error: err.Error()}
	}
	return KeywordItem{URL: url, Status: "succeeded", PostID: postID}
}

func (k *KeywordRunner) sleep(ctx context.Context, minMs, maxMs int) {
	d := time.Duration(minMs+rand.Intn(maxMs-minMs+1)) * time.Millisecond
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// dedupeCanonical canonicalizes and de-duplicates discovered URLs preserving
// first-seen order.
func dedupeCanonical(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	var out []string
	for _, raw := range urls {
		canonical := fetch.Canonicalize(raw)
		if canonical == "" || seen[canonical] {
			continue
		}
		seen[canonical] = true
		out = append(out, canonical)
	}
	return out
}
