package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/narrativelab/threadscope/pkg/fingerprint"
	"github.com/narrativelab/threadscope/pkg/models"
)

const maxEnrichmentErrorLen = 2000

// EnrichStore extends the registry store with what the lifecycle needs.
type EnrichStore interface {
	Store
	ListCommentsByPost(ctx context.Context, postID int64, sortBy string, limit, offset int) ([]*models.Comment, error)
}

// Enricher drives the post-analysis enrichment lifecycle: status transitions
// on the post row, the match-or-mint run, and the identity patch. Submission
// never blocks the caller.
type Enricher struct {
	registry *Registry
	store    EnrichStore
	inline   bool

	jobs     chan int64
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewEnricher builds an enricher. With inline=true Submit runs synchronously;
// otherwise workers drain a small queue in the background.
func NewEnricher(registry *Registry, st EnrichStore, inline bool, workers int) *Enricher {
	e := &Enricher{
		registry: registry,
		store:    st,
		inline:   inline,
		jobs:     make(chan int64, 64),
		stopCh:   make(chan struct{}),
	}
	if !inline {
		if workers < 1 {
			workers = 1
		}
		for i := 0; i < workers; i++ {
			e.wg.Add(1)
			go e.worker(i)
		}
	}
	return e
}

// Submit schedules enrichment for a post. Inline mode runs it now; pool mode
// enqueues and drops with a warning when the queue is full rather than
// blocking the pipeline.
func (e *Enricher) Submit(ctx context.Context, postID int64) {
	if e.inline {
		e.enrich(ctx, postID)
		return
	}
	select {
	case e.jobs <- postID:
	default:
		slog.Warn("Enrichment queue full, dropping submission", "post_id", postID)
	}
}

// Stop drains the pool. Safe to call more than once.
func (e *Enricher) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
	if !e.inline {
		e.wg.Wait()
	}
}

func (e *Enricher) worker(id int) {
	defer e.wg.Done()
	log := slog.With("enrich_worker", id)
	for {
		select {
		case <-e.stopCh:
			return
		case postID := <-e.jobs:
			log.Debug("Enrichment picked up", "post_id", postID)
			e.enrich(context.Background(), postID)
		}
	}
}

// enrich runs one full lifecycle. Failures land on the post row; nothing
// propagates to the submitting pipeline.
func (e *Enricher) enrich(ctx context.Context, postID int64) {
	now := time.Now().UTC()
	if err := e.store.PatchPost(ctx, postID, map[string]any{
		"enrichment_status":     "processing",
		"enrichment_started_at": now,
	}); err != nil {
		slog.Error("Failed to mark enrichment processing", "post_id", postID, "error", err)
		return
	}

	decision, err := e.run(ctx, postID)
	if err != nil {
		e.markFailed(ctx, postID, err)
		return
	}

	done := time.Now().UTC()
	if err := e.store.PatchPost(ctx, postID, map[string]any{
		"enrichment_status":       "completed",
		"enrichment_completed_at": done,
	}); err != nil {
		slog.Error("Failed to mark enrichment completed", "post_id", postID, "error", err)
	}
	slog.Info("Enrichment completed", "post_id", postID, "outcome", decision.Outcome, "phenomenon_id", decision.PhenomenonID)
}

func (e *Enricher) run(ctx context.Context, postID int64) (*Decision, error) {
	post, err := e.store.GetPost(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("failed to load post for enrichment: %w", err)
	}
	comments, err := e.store.ListCommentsByPost(ctx, postID, "likes", 200, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load comments for enrichment: %w", err)
	}

	bundle := BuildBundle(post, comments)
	name, desc := proposedIdentity(post)

	decision, err := e.registry.MatchOrMint(ctx, bundle, name, desc)
	if err != nil {
		return nil, err
	}
	if _, err := e.registry.PatchPost(ctx, postID, decision); err != nil {
		return nil, err
	}
	return decision, nil
}

func (e *Enricher) markFailed(ctx context.Context, postID int64, cause error) {
	slog.Error("Enrichment failed", "post_id", postID, "error", cause)

	retries := 0
	if post, err := e.store.GetPost(ctx, postID); err == nil {
		retries = post.EnrichmentRetryCount
	}
	message := cause.Error()
	if len(message) > maxEnrichmentErrorLen {
		message = message[:maxEnrichmentErrorLen]
	}
	if err := e.store.PatchPost(ctx, postID, map[string]any{
		"enrichment_status":      "failed",
		"enrichment_retry_count": retries + 1,
		"enrichment_last_error":  message,
	}); err != nil {
		slog.Error("Failed to record enrichment failure", "post_id", postID, "error", err)
	}
}

// BuildBundle assembles the evidence bundle from a post row and its
// comments, folding in the stored cluster summary when present.
func BuildBundle(post *models.Post, comments []*models.Comment) fingerprint.EvidenceBundle {
	samples := make([]fingerprint.Sample, 0, len(comments))
	for _, c := range comments {
		samples = append(samples, fingerprint.Sample{Text: c.Text, LikeCount: c.LikeCount})
	}
	clusters := clustersFromSummary(post.ClusterSummary, comments)
	return fingerprint.BuildEvidenceBundle(post.PostText, ocrText(post), samples, clusters, post.Images)
}

// clustersFromSummary rebuilds fingerprint clusters from the stored
// cluster_summary, resolving top comment ids back to texts.
func clustersFromSummary(summary map[string]any, comments []*models.Comment) []fingerprint.Cluster {
	if summary == nil {
		return nil
	}
	rawClusters, _ := summary["clusters"].([]any)
	if rawClusters == nil {
		return nil
	}
	byID := make(map[string]*models.Comment, len(comments))
	for _, c := range comments {
		byID[c.ID] = c
	}

	var clusters []fingerprint.Cluster
	for _, entry := range rawClusters {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		cluster := fingerprint.Cluster{}
		switch key := m["cluster_key"].(type) {
		case float64:
			cluster.Key = fmt.Sprintf("%d", int(key))
		case string:
			cluster.Key = key
		}
		if size, ok := m["size"].(float64); ok {
			cluster.Size = size
		}
		if ids, ok := m["top_comment_ids"].([]any); ok {
			for _, id := range ids {
				s, ok := id.(string)
				if !ok {
					continue
				}
				if c, found := byID[s]; found {
					cluster.Samples = append(cluster.Samples, fingerprint.Sample{Text: c.Text, LikeCount: c.LikeCount})
				}
			}
		}
		clusters = append(clusters, cluster)
	}
	return clusters
}

// ocrText surfaces the vision V2 extraction as the fallback artifact source;
// the bundle builder prefers per-image OCR when any image carries text.
func ocrText(post *models.Post) string {
	if post.VisionV2 == nil {
		return ""
	}
	return visionFullText(post.VisionV2)
}

func proposedIdentity(post *models.Post) (name, desc string) {
	ph, _ := post.AnalysisJSON["phenomenon"].(map[string]any)
	if ph == nil {
		return "", ""
	}
	name, _ = ph["name"].(string)
	desc, _ = ph["description"].(string)
	return name, desc
}
