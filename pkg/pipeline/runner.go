package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/narrativelab/threadscope/pkg/analysis"
	"github.com/narrativelab/threadscope/pkg/analyst"
	"github.com/narrativelab/threadscope/pkg/config"
	"github.com/narrativelab/threadscope/pkg/fetch"
	"github.com/narrativelab/threadscope/pkg/models"
	"github.com/narrativelab/threadscope/pkg/quant"
	"github.com/narrativelab/threadscope/pkg/registry"
	"github.com/narrativelab/threadscope/pkg/store"
	"github.com/narrativelab/threadscope/pkg/textnorm"
	"github.com/narrativelab/threadscope/pkg/vision"
)

const (
	postIDRecoveryAttempts = 3
	postIDRecoveryBackoff  = time.Second
	gateEmbedComments      = 5
)

// StageError wraps a terminal pipeline failure with the stage it happened in
// and a stable error code for the item log.
type StageError struct {
	Stage models.ItemStage
	Code  string
	Err   error
}

func (e *StageError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Err)
	}
	return e.Err.Error()
}

func (e *StageError) Unwrap() error { return e.Err }

func stageFail(stage models.ItemStage, code string, err error) *StageError {
	return &StageError{Stage: stage, Code: code, Err: err}
}

// Store is the persistence surface the per-item pipeline needs.
type Store interface {
	StageWriter
	UpsertPost(ctx context.Context, p *models.Post) (int64, error)
	GetPost(ctx context.Context, id int64) (*models.Post, error)
	GetPostByURL(ctx context.Context, url string) (*models.Post, error)
	FindPostIDByShortcode(ctx context.Context, shortcode string) (int64, error)
	PatchPost(ctx context.Context, id int64, fields map[string]any) error
	UpsertComments(ctx context.Context, comments []*models.Comment) (int, error)
	ListCommentsByPost(ctx context.Context, postID int64, sortBy string, limit, offset int) ([]*models.Comment, error)
}

// Fetcher is the crawler surface the pipeline pulls targets through.
type Fetcher interface {
	Fetch(ctx context.Context, target string) (*fetch.ParsedPost, *fetch.RenderResult, error)
	DiscoverByKeyword(ctx context.Context, keyword string, maxPosts int) ([]string, error)
}

// Embedder provides the gate's divergence vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Runner executes the per-item state machine.
type Runner struct {
	store    Store
	fetcher  Fetcher
	quant    *quant.Engine
	vision   *vision.Runner
	analyst  *analyst.Analyst
	enricher *registry.Enricher
	embedder Embedder
	cfg      config.EnrichConfig
}

// NewRunner wires the pipeline dependencies.
func NewRunner(st Store, fetcher Fetcher, quantEngine *quant.Engine, visionRunner *vision.Runner,
	an *analyst.Analyst, enricher *registry.Enricher, embedder Embedder, cfg config.EnrichConfig) *Runner {
	return &Runner{
		store:    st,
		fetcher:  fetcher,
		quant:    quantEngine,
		vision:   visionRunner,
		analyst:  an,
		enricher: enricher,
		embedder: embedder,
		cfg:      cfg,
	}
}

// RunItem drives one item to a terminal state and returns the result post id.
// Failures come back as *StageError so the worker can record where the item
// died.
func (r *Runner) RunItem(ctx context.Context, job *models.Job, item *models.JobItem, emit *StageEmitter) (string, error) {
	if job.PipelineType != models.PipelineA {
		return r.runSimulated(ctx, item, emit)
	}

	emit.Emit(ctx, models.StageFetch)
	parsed, render, err := r.fetcher.Fetch(ctx, item.TargetID)
	if err != nil {
		return "", stageFail(models.StageFetch, "", fmt.Errorf("fetch failed: %w", err))
	}

	postID, err := r.persistFetch(ctx, item.TargetID, parsed, render)
	if err != nil {
		return "", err
	}
	post, err := r.store.GetPost(ctx, postID)
	if err != nil {
		return "", stageFail(models.StageFetch, "", fmt.Errorf("failed to reload post %d: %w", postID, err))
	}
	comments, err := r.store.ListCommentsByPost(ctx, postID, "likes", 200, 0)
	if err != nil {
		return "", stageFail(models.StageFetch, "", fmt.Errorf("failed to load comments: %w", err))
	}

	if len(post.Images) > 0 && r.vision != nil {
		emit.Emit(ctx, models.StageVision)
		r.runVision(ctx, post, comments)
	}

	emit.Emit(ctx, models.StageAnalyst)
	doc, fullReport, clusterSummary, err := r.runAnalyst(ctx, post, comments)
	if err != nil {
		return "", stageFail(models.StageAnalyst, "", err)
	}

	emit.Emit(ctx, models.StageStore)
	if err := r.persistAnalysis(ctx, post.ID, doc, fullReport, clusterSummary); err != nil {
		return "", stageFail(models.StageStore, "", err)
	}

	if r.enricher != nil && r.cfg.Enabled {
		r.enricher.Submit(ctx, post.ID)
	}

	emit.Emit(ctx, models.StageCompleted)
	return fmt.Sprintf("%d", post.ID), nil
}

// persistFetch writes the crawler result and resolves the post id, running
// URL recovery when the upsert cannot identify the row.
func (r *Runner) persistFetch(ctx context.Context, target string, parsed *fetch.ParsedPost, render *fetch.RenderResult) (int64, error) {
	if parsed.URL == "" {
		return 0, stageFail(models.StageFetch, models.ErrCodeIngestNoPostID, errors.New("fetch produced no canonical url"))
	}

	post := &models.Post{
		URL:         fetch.Canonicalize(parsed.URL),
		Author:      parsed.Author,
		PostText:    parsed.PostText,
		PostTextRaw: parsed.PostTextRaw,
		LikeCount:   parsed.LikeCount,
		ViewCount:   parsed.ViewCount,
		ReplyCount:  parsed.ReplyCount,
		RepostCount: parsed.RepostCount,
		ShareCount:  parsed.ShareCount,
		Images:      parsed.Images,
		RawComments: parsed.Comments,
	}
	if render != nil && render.ScrolledHTML != "" {
		html := render.ScrolledHTML
		now := time.Now().UTC()
		post.ArchiveHTML = &html
		post.ArchiveCapturedAt = &now
	}

	postID, err := r.store.UpsertPost(ctx, post)
	if err != nil {
		return 0, stageFail(models.StageFetch, "", fmt.Errorf("failed to upsert post: %w", err))
	}
	if postID == 0 {
		postID, err = r.recoverPostID(ctx, target)
		if err != nil {
			return 0, err
		}
	}

	r.persistComments(ctx, postID, parsed.Comments)
	return postID, nil
}

// recoverPostID polls the store for an existing row when the upsert could
// not return an id: candidate URLs exact, then shortcode ILIKE.
func (r *Runner) recoverPostID(ctx context.Context, target string) (int64, error) {
	candidates := fetch.RecoveryCandidates(target)
	for attempt := 0; attempt < postIDRecoveryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, stageFail(models.StageFetch, models.ErrCodePostIDNotFound, ctx.Err())
			case <-time.After(postIDRecoveryBackoff):
			}
		}
		for _, candidate := range candidates {
			post, err := r.store.GetPostByURL(ctx, candidate)
			if err == nil && post != nil {
				return post.ID, nil
			}
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				slog.Warn("Post id recovery lookup failed", "url", candidate, "error", err)
			}
		}
	}
	if shortcode := fetch.Shortcode(target); shortcode != "" {
		if id, err := r.store.FindPostIDByShortcode(ctx, shortcode); err == nil && id != 0 {
			return id, nil
		}
	}
	return 0, stageFail(models.StageFetch, models.ErrCodePostIDNotFound,
		fmt.Errorf("no stored post matches %s after %d attempts", target, postIDRecoveryAttempts))
}

// persistComments writes raw comments under the hybrid identity rule.
// Failures here degrade the analysis inputs but never kill the item.
func (r *Runner) persistComments(ctx context.Context, postID int64, raw []models.RawComment) {
	if len(raw) == 0 {
		return
	}
	now := time.Now().UTC()
	comments := make([]*models.Comment, 0, len(raw))
	for _, rc := range raw {
		text := strings.TrimSpace(rc.Text)
		if text == "" && rc.User == "" {
			continue
		}
		user := rc.User
		comment := &models.Comment{
			ID:         models.DeriveCommentID(postID, user, textnorm.Collapse(text)),
			PostID:     postID,
			Text:       text,
			LikeCount:  rc.Likes,
			CapturedAt: now,
		}
		if user != "" {
			comment.AuthorHandle = &user
		}
		comments = append(comments, comment)
	}
	if _, err := r.store.UpsertComments(ctx, comments); err != nil {
		slog.Warn("Failed to persist comments", "post_id", postID, "error", err)
	}
}

// runVision evaluates the gate and persists whatever the runner produced.
// Everything in here is soft-fail.
func (r *Runner) runVision(ctx context.Context, post *models.Post, comments []*models.Comment) {
	input := vision.GateInput{
		PostText:        post.PostText,
		ViewCount:       post.ViewCount,
		LikeCount:       post.LikeCount,
		ReplyCount:      post.ReplyCount,
		MetricsReliable: post.LikeCount > 0 || post.ViewCount > 0,
		Comments:        comments,
	}
	r.fillGateVectors(ctx, post, comments, &input)

	outcome := r.vision.Run(ctx, post, input)
	outcome.Apply(post)

	patch := map[string]any{
		"vision_mode":              post.VisionMode,
		"vision_need_score":        post.VisionNeedScore,
		"vision_reasons":           post.VisionReasons,
		"vision_stage_ran":         post.VisionStageRan,
		"vision_sim_post_comments": post.VisionSimPostComments,
		"vision_metrics_reliable":  post.VisionMetricsReliable,
		"vision_updated_at":        post.VisionUpdatedAt,
	}
	if post.VisionV1 != nil {
		patch["vision_v1"] = post.VisionV1
	}
	if post.VisionV2 != nil {
		patch["vision_v2"] = post.VisionV2
	}
	if err := r.store.PatchPost(ctx, post.ID, patch); err != nil {
		slog.Warn("Failed to persist vision fields", "post_id", post.ID, "error", err)
	}
}

// fillGateVectors embeds the post and its top comments for the divergence
// signal. Embedding failures just drop the signal.
func (r *Runner) fillGateVectors(ctx context.Context, post *models.Post, comments []*models.Comment, input *vision.GateInput) {
	if r.embedder == nil || post.PostText == "" || len(comments) == 0 {
		return
	}
	postVec, err := r.embedder.Embed(ctx, post.PostText)
	if err != nil {
		slog.Debug("Gate post embedding failed", "post_id", post.ID, "error", err)
		return
	}

	top := comments
	if len(top) > gateEmbedComments {
		top = top[:gateEmbedComments]
	}
	texts := make([]string, len(top))
	for i, c := range top {
		texts[i] = c.Text
	}
	vectors, err := r.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		slog.Debug("Gate comment embedding failed", "post_id", post.ID, "error", err)
		return
	}
	input.PostEmbedding = postVec
	input.CommentVectors = make(map[string][]float32, len(top))
	for i, c := range top {
		if len(vectors[i]) > 0 {
			input.CommentVectors[c.ID] = vectors[i]
		}
	}
}

// runAnalyst runs quant, the narrative model, and the fusion builder. The
// analyst call is the one stage that must succeed.
func (r *Runner) runAnalyst(ctx context.Context, post *models.Post, comments []*models.Comment) (*models.AnalysisV4, string, map[string]any, error) {
	var clusterSummary map[string]any
	if r.quant != nil {
		quantResult, err := r.quant.Analyze(ctx, post.ID, comments)
		if err != nil {
			slog.Warn("Quant analysis failed, continuing without clusters", "post_id", post.ID, "error", err)
		} else {
			clusterSummary = quantResult.Summary()
		}
	}

	output, err := r.analyst.Analyze(ctx, post, comments, clusterSummary, visionContext(post))
	if err != nil {
		return nil, "", nil, fmt.Errorf("analyst failed: %w", err)
	}

	fullReport := analyst.StripPayload(output.FullReport)
	doc := analysis.Build(post, output.Payload, fullReport)
	return doc, fullReport, clusterSummary, nil
}

// persistAnalysis validates and writes the fused document. Invalid documents
// still persist, flagged invalid; the item completes either way when the
// artifact exists.
func (r *Runner) persistAnalysis(ctx context.Context, postID int64, doc *models.AnalysisV4, fullReport string, clusterSummary map[string]any) error {
	ok, reason, missingKeys := analysis.Validate(doc)

	docMap, err := doc.Map()
	if err != nil {
		return fmt.Errorf("failed to encode analysis document: %w", err)
	}

	patch := map[string]any{
		"analysis_json":     docMap,
		"full_report":       fullReport,
		"analysis_is_valid": ok,
		"analysis_version":  doc.AnalysisVersion,
		"analysis_build_id": doc.AnalysisBuildID,
	}
	if clusterSummary != nil {
		patch["cluster_summary"] = clusterSummary
	}
	if !ok {
		patch["analysis_invalid_reason"] = reason
		patch["analysis_missing_keys"] = missingKeys
		slog.Warn("Analysis document failed validation", "post_id", postID, "reason", reason, "missing", missingKeys)
	}
	if err := r.store.PatchPost(ctx, postID, patch); err != nil {
		return fmt.Errorf("failed to persist analysis: %w", err)
	}
	return nil
}

// visionContext renders stored vision output as analyst prompt context.
func visionContext(post *models.Post) string {
	var parts []string
	if post.VisionV2 != nil {
		parts = append(parts, string(post.VisionV2))
	} else if post.VisionV1 != nil {
		parts = append(parts, string(post.VisionV1))
	}
	return strings.Join(parts, "\n")
}

// runSimulated walks non-A items through the stage path with a synthetic
// result. Counters and stages behave exactly like real items.
func (r *Runner) runSimulated(ctx context.Context, item *models.JobItem, emit *StageEmitter) (string, error) {
	for _, stage := range []models.ItemStage{models.StageFetch, models.StageVision, models.StageAnalyst} {
		select {
		case <-ctx.Done():
			return "", stageFail(emit.Last(), "", ctx.Err())
		default:
		}
		emit.Emit(ctx, stage)
	}
	emit.Emit(ctx, models.StageCompleted)
	return "mock_res:" + item.ID, nil
}
