package vision

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/narrativelab/threadscope/pkg/config"
	"github.com/narrativelab/threadscope/pkg/models"
)

const minCallInterval = 2 * time.Second

// Stage names persisted on the post.
const (
	StageNone = "none"
	StageV1   = "v1"
	StageV2   = "v2"
)

const v1Prompt = `Classify this social media image. Respond with only a JSON object:
{"has_text": bool, "is_screenshot": bool, "text_density": "low"|"medium"|"high", "scene_label": "short label"}`

const v2Prompt = `Extract everything from this social media image. Respond with only a JSON object:
{"full_text": "all readable text, verbatim", "context_desc": "what the image shows and implies", "visual_rhetoric": "persuasion or framing techniques visible"}`

// V1Result is the cheap classification pass.
type V1Result struct {
	HasText      bool   `json:"has_text"`
	IsScreenshot bool   `json:"is_screenshot"`
	TextDensity  string `json:"text_density"`
	SceneLabel   string `json:"scene_label"`
}

// V2Result is the full extraction pass.
type V2Result struct {
	FullText       string `json:"full_text"`
	ContextDesc    string `json:"context_desc"`
	VisualRhetoric string `json:"visual_rhetoric"`
}

// ImageModel is the slice of the LLM client vision calls go through.
type ImageModel interface {
	GenerateWithImage(ctx context.Context, prompt string, image []byte, mimeType string) (string, error)
}

// ImageFetcher downloads image bytes for a subject URL.
type ImageFetcher interface {
	DownloadImage(ctx context.Context, url string) ([]byte, string, error)
}

// Runner executes the two-stage image analysis for one post.
type Runner struct {
	cfg     config.VisionConfig
	model   ImageModel
	fetcher ImageFetcher

	// limiter spaces successive model calls; shared across V1 and V2.
	limiter *rate.Limiter
}

// NewRunner builds a vision runner.
func NewRunner(cfg config.VisionConfig, model ImageModel, fetcher ImageFetcher) *Runner {
	return &Runner{
		cfg:     cfg,
		model:   model,
		fetcher: fetcher,
		limiter: rate.NewLimiter(rate.Every(minCallInterval), 1),
	}
}

// Outcome is everything the pipeline persists onto vision_* columns.
type Outcome struct {
	Mode            string
	NeedScore       float64
	Reasons         []string
	StageRan        string
	V1              *V1Result
	V2              *V2Result
	SimPostComments *float64
	MetricsReliable bool
}

// Run evaluates the gate and, when it passes, walks the V1/V2 stages against
// the post's first usable image. Model and download failures are soft: the
// outcome records how far the run got and the pipeline moves on.
func (r *Runner) Run(ctx context.Context, post *models.Post, in GateInput) *Outcome {
	decision := Decide(r.cfg, in)
	outcome := &Outcome{
		Mode:            r.cfg.Mode,
		NeedScore:       decision.Score,
		Reasons:         decision.Reasons,
		StageRan:        StageNone,
		SimPostComments: decision.SimPostComments,
		MetricsReliable: decision.MetricsReliable,
	}
	if !decision.ShouldRun {
		return outcome
	}

	subject := FirstImageSubject(post.Images)
	if subject == "" {
		slog.Info("Vision gated in but no usable image subject", "post_id", post.ID)
		return outcome
	}

	image, mimeType, err := r.downloadToTemp(ctx, subject)
	if err != nil {
		slog.Warn("Vision image download failed", "post_id", post.ID, "error", err)
		return outcome
	}

	if r.cfg.StageCap == config.VisionStageV2 {
		// Forced V2 skips classification entirely.
		if v2 := r.runV2(ctx, post.ID, image, mimeType); v2 != nil {
			outcome.V2 = v2
			outcome.StageRan = StageV2
		}
		return outcome
	}

	v1 := r.runV1(ctx, post.ID, image, mimeType)
	if v1 == nil {
		return outcome
	}
	outcome.V1 = v1
	outcome.StageRan = StageV1

	if r.cfg.StageCap == config.VisionStageV1 || !wantsV2(v1) {
		return outcome
	}
	if v2 := r.runV2(ctx, post.ID, image, mimeType); v2 != nil {
		outcome.V2 = v2
		outcome.StageRan = StageV2
	}
	return outcome
}

// wantsV2 gates the expensive pass on the V1 signals: some text or screenshot
// character plus at least medium density.
func wantsV2(v1 *V1Result) bool {
	if !v1.HasText && !v1.IsScreenshot {
		return false
	}
	return v1.TextDensity == "medium" || v1.TextDensity == "high"
}

func (r *Runner) runV1(ctx context.Context, postID int64, image []byte, mimeType string) *V1Result {
	raw, err := r.generate(ctx, v1Prompt, image, mimeType)
	if err != nil {
		slog.Warn("Vision V1 call failed", "post_id", postID, "error", err)
		return nil
	}
	var result V1Result
	if err := json.Unmarshal([]byte(extractJSON(raw)), &result); err != nil {
		slog.Warn("Vision V1 returned unparseable JSON", "post_id", postID, "error", err)
		return nil
	}
	return &result
}

func (r *Runner) runV2(ctx context.Context, postID int64, image []byte, mimeType string) *V2Result {
	raw, err := r.generate(ctx, v2Prompt, image, mimeType)
	if err != nil {
		slog.Warn("Vision V2 call failed", "post_id", postID, "error", err)
		return nil
	}
	var result V2Result
	if err := json.Unmarshal([]byte(extractJSON(raw)), &result); err != nil {
		slog.Warn("Vision V2 returned unparseable JSON", "post_id", postID, "error", err)
		return nil
	}
	return &result
}

func (r *Runner) generate(ctx context.Context, prompt string, image []byte, mimeType string) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return r.model.GenerateWithImage(ctx, prompt, image, mimeType)
}

// downloadToTemp pulls the image through a temp file so oversized bodies
// never sit in memory twice; the file is removed on every exit path.
func (r *Runner) downloadToTemp(ctx context.Context, url string) ([]byte, string, error) {
	data, mimeType, err := r.fetcher.DownloadImage(ctx, url)
	if err != nil {
		return nil, "", err
	}
	tmp, err := os.CreateTemp("", "threadscope-vision-*")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create temp image file: %w", err)
	}
	name := tmp.Name()
	defer os.Remove(name)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, "", fmt.Errorf("failed to write temp image file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close temp image file: %w", err)
	}
	content, err := os.ReadFile(name)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read temp image file: %w", err)
	}
	return content, mimeType, nil
}

// FirstImageSubject picks the first http URL from cdn_url, original_src, then
// src across the post's images, in order.
func FirstImageSubject(images []models.PostImage) string {
	for _, img := range images {
		for _, candidate := range []string{img.CDNURL, img.OriginalSrc, img.Src} {
			if strings.HasPrefix(candidate, "http") {
				return candidate
			}
		}
	}
	return ""
}

// extractJSON strips markdown fences and leading prose around a JSON object.
func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if idx := strings.Index(raw, "```"); idx >= 0 {
		raw = raw[idx+3:]
		raw = strings.TrimPrefix(raw, "json")
		if end := strings.Index(raw, "```"); end >= 0 {
			raw = raw[:end]
		}
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}

// Apply writes the outcome onto the post's vision fields.
func (o *Outcome) Apply(post *models.Post) {
	now := time.Now().UTC()
	post.VisionMode = &o.Mode
	post.VisionNeedScore = &o.NeedScore
	post.VisionReasons = o.Reasons
	post.VisionStageRan = &o.StageRan
	post.VisionSimPostComments = o.SimPostComments
	post.VisionMetricsReliable = &o.MetricsReliable
	post.VisionUpdatedAt = &now
	if o.V1 != nil {
		if raw, err := json.Marshal(o.V1); err == nil {
			post.VisionV1 = raw
		}
	}
	if o.V2 != nil {
		if raw, err := json.Marshal(o.V2); err == nil {
			post.VisionV2 = raw
		}
	}
}
