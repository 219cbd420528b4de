package models

import "time"

// PostImage is one image record under threads_posts.images. Vision runs
// enrich the record in place; OCR text lands in full_text.
type PostImage struct {
	Src         string `json:"src,omitempty"`
	Alt         string `json:"alt,omitempty"`
	CDNURL      string `json:"cdn_url,omitempty"`
	OriginalSrc string `json:"original_src,omitempty"`

	// Vision V1 fields.
	SceneLabel  string `json:"scene_label,omitempty"`
	HasText     *bool  `json:"has_text,omitempty"`
	IsScreen    *bool  `json:"is_screenshot,omitempty"`
	TextDensity string `json:"text_density,omitempty"`

	// Vision V2 fields.
	FullText       string `json:"full_text,omitempty"`
	OCRFullText    string `json:"ocr_full_text,omitempty"`
	ContextDesc    string `json:"context_desc,omitempty"`
	VisualRhetoric string `json:"visual_rhetoric,omitempty"`
}

// SubjectURL returns the remote location vision should download, preferring
// cdn_url, then original_src, then src. Empty when none is an http(s) URL.
func (im PostImage) SubjectURL() string {
	for _, cand := range []string{im.CDNURL, im.OriginalSrc, im.Src} {
		if len(cand) >= 4 && cand[:4] == "http" {
			return cand
		}
	}
	return ""
}

// OCRText returns the best available OCR text for evidence building.
func (im PostImage) OCRText() string {
	if im.FullText != "" {
		return im.FullText
	}
	return im.OCRFullText
}

// RawComment is one crawler-observed comment as stored in raw_comments.
type RawComment struct {
	User            string `json:"user"`
	Text            string `json:"text"`
	Likes           int    `json:"likes"`
	Raw             string `json:"raw,omitempty"`
	FromTopSnapshot bool   `json:"from_top_snapshot,omitempty"`
	SourceCommentID string `json:"source_comment_id,omitempty"`
}

// Post is one row in threads_posts. Exactly one row exists per canonical URL;
// repeated ingests upsert. Crawler-authoritative fields (author, text,
// engagement counters, timestamp) are never overwritten by LLM output.
type Post struct {
	ID          int64   `json:"id"`
	URL         string  `json:"url"`
	Author      string  `json:"author,omitempty"`
	PostText    string  `json:"post_text,omitempty"`
	PostTextRaw string  `json:"post_text_raw,omitempty"`
	IngestSrc   *string `json:"ingest_source,omitempty"`

	LikeCount    int `json:"like_count"`
	ViewCount    int `json:"view_count"`
	ReplyCount   int `json:"reply_count"`
	ReplyCountUI int `json:"reply_count_ui"`
	RepostCount  int `json:"repost_count"`
	ShareCount   int `json:"share_count"`

	Images      []PostImage  `json:"images,omitempty"`
	RawComments []RawComment `json:"raw_comments,omitempty"`

	ClusterSummary map[string]any `json:"cluster_summary,omitempty"`
	QuantSummary   map[string]any `json:"quant_summary,omitempty"`
	AITags         map[string]any `json:"ai_tags,omitempty"`

	AnalysisJSON          map[string]any `json:"analysis_json,omitempty"`
	FullReport            string         `json:"full_report,omitempty"`
	AnalysisIsValid       *bool          `json:"analysis_is_valid,omitempty"`
	AnalysisVersion       *string        `json:"analysis_version,omitempty"`
	AnalysisBuildID       *string        `json:"analysis_build_id,omitempty"`
	AnalysisInvalidReason *string        `json:"analysis_invalid_reason,omitempty"`
	AnalysisMissingKeys   []string       `json:"analysis_missing_keys,omitempty"`

	PhenomenonID     *string `json:"phenomenon_id,omitempty"`
	PhenomenonStatus *string `json:"phenomenon_status,omitempty"`
	PhenomenonCaseID *string `json:"phenomenon_case_id,omitempty"`

	ArchiveHTML       *string    `json:"archive_html,omitempty"`
	ArchiveDomJSON    []byte     `json:"archive_dom_json,omitempty"`
	ArchiveCapturedAt *time.Time `json:"archive_captured_at,omitempty"`
	ArchiveBuildID    *string    `json:"archive_build_id,omitempty"`

	VisionMode            *string    `json:"vision_mode,omitempty"`
	VisionNeedScore       *float64   `json:"vision_need_score,omitempty"`
	VisionReasons         []string   `json:"vision_reasons,omitempty"`
	VisionStageRan        *string    `json:"vision_stage_ran,omitempty"`
	VisionV1              []byte     `json:"vision_v1,omitempty"`
	VisionV2              []byte     `json:"vision_v2,omitempty"`
	VisionSimPostComments *float64   `json:"vision_sim_post_comments,omitempty"`
	VisionMetricsReliable *bool      `json:"vision_metrics_reliable,omitempty"`
	VisionUpdatedAt       *time.Time `json:"vision_updated_at,omitempty"`

	EnrichmentStatus      *string    `json:"enrichment_status,omitempty"`
	EnrichmentStartedAt   *time.Time `json:"enrichment_started_at,omitempty"`
	EnrichmentCompletedAt *time.Time `json:"enrichment_completed_at,omitempty"`
	EnrichmentRetryCount  int        `json:"enrichment_retry_count,omitempty"`
	EnrichmentLastError   *string    `json:"enrichment_last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasAnalysis reports whether the post satisfies the completion invariant:
// a non-null analysis artifact or a non-empty full report.
func (p *Post) HasAnalysis() bool {
	return len(p.AnalysisJSON) > 0 || p.FullReport != ""
}
