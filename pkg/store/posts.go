package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/narrativelab/threadscope/pkg/models"
)

const postColumns = `id, url, author, post_text, post_text_raw, ingest_source,
	like_count, view_count, reply_count, reply_count_ui, repost_count, share_count,
	images, raw_comments, cluster_summary, quant_summary, ai_tags,
	analysis_json, full_report, analysis_is_valid, analysis_version, analysis_build_id,
	analysis_invalid_reason, analysis_missing_keys,
	phenomenon_id, phenomenon_status, phenomenon_case_id,
	archive_html, archive_dom_json, archive_captured_at, archive_build_id,
	vision_mode, vision_need_score, vision_reasons, vision_stage_ran,
	vision_v1, vision_v2, vision_sim_post_comments, vision_metrics_reliable, vision_updated_at,
	enrichment_status, enrichment_started_at, enrichment_completed_at,
	enrichment_retry_count, enrichment_last_error,
	created_at, updated_at`

func scanPost(r rowScanner) (*models.Post, error) {
	var (
		p                                   models.Post
		author, postText, postTextRaw       sql.NullString
		fullReport                          sql.NullString
		images, rawComments                 []byte
		clusterSummary, quantSummary        []byte
		aiTags, analysisJSON, missingKeys   []byte
		archiveDomJSON, visionV1, visionV2  []byte
		visionReasons                       []byte
	)
	err := r.Scan(&p.ID, &p.URL, &author, &postText, &postTextRaw, &p.IngestSrc,
		&p.LikeCount, &p.ViewCount, &p.ReplyCount, &p.ReplyCountUI, &p.RepostCount, &p.ShareCount,
		&images, &rawComments, &clusterSummary, &quantSummary, &aiTags,
		&analysisJSON, &fullReport, &p.AnalysisIsValid, &p.AnalysisVersion, &p.AnalysisBuildID,
		&p.AnalysisInvalidReason, &missingKeys,
		&p.PhenomenonID, &p.PhenomenonStatus, &p.PhenomenonCaseID,
		&p.ArchiveHTML, &archiveDomJSON, &p.ArchiveCapturedAt, &p.ArchiveBuildID,
		&p.VisionMode, &p.VisionNeedScore, &visionReasons, &p.VisionStageRan,
		&visionV1, &visionV2, &p.VisionSimPostComments, &p.VisionMetricsReliable, &p.VisionUpdatedAt,
		&p.EnrichmentStatus, &p.EnrichmentStartedAt, &p.EnrichmentCompletedAt,
		&p.EnrichmentRetryCount, &p.EnrichmentLastError,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Author = author.String
	p.PostText = postText.String
	p.PostTextRaw = postTextRaw.String
	p.FullReport = fullReport.String
	p.Images = decodeJSONSlice[models.PostImage](images)
	p.RawComments = decodeJSONSlice[models.RawComment](rawComments)
	p.ClusterSummary = unmarshalMap(clusterSummary)
	p.QuantSummary = unmarshalMap(quantSummary)
	p.AITags = unmarshalMap(aiTags)
	p.AnalysisJSON = unmarshalMap(analysisJSON)
	p.AnalysisMissingKeys = decodeJSONSlice[string](missingKeys)
	p.VisionReasons = decodeJSONSlice[string](visionReasons)
	p.ArchiveDomJSON = archiveDomJSON
	p.VisionV1 = visionV1
	p.VisionV2 = visionV2
	return &p, nil
}

// UpsertPost inserts or refreshes the crawler-owned fields of a post, keyed
// by canonical URL, and returns the row id. Analysis and enrichment columns
// are untouched here; they have their own writers.
func (c *Client) UpsertPost(ctx context.Context, p *models.Post) (int64, error) {
	images, err := marshalJSON(p.Images)
	if err != nil {
		return 0, err
	}
	rawComments, err := marshalJSON(p.RawComments)
	if err != nil {
		return 0, err
	}
	var id int64
	err = c.queryRow(ctx, "upsert_post", `
		INSERT INTO threads_posts (url, author, post_text, post_text_raw, ingest_source,
			like_count, view_count, reply_count, reply_count_ui, repost_count, share_count,
			images, raw_comments, archive_html, archive_captured_at, archive_build_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (url) DO UPDATE
		SET author = EXCLUDED.author,
		    post_text = EXCLUDED.post_text,
		    post_text_raw = EXCLUDED.post_text_raw,
		    ingest_source = COALESCE(EXCLUDED.ingest_source, threads_posts.ingest_source),
		    like_count = EXCLUDED.like_count,
		    view_count = EXCLUDED.view_count,
		    reply_count = EXCLUDED.reply_count,
		    reply_count_ui = EXCLUDED.reply_count_ui,
		    repost_count = EXCLUDED.repost_count,
		    share_count = EXCLUDED.share_count,
		    images = EXCLUDED.images,
		    raw_comments = EXCLUDED.raw_comments,
		    archive_html = COALESCE(EXCLUDED.archive_html, threads_posts.archive_html),
		    archive_captured_at = COALESCE(EXCLUDED.archive_captured_at, threads_posts.archive_captured_at),
		    archive_build_id = COALESCE(EXCLUDED.archive_build_id, threads_posts.archive_build_id),
		    updated_at = now()
		RETURNING id`,
		func(row *sql.Row) error {
			return row.Scan(&id)
		},
		p.URL, nullIfEmpty(p.Author), nullIfEmpty(p.PostText), nullIfEmpty(p.PostTextRaw), p.IngestSrc,
		p.LikeCount, p.ViewCount, p.ReplyCount, p.ReplyCountUI, p.RepostCount, p.ShareCount,
		images, rawComments, p.ArchiveHTML, p.ArchiveCapturedAt, p.ArchiveBuildID)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert post: %w", err)
	}
	return id, nil
}

// GetPost fetches one post row by id.
func (c *Client) GetPost(ctx context.Context, id int64) (*models.Post, error) {
	var post *models.Post
	err := c.queryRow(ctx, "get_post",
		`SELECT `+postColumns+` FROM threads_posts WHERE id = $1`,
		func(row *sql.Row) error {
			var scanErr error
			post, scanErr = scanPost(row)
			return scanErr
		}, id)
	return post, err
}

// GetPostByURL fetches one post by exact canonical URL.
func (c *Client) GetPostByURL(ctx context.Context, url string) (*models.Post, error) {
	var post *models.Post
	err := c.queryRow(ctx, "get_post_by_url",
		`SELECT `+postColumns+` FROM threads_posts WHERE url = $1`,
		func(row *sql.Row) error {
			var scanErr error
			post, scanErr = scanPost(row)
			return scanErr
		}, url)
	return post, err
}

// FindPostIDByShortcode is the last-resort post-id recovery: an ILIKE match
// on the trailing URL path segment, newest row wins.
func (c *Client) FindPostIDByShortcode(ctx context.Context, shortcode string) (int64, error) {
	var id int64
	err := c.queryRow(ctx, "find_post_by_shortcode",
		`SELECT id FROM threads_posts WHERE url ILIKE $1 ORDER BY created_at DESC LIMIT 1`,
		func(row *sql.Row) error {
			return row.Scan(&id)
		}, "%"+shortcode+"%")
	if err != nil {
		return 0, err
	}
	return id, nil
}

// patchableColumns is the closed set PatchPost accepts. Columns outside this
// set have dedicated writers and are refused to keep ownership exclusive.
var patchableColumns = map[string]bool{
	"cluster_summary": true, "quant_summary": true, "ai_tags": true,
	"analysis_json": true, "full_report": true,
	"analysis_is_valid": true, "analysis_version": true, "analysis_build_id": true,
	"analysis_invalid_reason": true, "analysis_missing_keys": true,
	"phenomenon_id": true, "phenomenon_status": true, "phenomenon_case_id": true,
	"vision_mode": true, "vision_need_score": true, "vision_reasons": true,
	"vision_stage_ran": true, "vision_v1": true, "vision_v2": true,
	"vision_sim_post_comments": true, "vision_metrics_reliable": true, "vision_updated_at": true,
	"enrichment_status": true, "enrichment_started_at": true, "enrichment_completed_at": true,
	"enrichment_retry_count": true, "enrichment_last_error": true,
	"images": true, "archive_dom_json": true,
}

// PatchPost applies a column patch to one post. Map and slice values pass
// through the JSON serialization pass; unknown columns are an error, not a
// silent skip.
func (c *Client) PatchPost(ctx context.Context, id int64, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	cols := make([]string, 0, len(fields))
	for col := range fields {
		if !patchableColumns[col] {
			return fmt.Errorf("column %q is not patchable", col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	sets := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+1)
	args = append(args, id)
	for i, col := range cols {
		val := fields[col]
		switch val.(type) {
		case map[string]any, []any, []string, []map[string]any:
			encoded, err := marshalJSON(val)
			if err != nil {
				return err
			}
			val = encoded
		case time.Time, *time.Time:
			// timestamptz columns take time values directly
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", col, i+2))
		args = append(args, val)
	}
	sets = append(sets, "updated_at = now()")

	query := fmt.Sprintf("UPDATE threads_posts SET %s WHERE id = $1", strings.Join(sets, ", "))
	return c.exec(ctx, "patch_post", query, args...)
}

// ListRecentAnalyzedPosts returns the newest posts carrying an analysis
// artifact or full report.
func (c *Client) ListRecentAnalyzedPosts(ctx context.Context, limit int) ([]*models.Post, error) {
	var posts []*models.Post
	err := c.query(ctx, "list_recent_posts",
		`SELECT `+postColumns+` FROM threads_posts
		 WHERE analysis_json IS NOT NULL OR COALESCE(full_report, '') <> ''
		 ORDER BY updated_at DESC LIMIT $1`,
		func(rows *sql.Rows) error {
			for rows.Next() {
				post, scanErr := scanPost(rows)
				if scanErr != nil {
					return scanErr
				}
				posts = append(posts, post)
			}
			return nil
		}, limit)
	return posts, err
}

// ExistingURLs reports which of the given canonical URLs already have a post
// row, querying in chunks to keep statements bounded.
func (c *Client) ExistingURLs(ctx context.Context, urls []string) (map[string]bool, error) {
	const chunkSize = 200
	existing := make(map[string]bool)
	for start := 0; start < len(urls); start += chunkSize {
		end := start + chunkSize
		if end > len(urls) {
			end = len(urls)
		}
		chunk := urls[start:end]
		placeholders := make([]string, len(chunk))
		args := make([]any, len(chunk))
		for i, u := range chunk {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args[i] = u
		}
		err := c.query(ctx, "existing_urls",
			`SELECT url FROM threads_posts WHERE url IN (`+strings.Join(placeholders, ", ")+`)`,
			func(rows *sql.Rows) error {
				for rows.Next() {
					var u string
					if scanErr := rows.Scan(&u); scanErr != nil {
						return scanErr
					}
					existing[u] = true
				}
				return nil
			}, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to check existing urls: %w", err)
		}
	}
	return existing, nil
}

// ListPostsByPhenomenon returns recent posts attached to one phenomenon.
func (c *Client) ListPostsByPhenomenon(ctx context.Context, phenomenonID string, limit int) ([]*models.Post, error) {
	var posts []*models.Post
	err := c.query(ctx, "list_posts_by_phenomenon",
		`SELECT `+postColumns+` FROM threads_posts
		 WHERE phenomenon_id = $1 ORDER BY updated_at DESC LIMIT $2`,
		func(rows *sql.Rows) error {
			for rows.Next() {
				post, scanErr := scanPost(rows)
				if scanErr != nil {
					return scanErr
				}
				posts = append(posts, post)
			}
			return nil
		}, phenomenonID, limit)
	return posts, err
}

// PhenomenonPostStats aggregates post-side activity for one phenomenon.
func (c *Client) PhenomenonPostStats(ctx context.Context, phenomenonID string) (*models.PhenomenonStats, error) {
	stats := &models.PhenomenonStats{}
	err := c.queryRow(ctx, "phenomenon_post_stats",
		`SELECT count(*), COALESCE(sum(like_count), 0), max(updated_at)
		 FROM threads_posts WHERE phenomenon_id = $1`,
		func(row *sql.Row) error {
			return row.Scan(&stats.TotalPosts, &stats.TotalLikes, &stats.LastSeenAt)
		}, phenomenonID)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// PhenomenonUsage is one row of the posts-side registry aggregation used by
// the registry sync tool.
type PhenomenonUsage struct {
	PhenomenonID string
	PostCount    int
	LastCaseID   *string
	LatestSeen   time.Time
}

// AggregatePhenomenonUsage groups posts by phenomenon_id.
func (c *Client) AggregatePhenomenonUsage(ctx context.Context) ([]PhenomenonUsage, error) {
	var usages []PhenomenonUsage
	err := c.query(ctx, "aggregate_phenomenon_usage",
		`SELECT phenomenon_id, count(*), max(phenomenon_case_id), max(updated_at)
		 FROM threads_posts
		 WHERE phenomenon_id IS NOT NULL AND phenomenon_id <> ''
		 GROUP BY phenomenon_id`,
		func(rows *sql.Rows) error {
			for rows.Next() {
				var u PhenomenonUsage
				if scanErr := rows.Scan(&u.PhenomenonID, &u.PostCount, &u.LastCaseID, &u.LatestSeen); scanErr != nil {
					return scanErr
				}
				usages = append(usages, u)
			}
			return nil
		})
	return usages, err
}

// ListPostsWithRawComments streams post ids with non-empty raw_comments for
// the comment backfill tool.
func (c *Client) ListPostsWithRawComments(ctx context.Context, since *time.Time, postID int64, limit int) ([]*models.Post, error) {
	query := `SELECT ` + postColumns + ` FROM threads_posts
		WHERE raw_comments IS NOT NULL AND jsonb_array_length(raw_comments) > 0`
	args := []any{}
	if postID > 0 {
		args = append(args, postID)
		query += fmt.Sprintf(" AND id = $%d", len(args))
	}
	if since != nil {
		args = append(args, *since)
		query += fmt.Sprintf(" AND updated_at >= $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY updated_at DESC LIMIT $%d", len(args))

	var posts []*models.Post
	err := c.query(ctx, "list_posts_with_raw_comments", query,
		func(rows *sql.Rows) error {
			for rows.Next() {
				post, scanErr := scanPost(rows)
				if scanErr != nil {
					return scanErr
				}
				posts = append(posts, post)
			}
			return nil
		}, args...)
	return posts, err
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
