package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/narrativelab/threadscope/pkg/models"
)

const commentColumns = `id, post_id, source_comment_id, parent_source_comment_id,
	author_handle, author_id, text, like_count, reply_count, created_at, captured_at,
	raw_json, cluster_id, cluster_key, cluster_label,
	quant_cluster_id, quant_x, quant_y, is_template_like`

func scanComment(r rowScanner) (*models.Comment, error) {
	var (
		cm  models.Comment
		raw []byte
	)
	err := r.Scan(&cm.ID, &cm.PostID, &cm.SourceCommentID, &cm.ParentSourceCommentID,
		&cm.AuthorHandle, &cm.AuthorID, &cm.Text, &cm.LikeCount, &cm.ReplyCount,
		&cm.CreatedAt, &cm.CapturedAt, &raw, &cm.ClusterID, &cm.ClusterKey, &cm.ClusterLabel,
		&cm.QuantClusterID, &cm.QuantX, &cm.QuantY, &cm.IsTemplateLike)
	if err != nil {
		return nil, err
	}
	cm.RawJSON = raw
	return &cm, nil
}

// UpsertComments writes comment rows keyed by their hybrid ids. Re-ingests of
// the same (post, author, normalized text) hit the same row; observed native
// ids are recorded without disturbing the primary identity.
func (c *Client) UpsertComments(ctx context.Context, comments []*models.Comment) (int, error) {
	written := 0
	for _, cm := range comments {
		raw, err := marshalJSON(unmarshalMap(cm.RawJSON))
		if err != nil {
			return written, err
		}
		if raw == nil && len(cm.RawJSON) > 0 {
			raw = []byte(cm.RawJSON)
		}
		err = c.exec(ctx, "upsert_comment", `
			INSERT INTO threads_comments (id, post_id, source_comment_id, parent_source_comment_id,
				author_handle, author_id, text, like_count, reply_count, created_at, captured_at, raw_json)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id) DO UPDATE
			SET source_comment_id = COALESCE(EXCLUDED.source_comment_id, threads_comments.source_comment_id),
			    parent_source_comment_id = COALESCE(EXCLUDED.parent_source_comment_id, threads_comments.parent_source_comment_id),
			    author_handle = COALESCE(EXCLUDED.author_handle, threads_comments.author_handle),
			    like_count = GREATEST(EXCLUDED.like_count, threads_comments.like_count),
			    reply_count = GREATEST(EXCLUDED.reply_count, threads_comments.reply_count),
			    captured_at = EXCLUDED.captured_at,
			    raw_json = COALESCE(EXCLUDED.raw_json, threads_comments.raw_json)`,
			cm.ID, cm.PostID, cm.SourceCommentID, cm.ParentSourceCommentID,
			cm.AuthorHandle, cm.AuthorID, cm.Text, cm.LikeCount, cm.ReplyCount,
			cm.CreatedAt, cm.CapturedAt, raw)
		if err != nil {
			return written, fmt.Errorf("failed to upsert comment %s: %w", cm.ID, err)
		}
		written++
	}
	return written, nil
}

// FindCommentIDBySource returns the stored primary id for a native source
// comment id, so re-ingests reuse the prior identity once a native id is
// observed.
func (c *Client) FindCommentIDBySource(ctx context.Context, postID int64, sourceCommentID string) (string, error) {
	var id string
	err := c.queryRow(ctx, "find_comment_by_source",
		`SELECT id FROM threads_comments WHERE post_id = $1 AND source_comment_id = $2`,
		func(row *sql.Row) error {
			return row.Scan(&id)
		}, postID, sourceCommentID)
	if err != nil {
		return "", err
	}
	return id, nil
}

// ListCommentsByPost pages a post's comments sorted by likes or capture time.
func (c *Client) ListCommentsByPost(ctx context.Context, postID int64, sortBy string, limit, offset int) ([]*models.Comment, error) {
	order := "like_count DESC, captured_at DESC"
	if sortBy == "time" {
		order = "captured_at DESC"
	}
	var comments []*models.Comment
	err := c.query(ctx, "list_comments_by_post",
		`SELECT `+commentColumns+` FROM threads_comments
		 WHERE post_id = $1 ORDER BY `+order+` LIMIT $2 OFFSET $3`,
		func(rows *sql.Rows) error {
			for rows.Next() {
				cm, scanErr := scanComment(rows)
				if scanErr != nil {
					return scanErr
				}
				comments = append(comments, cm)
			}
			return nil
		}, postID, limit, offset)
	return comments, err
}

// CountCommentsByPost returns the comment count for pagination metadata.
func (c *Client) CountCommentsByPost(ctx context.Context, postID int64) (int, error) {
	var count int
	err := c.queryRow(ctx, "count_comments_by_post",
		`SELECT count(*) FROM threads_comments WHERE post_id = $1`,
		func(row *sql.Row) error {
			return row.Scan(&count)
		}, postID)
	return count, err
}

// SearchComments filters comments by text substring, author handle, and post.
func (c *Client) SearchComments(ctx context.Context, text, author string, postID int64, limit int) ([]*models.Comment, error) {
	query := `SELECT ` + commentColumns + ` FROM threads_comments WHERE 1=1`
	args := []any{}
	if text != "" {
		args = append(args, "%"+text+"%")
		query += fmt.Sprintf(" AND text ILIKE $%d", len(args))
	}
	if author != "" {
		args = append(args, author)
		query += fmt.Sprintf(" AND author_handle = $%d", len(args))
	}
	if postID > 0 {
		args = append(args, postID)
		query += fmt.Sprintf(" AND post_id = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY like_count DESC LIMIT $%d", len(args))

	var comments []*models.Comment
	err := c.query(ctx, "search_comments", query,
		func(rows *sql.Rows) error {
			for rows.Next() {
				cm, scanErr := scanComment(rows)
				if scanErr != nil {
					return scanErr
				}
				comments = append(comments, cm)
			}
			return nil
		}, args...)
	return comments, err
}
