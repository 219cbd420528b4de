package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Comment is one row in threads_comments. Identity is hybrid: a native
// source_comment_id is preferred as id when the crawler observed one,
// otherwise id is the deterministic hash of (post_id, author, normalized
// text) so re-ingests map onto the same rows.
type Comment struct {
	ID                    string          `json:"id"`
	PostID                int64           `json:"post_id"`
	SourceCommentID       *string         `json:"source_comment_id,omitempty"`
	ParentSourceCommentID *string         `json:"parent_source_comment_id,omitempty"`
	AuthorHandle          *string         `json:"author_handle,omitempty"`
	AuthorID              *string         `json:"author_id,omitempty"`
	Text                  string          `json:"text"`
	LikeCount             int             `json:"like_count"`
	ReplyCount            int             `json:"reply_count"`
	CreatedAt             *time.Time      `json:"created_at,omitempty"`
	CapturedAt            time.Time       `json:"captured_at"`
	RawJSON               json.RawMessage `json:"raw_json,omitempty"`

	// Cluster assignment write-back (optional, flag-gated).
	ClusterID    *string `json:"cluster_id,omitempty"`
	ClusterKey   *int    `json:"cluster_key,omitempty"`
	ClusterLabel *string `json:"cluster_label,omitempty"`

	// Quant layout fields, populated by the comment structure mapper.
	QuantClusterID *int     `json:"quant_cluster_id,omitempty"`
	QuantX         *float64 `json:"quant_x,omitempty"`
	QuantY         *float64 `json:"quant_y,omitempty"`
	IsTemplateLike bool     `json:"is_template_like,omitempty"`
}

// CommentCluster is one row in threads_comment_clusters, keyed by
// (post_id, cluster_key). The full set for a post is replaced atomically on
// every quant run; labels and summaries are owned by metadata writers.
type CommentCluster struct {
	PostID        int64     `json:"post_id"`
	ClusterKey    int       `json:"cluster_key"`
	Label         string    `json:"label"`
	Summary       *string   `json:"summary,omitempty"`
	Size          int       `json:"size"`
	Keywords      []string  `json:"keywords"`
	TopCommentIDs []string  `json:"top_comment_ids"`
	Centroid      []float32 `json:"centroid_embedding_384,omitempty"`
	Tactics       []string  `json:"tactics,omitempty"`
	TacticSummary *string   `json:"tactic_summary,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}

// ClusterAssignment is one element of the set-based assignment write-back.
type ClusterAssignment struct {
	CommentID    string `json:"comment_id"`
	ClusterKey   int    `json:"cluster_key"`
	ClusterLabel string `json:"cluster_label"`
	ClusterID    string `json:"cluster_id"`
}

// DeriveCommentID computes the deterministic half of the hybrid identity:
// the hash of (post_id, author, normalized text). Callers pass already
// normalized text so the rule stays in one place.
func DeriveCommentID(postID int64, author, normalizedText string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%s", postID, author, normalizedText)))
	return hex.EncodeToString(sum[:])
}
