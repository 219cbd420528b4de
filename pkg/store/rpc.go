package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/narrativelab/threadscope/pkg/models"
)

// ClaimJobItem atomically claims the oldest pending or lease-expired item of
// a job. Returns ErrNoItemsAvailable when the claim pool is empty.
func (c *Client) ClaimJobItem(ctx context.Context, jobID, workerID string, lockTTLSeconds int) (*models.JobItem, error) {
	var item *models.JobItem
	err := c.queryRow(ctx, "claim_job_item",
		`SELECT `+itemColumns+` FROM claim_job_item($1, $2, $3)`,
		func(row *sql.Row) error {
			var scanErr error
			item, scanErr = scanItem(row)
			return scanErr
		}, jobID, workerID, lockTTLSeconds)
	if err == ErrNotFound {
		return nil, ErrNoItemsAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job item: %w", err)
	}
	return item, nil
}

// SetJobItemStage advances the externally visible pipeline stage of an item.
func (c *Client) SetJobItemStage(ctx context.Context, itemID string, stage models.ItemStage) error {
	return c.exec(ctx, "set_job_item_stage",
		`SELECT set_job_item_stage($1, $2)`, itemID, string(stage))
}

// TouchJobItem refreshes the item lease; the worker heartbeat calls this
// while processing.
func (c *Client) TouchJobItem(ctx context.Context, itemID string, lockTTLSeconds int) error {
	return c.exec(ctx, "touch_job_item",
		`SELECT touch_job_item($1, $2)`, itemID, lockTTLSeconds)
}

// CompleteJobItem marks the item terminal-successful.
func (c *Client) CompleteJobItem(ctx context.Context, itemID string, resultPostID *string) error {
	return c.exec(ctx, "complete_job_item",
		`SELECT complete_job_item($1, $2)`, itemID, resultPostID)
}

// FailJobItem marks the item terminal-failed; the error log is truncated to
// 500 characters server-side.
func (c *Client) FailJobItem(ctx context.Context, itemID string, stage models.ItemStage, errorLog string) error {
	return c.exec(ctx, "fail_job_item",
		`SELECT fail_job_item($1, $2, $3)`, itemID, string(stage), errorLog)
}

// BumpJobCounters atomically increments the job counters for one terminal
// item. Exactly one of isSuccess/isFailed must be true.
func (c *Client) BumpJobCounters(ctx context.Context, jobID string, isSuccess, isFailed bool) error {
	if isSuccess == isFailed {
		return fmt.Errorf("bump_job_counters requires exactly one of success/failed, got success=%v failed=%v", isSuccess, isFailed)
	}
	return c.exec(ctx, "bump_job_counters",
		`SELECT bump_job_counters($1, $2, $3)`, jobID, isSuccess, isFailed)
}

// FinalizeJobIfDone finalizes the job once processed >= total: failed when
// any item failed, completed otherwise.
func (c *Client) FinalizeJobIfDone(ctx context.Context, jobID string) error {
	return c.exec(ctx, "finalize_job_if_done",
		`SELECT finalize_job_if_done($1)`, jobID)
}

// UpsertCommentClusters replaces the cluster set for a post on
// (post_id, cluster_key).
func (c *Client) UpsertCommentClusters(ctx context.Context, postID int64, clusters []map[string]any) (int, error) {
	payload, err := marshalJSON(clusters)
	if err != nil {
		return 0, err
	}
	var count int
	err = c.queryRow(ctx, "upsert_comment_clusters",
		`SELECT upsert_comment_clusters($1, $2)`,
		func(row *sql.Row) error {
			return row.Scan(&count)
		}, postID, payload)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert comment clusters: %w", err)
	}
	return count, nil
}

// SetClusterAssignments applies the idempotent per-(post_id, comment_id)
// cluster write-back.
func (c *Client) SetClusterAssignments(ctx context.Context, postID int64, assignments []models.ClusterAssignment) (int, error) {
	generic := make([]map[string]any, len(assignments))
	for i, a := range assignments {
		generic[i] = map[string]any{
			"comment_id":    a.CommentID,
			"cluster_key":   a.ClusterKey,
			"cluster_label": a.ClusterLabel,
			"cluster_id":    a.ClusterID,
		}
	}
	payload, err := marshalJSON(generic)
	if err != nil {
		return 0, err
	}
	var count int
	err = c.queryRow(ctx, "set_comment_cluster_assignments",
		`SELECT set_comment_cluster_assignments($1, $2)`,
		func(row *sql.Row) error {
			return row.Scan(&count)
		}, postID, payload)
	if err != nil {
		return 0, fmt.Errorf("failed to set cluster assignments: %w", err)
	}
	return count, nil
}

// MatchPhenomena runs the registry vector search and returns candidates with
// cosine similarity at or above threshold, best first.
func (c *Client) MatchPhenomena(ctx context.Context, embedding []float32, threshold float64, topK int) ([]models.PhenomenonMatch, error) {
	var matches []models.PhenomenonMatch
	err := c.query(ctx, "match_phenomena_v768",
		`SELECT id, canonical_name, status, similarity FROM match_phenomena_v768($1, $2, $3)`,
		func(rows *sql.Rows) error {
			for rows.Next() {
				var m models.PhenomenonMatch
				if scanErr := rows.Scan(&m.ID, &m.CanonicalName, &m.Status, &m.Similarity); scanErr != nil {
					return scanErr
				}
				matches = append(matches, m)
			}
			return nil
		}, pgvector.NewVector(embedding), threshold, topK)
	if err != nil {
		return nil, fmt.Errorf("failed to match phenomena: %w", err)
	}
	return matches, nil
}

// IncrementOccurrence bumps a phenomenon's monotonic occurrence counter.
func (c *Client) IncrementOccurrence(ctx context.Context, phenomenonID string) error {
	return c.exec(ctx, "increment_occurrence",
		`SELECT increment_occurrence($1)`, phenomenonID)
}
