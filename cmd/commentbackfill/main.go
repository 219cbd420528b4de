// Commentbackfill re-emits threads_comments rows from the raw comment
// snapshots stored on threads_posts. Identity follows the hybrid rule: a
// crawler-observed source_comment_id wins, otherwise the deterministic hash
// of (post_id, author, normalized text). Safe to re-run; existing rows
// upsert onto themselves.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/narrativelab/threadscope/pkg/database"
	"github.com/narrativelab/threadscope/pkg/models"
	"github.com/narrativelab/threadscope/pkg/store"
	"github.com/narrativelab/threadscope/pkg/textnorm"
)

func main() {
	var (
		envFile = flag.String("env-file", ".env", "Path to the environment file")
		limit   = flag.Int("limit", 500, "Maximum posts to backfill in one run")
		since   = flag.String("since", "", "Only posts updated at or after this RFC3339 timestamp")
		postID  = flag.Int64("post-id", 0, "Backfill a single post")
		dryRun  = flag.Bool("dry-run", false, "Report without writing comments")
	)
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	var sinceTime *time.Time
	if *since != "" {
		t, err := time.Parse(time.RFC3339, *since)
		if err != nil {
			slog.Error("Invalid --since timestamp, want RFC3339", "value", *since, "error", err)
			os.Exit(1)
		}
		sinceTime = &t
	}

	ctx := context.Background()
	if err := run(ctx, *limit, sinceTime, *postID, *dryRun); err != nil {
		slog.Error("Comment backfill failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, limit int, since *time.Time, postID int64, dryRun bool) error {
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

	posts, err := st.ListPostsWithRawComments(ctx, since, postID, limit)
	if err != nil {
		return fmt.Errorf("failed to list posts with raw comments: %w", err)
	}
	slog.Info("Backfill scan", "posts", len(posts), "dry_run", dryRun)

	totalEmitted, totalWritten := 0, 0
	for _, post := range posts {
		comments := commentsFromRaw(post.ID, post.RawComments)
		totalEmitted += len(comments)
		if dryRun || len(comments) == 0 {
			slog.Info("Post scanned", "post_id", post.ID, "raw", len(post.RawComments), "emitted", len(comments))
			continue
		}
		written, err := st.UpsertComments(ctx, comments)
		if err != nil {
			return fmt.Errorf("failed to upsert comments for post %d: %w", post.ID, err)
		}
		totalWritten += written
	}

	fmt.Printf("posts=%d comments_emitted=%d comments_written=%d dry_run=%v\n",
		len(posts), totalEmitted, totalWritten, dryRun)
	return nil
}

// commentsFromRaw converts one post's raw snapshot into comment rows under
// the hybrid identity rule. Entries with neither text nor author are noise
// from the DOM parse and are dropped.
func commentsFromRaw(postID int64, raw []models.RawComment) []*models.Comment {
	now := time.Now().UTC()
	comments := make([]*models.Comment, 0, len(raw))
	for _, rc := range raw {
		text := strings.TrimSpace(rc.Text)
		if text == "" && rc.User == "" {
			continue
		}
		comment := &models.Comment{
			PostID:     postID,
			Text:       text,
			LikeCount:  rc.Likes,
			CapturedAt: now,
		}
		if rc.SourceCommentID != "" {
			comment.ID = rc.SourceCommentID
			sourceID := rc.SourceCommentID
			comment.SourceCommentID = &sourceID
		} else {
			comment.ID = models.DeriveCommentID(postID, rc.User, textnorm.Collapse(text))
		}
		if rc.User != "" {
			user := rc.User
			comment.AuthorHandle = &user
		}
		comments = append(comments, comment)
	}
	return comments
}
