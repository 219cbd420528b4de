// Package vision decides whether a post's images are worth spending model
// calls on and, when they are, runs a two-stage image analysis: a cheap
// classification pass and a gated full-extraction pass.
package vision

import (
	"strings"
	"unicode/utf8"

	"github.com/narrativelab/threadscope/pkg/config"
	"github.com/narrativelab/threadscope/pkg/models"
	"github.com/narrativelab/threadscope/pkg/quant"
)

// Gate scoring weights. The score crosses the threshold when the text alone
// is unlikely to explain the post's traction.
const (
	scoreSilentPost         = 2.0
	scoreShortComments      = 1.0
	scoreManyEmptyComments  = 0.5
	scoreNoReadableComments = 1.0
	scoreHighImpact         = 1.5
	scoreSemanticDivergence = 2.0

	silentPostMaxChars   = 80
	shortCommentAvgChars = 12
	emptyCommentRatio    = 0.70
	highImpactViews      = 50_000
	highImpactLikes      = 300
	highImpactReplies    = 120
	divergenceFloor      = 0.30
	divergenceSampleSize = 5
)

// GateDecision is the gate's verdict plus the evidence behind it.
type GateDecision struct {
	ShouldRun       bool     `json:"should_run"`
	Score           float64  `json:"score"`
	Reasons         []string `json:"reasons"`
	SimPostComments *float64 `json:"sim_post_comments,omitempty"`
	MetricsReliable bool     `json:"metrics_reliable"`
}

// GateInput carries everything the scorer looks at. Embeddings are optional;
// the semantic divergence signal is skipped when either side is missing.
type GateInput struct {
	PostText        string
	ViewCount       int
	LikeCount       int
	ReplyCount      int
	MetricsReliable bool
	Comments        []*models.Comment
	PostEmbedding   []float32
	CommentVectors  map[string][]float32
}

// Evaluate scores the post against the gate rules. Mode handling is the
// caller's concern; this is pure scoring.
func Evaluate(in GateInput, threshold float64) GateDecision {
	decision := GateDecision{MetricsReliable: in.MetricsReliable}

	if utf8.RuneCountInString(strings.TrimSpace(in.PostText)) < silentPostMaxChars {
		decision.Score += scoreSilentPost
		decision.Reasons = append(decision.Reasons, "silent_post")
	}

	readable := readableComments(in.Comments)
	if len(readable) == 0 {
		decision.Score += scoreNoReadableComments
		decision.Reasons = append(decision.Reasons, "no_readable_comments")
	} else {
		if averageLength(readable) < shortCommentAvgChars {
			decision.Score += scoreShortComments
			decision.Reasons = append(decision.Reasons, "short_comments")
		}
		if len(in.Comments) > 0 && float64(len(readable))/float64(len(in.Comments)) < emptyCommentRatio {
			decision.Score += scoreManyEmptyComments
			decision.Reasons = append(decision.Reasons, "many_empty_comments")
		}
	}

	if in.MetricsReliable &&
		(in.ViewCount > highImpactViews || in.LikeCount > highImpactLikes || in.ReplyCount > highImpactReplies) {
		decision.Score += scoreHighImpact
		decision.Reasons = append(decision.Reasons, "high_impact")
	}

	if sim, ok := semanticDivergence(in); ok {
		decision.SimPostComments = &sim
		if sim < divergenceFloor {
			decision.Score += scoreSemanticDivergence
			decision.Reasons = append(decision.Reasons, "semantic_divergence")
		}
	}

	decision.ShouldRun = decision.Score >= threshold
	if decision.Reasons == nil {
		decision.Reasons = []string{}
	}
	return decision
}

// Decide applies the configured mode on top of the score: off never runs,
// force always runs, auto follows the threshold.
func Decide(cfg config.VisionConfig, in GateInput) GateDecision {
	decision := Evaluate(in, cfg.Threshold)
	switch cfg.Mode {
	case config.VisionModeOff:
		decision.ShouldRun = false
	case config.VisionModeForce:
		decision.ShouldRun = true
	}
	return decision
}

func readableComments(comments []*models.Comment) []*models.Comment {
	var readable []*models.Comment
	for _, c := range comments {
		if strings.TrimSpace(c.Text) != "" {
			readable = append(readable, c)
		}
	}
	return readable
}

func averageLength(comments []*models.Comment) float64 {
	if len(comments) == 0 {
		return 0
	}
	total := 0
	for _, c := range comments {
		total += utf8.RuneCountInString(c.Text)
	}
	return float64(total) / float64(len(comments))
}

// semanticDivergence compares the post embedding against the mean of the
// top-5-by-likes comment embeddings.
func semanticDivergence(in GateInput) (float64, bool) {
	if len(in.PostEmbedding) == 0 || len(in.CommentVectors) == 0 {
		return 0, false
	}
	top := topByLikes(in.Comments, divergenceSampleSize)
	var vectors [][]float32
	for _, c := range top {
		if vec, ok := in.CommentVectors[c.ID]; ok && len(vec) > 0 {
			vectors = append(vectors, vec)
		}
	}
	if len(vectors) == 0 {
		return 0, false
	}
	mean := quant.MeanVector(vectors)
	return quant.Cosine(in.PostEmbedding, mean), true
}

func topByLikes(comments []*models.Comment, n int) []*models.Comment {
	sorted := append([]*models.Comment(nil), comments...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0; j-- {
			a, b := sorted[j-1], sorted[j]
			if a.LikeCount > b.LikeCount || (a.LikeCount == b.LikeCount && a.ID <= b.ID) {
				break
			}
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}
