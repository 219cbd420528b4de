// Package quant maps a post's comment section into a 2-D layout with
// clusters, echo detection, and a homogeneity score. Everything here is
// deterministic for a fixed comment set; the only external call is the
// embedding batch.
package quant

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/narrativelab/threadscope/pkg/models"
)

const (
	minCommentLength = 5
	echoSimilarity   = 0.94
	echoMinLength    = 8
	maxKeywords      = 6
	maxTopComments   = 5
)

var keywordPattern = regexp.MustCompile(`[A-Za-z0-9#@']{3,}`)

// Stopwords excluded from cluster keywords.
var keywordStop = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "this": true,
	"with": true, "you": true, "are": true, "was": true, "have": true,
	"not": true, "but": true, "they": true, "what": true, "all": true,
}

// Embedder is the slice of the LLM client the engine needs.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ClusterStore is the slice of the store the engine persists through.
type ClusterStore interface {
	UpsertCommentClusters(ctx context.Context, postID int64, clusters []map[string]any) (int, error)
	SetClusterAssignments(ctx context.Context, postID int64, assignments []models.ClusterAssignment) (int, error)
}

// Engine runs the comment structure analysis for one post at a time.
type Engine struct {
	embedder           Embedder
	store              ClusterStore
	persistAssignments bool
}

// NewEngine builds a quant engine. store may be nil for preview runs; then
// persistence is skipped and reported as such.
func NewEngine(embedder Embedder, store ClusterStore, persistAssignments bool) *Engine {
	return &Engine{
		embedder:           embedder,
		store:              store,
		persistAssignments: persistAssignments,
	}
}

// CommentPoint is one comment's computed layout position.
type CommentPoint struct {
	CommentID  string  `json:"comment_id"`
	User       string  `json:"user"`
	Cluster    int     `json:"cluster"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	IsTemplate bool    `json:"is_template_like"`
}

// ClusterSummary is one cluster's aggregate for the post payload.
type ClusterSummary struct {
	ClusterKey    int       `json:"cluster_key"`
	Label         string    `json:"label"`
	Size          int       `json:"size"`
	Keywords      []string  `json:"keywords"`
	TopCommentIDs []string  `json:"top_comment_ids"`
	Centroid      []float32 `json:"centroid_embedding_384"`
}

// StepReport describes one persistence step's outcome.
type StepReport struct {
	OK      bool   `json:"ok"`
	Skipped bool   `json:"skipped,omitempty"`
	Count   int    `json:"count"`
	Error   string `json:"error,omitempty"`
}

// PersistenceReport is returned alongside the result; persistence failures
// never fail the analysis itself.
type PersistenceReport struct {
	Clusters    StepReport `json:"clusters"`
	Assignments StepReport `json:"assignments"`
}

// Result is the full quant output for one post.
type Result struct {
	Points          []CommentPoint
	Clusters        []ClusterSummary
	Assignments     []models.ClusterAssignment
	MathHomogeneity float64
	EchoPairs       int
	AnalyzedCount   int
	Persistence     PersistenceReport
}

// Summary renders the result as the cluster_summary JSON stored on the post.
func (r *Result) Summary() map[string]any {
	clusters := make([]map[string]any, 0, len(r.Clusters))
	for _, c := range r.Clusters {
		clusters = append(clusters, map[string]any{
			"cluster_key":     c.ClusterKey,
			"label":           c.Label,
			"size":            c.Size,
			"keywords":        c.Keywords,
			"top_comment_ids": c.TopCommentIDs,
		})
	}
	return map[string]any{
		"clusters":         clusters,
		"math_homogeneity": r.MathHomogeneity,
		"echo_pairs":       r.EchoPairs,
		"comment_count":    r.AnalyzedCount,
	}
}

// Analyze embeds, lays out, and clusters a post's comments, then persists the
// cluster set. An empty or all-short comment section returns an empty result
// with no error.
func (e *Engine) Analyze(ctx context.Context, postID int64, comments []*models.Comment) (*Result, error) {
	result := &Result{
		Persistence: PersistenceReport{
			Clusters:    StepReport{Skipped: true},
			Assignments: StepReport{Skipped: true},
		},
	}

	var usable []*models.Comment
	for _, c := range comments {
		if utf8.RuneCountInString(strings.TrimSpace(c.Text)) >= minCommentLength {
			usable = append(usable, c)
		}
	}
	if len(usable) == 0 {
		result.MathHomogeneity = 1.0
		return result, nil
	}
	result.AnalyzedCount = len(usable)

	texts := make([]string, len(usable))
	for i, c := range usable {
		texts[i] = c.Text
	}
	embeddings, err := e.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed comments: %w", err)
	}

	// Drop comments whose embedding came back empty, keeping alignment.
	var vectors [][]float32
	var kept []*models.Comment
	for i, vec := range embeddings {
		if len(vec) == 0 {
			continue
		}
		vectors = append(vectors, vec)
		kept = append(kept, usable[i])
	}
	if len(kept) == 0 {
		result.MathHomogeneity = 1.0
		return result, nil
	}
	result.AnalyzedCount = len(kept)

	coords := layout(vectors)
	assign := clusterAssignments(vectors)
	result.EchoPairs = countEchoPairs(kept, vectors)
	result.MathHomogeneity = homogeneity(assign)

	markTemplates(kept, vectors)

	for i, c := range kept {
		x := round(coords[i][0], 4)
		y := round(coords[i][1], 4)
		k := assign[i]
		c.QuantClusterID = &k
		c.QuantX = &x
		c.QuantY = &y
		result.Points = append(result.Points, CommentPoint{
			CommentID:  c.ID,
			User:       derefOr(c.AuthorHandle, ""),
			Cluster:    k,
			X:          x,
			Y:          y,
			IsTemplate: c.IsTemplateLike,
		})
	}

	result.Clusters = buildClusterSummaries(kept, vectors, assign)
	for _, summary := range result.Clusters {
		label := summary.Label
		for i, c := range kept {
			if assign[i] != summary.ClusterKey {
				continue
			}
			result.Assignments = append(result.Assignments, models.ClusterAssignment{
				CommentID:    c.ID,
				ClusterKey:   summary.ClusterKey,
				ClusterLabel: label,
				ClusterID:    fmt.Sprintf("%d::c%d", postID, summary.ClusterKey),
			})
		}
	}

	e.persist(ctx, postID, result)
	return result, nil
}

// persist writes clusters and optionally assignments, recording outcomes in
// the report instead of failing the run.
func (e *Engine) persist(ctx context.Context, postID int64, result *Result) {
	if e.store == nil || len(result.Clusters) == 0 {
		return
	}

	payload := make([]map[string]any, 0, len(result.Clusters))
	for _, c := range result.Clusters {
		payload = append(payload, map[string]any{
			"cluster_key":            c.ClusterKey,
			"label":                  c.Label,
			"size":                   c.Size,
			"keywords":               c.Keywords,
			"top_comment_ids":        c.TopCommentIDs,
			"centroid_embedding_384": c.Centroid,
		})
	}
	count, err := e.store.UpsertCommentClusters(ctx, postID, payload)
	if err != nil {
		slog.Warn("Cluster persistence failed", "post_id", postID, "error", err)
		result.Persistence.Clusters = StepReport{Error: err.Error()}
	} else {
		result.Persistence.Clusters = StepReport{OK: true, Count: count}
	}

	if !e.persistAssignments {
		result.Persistence.Assignments = StepReport{Skipped: true}
		return
	}
	count, err = e.store.SetClusterAssignments(ctx, postID, result.Assignments)
	if err != nil {
		slog.Warn("Assignment persistence failed", "post_id", postID, "error", err)
		result.Persistence.Assignments = StepReport{Error: err.Error()}
		return
	}
	result.Persistence.Assignments = StepReport{OK: true, Count: count}
}

// layout produces 2-D coordinates: trivial placements for tiny sets, PCA for
// the rest, index fallback when PCA degenerates.
func layout(vectors [][]float32) [][2]float64 {
	n := len(vectors)
	coords := make([][2]float64, n)
	switch {
	case n == 1:
		coords[0] = [2]float64{0, 0}
	case n < 5:
		for i := range coords {
			coords[i] = [2]float64{float64(i), 0}
		}
	default:
		projected, ok := pca2(vectors)
		if !ok {
			for i := range coords {
				coords[i] = [2]float64{float64(i), 0}
			}
			return coords
		}
		coords = projected
	}
	return coords
}

// clusterAssignments picks k by comment count and runs seeded k-means.
func clusterAssignments(vectors [][]float32) []int {
	n := len(vectors)
	k := clusterCount(n)
	assign, ok := kmeans(vectors, k)
	if !ok {
		return make([]int, n)
	}
	return assign
}

func clusterCount(n int) int {
	switch {
	case n < 3:
		return 1
	case n <= 10:
		return 2
	default:
		k := n / 8
		if k < 2 {
			k = 2
		}
		if k > 4 {
			k = 4
		}
		return k
	}
}

// countEchoPairs counts near-duplicate comment pairs from distinct users.
func countEchoPairs(comments []*models.Comment, vectors [][]float32) int {
	pairs := 0
	for i := 0; i < len(comments); i++ {
		if utf8.RuneCountInString(comments[i].Text) < echoMinLength {
			continue
		}
		for j := i + 1; j < len(comments); j++ {
			if utf8.RuneCountInString(comments[j].Text) < echoMinLength {
				continue
			}
			if derefOr(comments[i].AuthorHandle, "") == derefOr(comments[j].AuthorHandle, "") {
				continue
			}
			if Cosine(vectors[i], vectors[j]) > echoSimilarity {
				pairs++
			}
		}
	}
	return pairs
}

// markTemplates flags comments participating in at least one echo pair.
func markTemplates(comments []*models.Comment, vectors [][]float32) {
	for i := 0; i < len(comments); i++ {
		if utf8.RuneCountInString(comments[i].Text) < echoMinLength {
			continue
		}
		for j := i + 1; j < len(comments); j++ {
			if utf8.RuneCountInString(comments[j].Text) < echoMinLength {
				continue
			}
			if derefOr(comments[i].AuthorHandle, "") == derefOr(comments[j].AuthorHandle, "") {
				continue
			}
			if Cosine(vectors[i], vectors[j]) > echoSimilarity {
				comments[i].IsTemplateLike = true
				comments[j].IsTemplateLike = true
			}
		}
	}
}

// homogeneity is the largest cluster's share of all clustered comments.
func homogeneity(assign []int) float64 {
	if len(assign) == 0 {
		return 1.0
	}
	counts := make(map[int]int)
	maxSize := 0
	for _, c := range assign {
		counts[c]++
		if counts[c] > maxSize {
			maxSize = counts[c]
		}
	}
	if len(counts) <= 1 {
		return 1.0
	}
	return round(float64(maxSize)/float64(len(assign)), 2)
}

func buildClusterSummaries(comments []*models.Comment, vectors [][]float32, assign []int) []ClusterSummary {
	byCluster := make(map[int][]int)
	for i, c := range assign {
		byCluster[c] = append(byCluster[c], i)
	}
	keys := make([]int, 0, len(byCluster))
	for k := range byCluster {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	summaries := make([]ClusterSummary, 0, len(keys))
	for _, k := range keys {
		members := byCluster[k]

		var memberVectors [][]float32
		var memberTexts []string
		for _, idx := range members {
			memberVectors = append(memberVectors, vectors[idx])
			memberTexts = append(memberTexts, comments[idx].Text)
		}

		// Top comments by likes, ties by id for stable output.
		sorted := append([]int(nil), members...)
		sort.Slice(sorted, func(a, b int) bool {
			ca, cb := comments[sorted[a]], comments[sorted[b]]
			if ca.LikeCount != cb.LikeCount {
				return ca.LikeCount > cb.LikeCount
			}
			return ca.ID < cb.ID
		})
		top := make([]string, 0, maxTopComments)
		for _, idx := range sorted {
			if len(top) == maxTopComments {
				break
			}
			top = append(top, comments[idx].ID)
		}

		summaries = append(summaries, ClusterSummary{
			ClusterKey:    k,
			Label:         fmt.Sprintf("Cluster %d", k),
			Size:          len(members),
			Keywords:      extractKeywords(memberTexts),
			TopCommentIDs: top,
			Centroid:      MeanVector(memberVectors),
		})
	}
	return summaries
}

// extractKeywords returns the most frequent content tokens across texts,
// ties broken alphabetically.
func extractKeywords(texts []string) []string {
	counts := make(map[string]int)
	for _, text := range texts {
		for _, tok := range keywordPattern.FindAllString(strings.ToLower(text), -1) {
			if keywordStop[tok] {
				continue
			}
			counts[tok]++
		}
	}
	tokens := make([]string, 0, len(counts))
	for tok := range counts {
		tokens = append(tokens, tok)
	}
	sort.Slice(tokens, func(a, b int) bool {
		if counts[tokens[a]] != counts[tokens[b]] {
			return counts[tokens[a]] > counts[tokens[b]]
		}
		return tokens[a] < tokens[b]
	})
	if len(tokens) > maxKeywords {
		tokens = tokens[:maxKeywords]
	}
	if tokens == nil {
		tokens = []string{}
	}
	return tokens
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
