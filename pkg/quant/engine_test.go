package quant

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narrativelab/threadscope/pkg/models"
)

// fakeEmbedder maps texts to fixed vectors so runs are fully deterministic.
type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vectors[t]
	}
	return out, nil
}

type fakeClusterStore struct {
	clusters    []map[string]any
	assignments []models.ClusterAssignment
	clusterErr  error
}

func (f *fakeClusterStore) UpsertCommentClusters(_ context.Context, _ int64, clusters []map[string]any) (int, error) {
	if f.clusterErr != nil {
		return 0, f.clusterErr
	}
	f.clusters = clusters
	return len(clusters), nil
}

func (f *fakeClusterStore) SetClusterAssignments(_ context.Context, _ int64, assignments []models.ClusterAssignment) (int, error) {
	f.assignments = assignments
	return len(assignments), nil
}

func strPtr(s string) *string { return &s }

func makeComment(id, user, text string, likes int) *models.Comment {
	return &models.Comment{ID: id, AuthorHandle: strPtr(user), Text: text, LikeCount: likes}
}

func TestAnalyzeEmptyComments(t *testing.T) {
	engine := NewEngine(&fakeEmbedder{}, nil, false)

	result, err := engine.Analyze(context.Background(), 1, nil)

	require.NoError(t, err)
	assert.Equal(t, 0, result.AnalyzedCount)
	assert.Equal(t, 1.0, result.MathHomogeneity)
	assert.Empty(t, result.Clusters)
	assert.True(t, result.Persistence.Clusters.Skipped)
}

func TestAnalyzeFiltersShortComments(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"long enough comment": {1, 0, 0},
	}}
	engine := NewEngine(embedder, nil, false)

	result, err := engine.Analyze(context.Background(), 1, []*models.Comment{
		makeComment("c1", "a", "hey", 0),
		makeComment("c2", "b", "long enough comment", 3),
	})

	require.NoError(t, err)
	assert.Equal(t, 1, result.AnalyzedCount)
	require.Len(t, result.Points, 1)
	assert.Equal(t, "c2", result.Points[0].CommentID)
	assert.Equal(t, 0.0, result.Points[0].X)
	assert.Equal(t, 0.0, result.Points[0].Y)
}

func TestAnalyzeSingleClusterForTwoComments(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"first real comment":  {1, 0, 0},
		"second real comment": {0, 1, 0},
	}}
	store := &fakeClusterStore{}
	engine := NewEngine(embedder, store, false)

	result, err := engine.Analyze(context.Background(), 7, []*models.Comment{
		makeComment("c1", "a", "first real comment", 5),
		makeComment("c2", "b", "second real comment", 2),
	})

	require.NoError(t, err)
	require.Len(t, result.Clusters, 1)
	assert.Equal(t, 2, result.Clusters[0].Size)
	assert.Equal(t, "Cluster 0", result.Clusters[0].Label)
	assert.Equal(t, 1.0, result.MathHomogeneity)

	// Index coordinates for small sets.
	assert.Equal(t, 0.0, result.Points[0].X)
	assert.Equal(t, 1.0, result.Points[1].X)

	require.Len(t, result.Assignments, 2)
	assert.Equal(t, "7::c0", result.Assignments[0].ClusterID)
	assert.True(t, result.Persistence.Clusters.OK)
	// Assignment write-back is off by default.
	assert.True(t, result.Persistence.Assignments.Skipped)
}

func TestAnalyzeEchoDetection(t *testing.T) {
	// Identical vectors from distinct users over sufficiently long texts.
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"buy this amazing product now": {1, 0, 0},
		"buy this amazing product":     {1, 0, 0},
		"something entirely different": {0, 0, 1},
	}}
	engine := NewEngine(embedder, nil, false)

	comments := []*models.Comment{
		makeComment("c1", "bot_a", "buy this amazing product now", 0),
		makeComment("c2", "bot_b", "buy this amazing product", 0),
		makeComment("c3", "human", "something entirely different", 1),
	}
	result, err := engine.Analyze(context.Background(), 1, comments)

	require.NoError(t, err)
	assert.Equal(t, 1, result.EchoPairs)
	assert.True(t, comments[0].IsTemplateLike)
	assert.True(t, comments[1].IsTemplateLike)
	assert.False(t, comments[2].IsTemplateLike)
}

func TestAnalyzeEchoIgnoresSameUser(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"repeated template text one": {1, 0},
		"repeated template text two": {1, 0},
	}}
	engine := NewEngine(embedder, nil, false)

	result, err := engine.Analyze(context.Background(), 1, []*models.Comment{
		makeComment("c1", "same_user", "repeated template text one", 0),
		makeComment("c2", "same_user", "repeated template text two", 0),
	})

	require.NoError(t, err)
	assert.Equal(t, 0, result.EchoPairs)
}

func TestAnalyzeDeterministic(t *testing.T) {
	vectors := make(map[string][]float32)
	var comments []*models.Comment
	for i := 0; i < 12; i++ {
		text := fmt.Sprintf("comment number %d with enough text", i)
		vec := make([]float32, 8)
		vec[i%8] = 1
		vec[(i+3)%8] = 0.5
		vectors[text] = vec
		comments = append(comments, makeComment(fmt.Sprintf("c%d", i), fmt.Sprintf("u%d", i), text, i))
	}
	embedder := &fakeEmbedder{vectors: vectors}

	run := func() *Result {
		fresh := make([]*models.Comment, len(comments))
		for i, c := range comments {
			cp := *c
			fresh[i] = &cp
		}
		engine := NewEngine(embedder, nil, false)
		result, err := engine.Analyze(context.Background(), 1, fresh)
		require.NoError(t, err)
		return result
	}

	first := run()
	second := run()

	assert.Equal(t, first.MathHomogeneity, second.MathHomogeneity)
	require.Equal(t, len(first.Points), len(second.Points))
	for i := range first.Points {
		assert.Equal(t, first.Points[i], second.Points[i])
	}
}

func TestAnalyzePersistenceFailureIsNonFatal(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"first real comment":  {1, 0},
		"second real comment": {0, 1},
	}}
	store := &fakeClusterStore{clusterErr: fmt.Errorf("connection reset")}
	engine := NewEngine(embedder, store, false)

	result, err := engine.Analyze(context.Background(), 1, []*models.Comment{
		makeComment("c1", "a", "first real comment", 0),
		makeComment("c2", "b", "second real comment", 0),
	})

	require.NoError(t, err)
	assert.False(t, result.Persistence.Clusters.OK)
	assert.Contains(t, result.Persistence.Clusters.Error, "connection reset")
}

func TestClusterCount(t *testing.T) {
	tests := []struct {
		n        int
		expected int
	}{
		{1, 1},
		{2, 1},
		{3, 2},
		{10, 2},
		{11, 2},
		{16, 2},
		{24, 3},
		{40, 4},
		{100, 4},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, clusterCount(tt.n), "n=%d", tt.n)
	}
}

func TestExtractKeywords(t *testing.T) {
	keywords := extractKeywords([]string{
		"crypto scam crypto alert",
		"crypto wallet drained scam",
	})

	require.NotEmpty(t, keywords)
	assert.Equal(t, "crypto", keywords[0])
	assert.LessOrEqual(t, len(keywords), maxKeywords)
}

func TestHomogeneity(t *testing.T) {
	assert.Equal(t, 1.0, homogeneity(nil))
	assert.Equal(t, 1.0, homogeneity([]int{0, 0, 0}))
	assert.Equal(t, 0.75, homogeneity([]int{0, 0, 0, 1}))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, Cosine([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, Cosine(nil, nil))
}
