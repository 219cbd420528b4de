package registry

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narrativelab/threadscope/pkg/config"
	"github.com/narrativelab/threadscope/pkg/fingerprint"
	"github.com/narrativelab/threadscope/pkg/models"
	"github.com/narrativelab/threadscope/pkg/store"
)

type fakeEmbedder struct {
	vector []float32
	err    error
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return f.vector, f.err
}

type fakeStore struct {
	matches      []models.PhenomenonMatch
	upserted     []*models.Phenomenon
	phenomena    map[string]*models.Phenomenon
	statusWrites []string
	incremented  []string
	posts        map[int64]*models.Post
	patches      []map[string]any
	incrementErr error
}

func (f *fakeStore) MatchPhenomena(_ context.Context, _ []float32, _ float64, _ int) ([]models.PhenomenonMatch, error) {
	return f.matches, nil
}

// UpsertPhenomenon mirrors the SQL conflict path: an existing row keeps its
// status and identity fields.
func (f *fakeStore) UpsertPhenomenon(_ context.Context, ph *models.Phenomenon) error {
	f.upserted = append(f.upserted, ph)
	if f.phenomena == nil {
		f.phenomena = map[string]*models.Phenomenon{}
	}
	if _, exists := f.phenomena[ph.ID]; !exists {
		row := *ph
		f.phenomena[ph.ID] = &row
	}
	return nil
}

func (f *fakeStore) GetPhenomenon(_ context.Context, id string) (*models.Phenomenon, error) {
	if ph, ok := f.phenomena[id]; ok {
		return ph, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) SetPhenomenonStatus(_ context.Context, id string, status models.PhenomenonStatus) error {
	f.statusWrites = append(f.statusWrites, id+"="+string(status))
	if ph, ok := f.phenomena[id]; ok {
		ph.Status = status
	}
	return nil
}

func (f *fakeStore) IncrementOccurrence(_ context.Context, id string) error {
	if f.incrementErr != nil {
		return f.incrementErr
	}
	f.incremented = append(f.incremented, id)
	return nil
}

func (f *fakeStore) GetPost(_ context.Context, id int64) (*models.Post, error) {
	post, ok := f.posts[id]
	if !ok {
		return nil, fmt.Errorf("post %d not found", id)
	}
	return post, nil
}

func (f *fakeStore) PatchPost(_ context.Context, _ int64, fields map[string]any) error {
	f.patches = append(f.patches, fields)
	return nil
}

func dim768() []float32 {
	vec := make([]float32, EmbeddingDim)
	vec[0] = 1
	return vec
}

func testBundle() fingerprint.EvidenceBundle {
	return fingerprint.BuildEvidenceBundle("trigger text", "", []fingerprint.Sample{
		{Text: "reaction one", LikeCount: 3},
		{Text: "reaction two", LikeCount: 1},
	}, nil, nil)
}

func testRegistry(st *fakeStore, emb *fakeEmbedder) *Registry {
	return New(emb, st, config.DefaultEnrichConfig())
}

func TestMatchOrMintMatches(t *testing.T) {
	st := &fakeStore{matches: []models.PhenomenonMatch{
		{ID: "existing-id", Similarity: 0.93},
	}}
	reg := testRegistry(st, &fakeEmbedder{vector: dim768()})

	decision, err := reg.MatchOrMint(context.Background(), testBundle(), "Name", "Desc")

	require.NoError(t, err)
	assert.Equal(t, OutcomeMatched, decision.Outcome)
	assert.Equal(t, "existing-id", decision.PhenomenonID)
	assert.InDelta(t, 93.0, decision.Confidence, 1e-6)
	assert.Equal(t, []string{"existing-id"}, st.incremented)

	// Matched rows never overwrite the stored embedding.
	require.Len(t, st.upserted, 1)
	assert.Nil(t, st.upserted[0].Embedding)
	assert.Equal(t, models.PhenomenonMatched, st.upserted[0].Status)
}

func TestMatchOrMintMovesPendingRowToMatched(t *testing.T) {
	st := &fakeStore{
		matches: []models.PhenomenonMatch{{ID: "existing-id", Similarity: 0.93}},
		phenomena: map[string]*models.Phenomenon{
			"existing-id": {ID: "existing-id", Status: models.PhenomenonPending},
		},
	}
	reg := testRegistry(st, &fakeEmbedder{vector: dim768()})

	_, err := reg.MatchOrMint(context.Background(), testBundle(), "", "")

	require.NoError(t, err)
	assert.Equal(t, []string{"existing-id=matched"}, st.statusWrites)
	assert.Equal(t, models.PhenomenonMatched, st.phenomena["existing-id"].Status)
}

func TestMatchOrMintLeavesActiveRowAlone(t *testing.T) {
	st := &fakeStore{
		matches: []models.PhenomenonMatch{{ID: "existing-id", Similarity: 0.95}},
		phenomena: map[string]*models.Phenomenon{
			"existing-id": {ID: "existing-id", Status: models.PhenomenonActive},
		},
	}
	reg := testRegistry(st, &fakeEmbedder{vector: dim768()})

	_, err := reg.MatchOrMint(context.Background(), testBundle(), "", "")

	require.NoError(t, err)
	assert.Empty(t, st.statusWrites)
	assert.Equal(t, models.PhenomenonActive, st.phenomena["existing-id"].Status)
}

func TestMatchOrMintMintsBelowThreshold(t *testing.T) {
	st := &fakeStore{matches: []models.PhenomenonMatch{
		{ID: "near-miss", Similarity: 0.70},
	}}
	reg := testRegistry(st, &fakeEmbedder{vector: dim768()})
	bundle := testBundle()

	decision, err := reg.MatchOrMint(context.Background(), bundle, "", "")

	require.NoError(t, err)
	assert.Equal(t, OutcomeMinted, decision.Outcome)
	assert.Equal(t, fingerprint.DeterministicPhenomenonID(bundle.Fingerprint).String(), decision.PhenomenonID)
	assert.Equal(t, 100.0, decision.Confidence)

	require.Len(t, st.upserted, 1)
	assert.NotNil(t, st.upserted[0].Embedding)
	require.NotNil(t, st.upserted[0].MintedByCaseID)
	assert.Equal(t, bundle.CaseID, *st.upserted[0].MintedByCaseID)
	assert.Equal(t, models.PhenomenonMinted, st.upserted[0].Status)

	// Without analyst proposals the row still gets a readable placeholder
	// identity.
	require.NotNil(t, st.upserted[0].CanonicalName)
	assert.Equal(t, "MINTED_"+decision.PhenomenonID[:8], *st.upserted[0].CanonicalName)
	require.NotNil(t, st.upserted[0].Description)
	assert.Equal(t, "(auto) pending governance", *st.upserted[0].Description)
}

func TestMatchedStatusFlowsToRegistryAndPost(t *testing.T) {
	st := &fakeStore{
		matches: []models.PhenomenonMatch{{ID: "existing-id", Similarity: 0.93}},
		posts: map[int64]*models.Post{
			7: {ID: 7},
		},
	}
	reg := testRegistry(st, &fakeEmbedder{vector: dim768()})

	decision, err := reg.MatchOrMint(context.Background(), testBundle(), "", "")
	require.NoError(t, err)

	patched, err := reg.PatchPost(context.Background(), 7, decision)
	require.NoError(t, err)
	assert.True(t, patched)

	assert.Equal(t, models.PhenomenonMatched, st.phenomena["existing-id"].Status)
	require.Len(t, st.patches, 1)
	assert.Equal(t, "matched", st.patches[0]["phenomenon_status"])
	doc := st.patches[0]["analysis_json"].(map[string]any)
	assert.Equal(t, "matched", doc["phenomenon_status"])
	assert.Equal(t, "matched", doc["phenomenon"].(map[string]any)["status"])
}

func TestMatchOrMintIsDeterministicAcrossPosts(t *testing.T) {
	st := &fakeStore{}
	reg := testRegistry(st, &fakeEmbedder{vector: dim768()})
	bundle := testBundle()

	first, err := reg.MatchOrMint(context.Background(), bundle, "", "")
	require.NoError(t, err)
	second, err := reg.MatchOrMint(context.Background(), bundle, "", "")
	require.NoError(t, err)

	assert.Equal(t, first.PhenomenonID, second.PhenomenonID)
	assert.Len(t, st.incremented, 2)
}

func TestMatchOrMintDimensionMismatch(t *testing.T) {
	reg := testRegistry(&fakeStore{}, &fakeEmbedder{vector: make([]float32, 384)})

	_, err := reg.MatchOrMint(context.Background(), testBundle(), "", "")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestPatchPostRespectsFinalizedStatus(t *testing.T) {
	id := "final-id"
	status := "active"
	st := &fakeStore{posts: map[int64]*models.Post{
		1: {ID: 1, PhenomenonID: &id, PhenomenonStatus: &status},
	}}
	reg := testRegistry(st, &fakeEmbedder{vector: dim768()})

	patched, err := reg.PatchPost(context.Background(), 1, &Decision{PhenomenonID: "new-id", CaseID: "case"})

	require.NoError(t, err)
	assert.False(t, patched)
	assert.Empty(t, st.patches)
}

func TestPatchPostWritesIdentityAndVersions(t *testing.T) {
	st := &fakeStore{posts: map[int64]*models.Post{
		1: {ID: 1, AnalysisJSON: map[string]any{"phenomenon": map[string]any{"name": "N"}}},
	}}
	reg := testRegistry(st, &fakeEmbedder{vector: dim768()})

	patched, err := reg.PatchPost(context.Background(), 1, &Decision{
		Outcome:      OutcomeMinted,
		PhenomenonID: "new-id",
		CaseID:       "case-1",
	})

	require.NoError(t, err)
	assert.True(t, patched)
	require.Len(t, st.patches, 1)
	patch := st.patches[0]
	assert.Equal(t, "new-id", patch["phenomenon_id"])
	assert.Equal(t, "minted", patch["phenomenon_status"])

	doc := patch["analysis_json"].(map[string]any)
	ph := doc["phenomenon"].(map[string]any)
	assert.Equal(t, "new-id", ph["id"])
	assert.Equal(t, "N", ph["name"])
	assert.Equal(t, fingerprint.Version, doc["fingerprint_version"])
	assert.Equal(t, fingerprint.MatchRulesetVersion, doc["match_ruleset_version"])
}

func TestMergeMetaColumnWinsAndLogsMismatch(t *testing.T) {
	colID := "col-id"
	st := "matched"
	post := &models.Post{
		ID:               1,
		PhenomenonID:     &colID,
		PhenomenonStatus: &st,
		AnalysisJSON: map[string]any{
			"phenomenon": map[string]any{"id": "doc-id", "status": "pending"},
		},
	}

	meta := MergeMeta(post)

	assert.Equal(t, "col-id", meta.ID)
	assert.Equal(t, "matched", meta.Status)
}

func TestMergeMetaDefaultsPending(t *testing.T) {
	meta := MergeMeta(&models.Post{ID: 1})
	assert.Empty(t, meta.ID)
	assert.Equal(t, "pending", meta.Status)
}

func TestCleanSnippet(t *testing.T) {
	assert.Equal(t, "a b c", CleanSnippet("  a\n b\t c "))

	long := ""
	for i := 0; i < 40; i++ {
		long += "wordhere "
	}
	snippet := CleanSnippet(long)
	assert.LessOrEqual(t, len([]rune(snippet)), snippetMaxLen+1)
	assert.Contains(t, snippet, "…")
}
