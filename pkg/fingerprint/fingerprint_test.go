package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narrativelab/threadscope/pkg/models"
)

func sampleClusters() []Cluster {
	return []Cluster{
		{Key: "0", Size: 12, Samples: []Sample{
			{Text: "They are hiding the real numbers", LikeCount: 40},
			{Text: "wake up people", LikeCount: 8},
		}},
		{Key: "1", Size: 30, Samples: []Sample{
			{Text: "This is clearly staged", LikeCount: 90},
			{Text: "Staged for sure", LikeCount: 12},
			{Text: "cannot believe anyone falls for this", LikeCount: 3},
		}},
		{Key: "2", Size: 5, Samples: []Sample{
			{Text: "source?", LikeCount: 2},
		}},
	}
}

func TestBundleStableUnderClusterPermutation(t *testing.T) {
	comments := []Sample{
		{Text: "This is clearly staged", LikeCount: 90},
		{Text: "They are hiding the real numbers", LikeCount: 40},
		{Text: "lol", LikeCount: 1},
	}

	clusters := sampleClusters()
	a := BuildEvidenceBundle("Breaking: factory shut down overnight", "", comments, clusters, nil)

	// Reverse the cluster slice; identity must not move.
	reversed := []Cluster{clusters[2], clusters[1], clusters[0]}
	b := BuildEvidenceBundle("Breaking: factory shut down overnight", "", comments, reversed, nil)

	assert.Equal(t, a.Fingerprint, b.Fingerprint)
	assert.Equal(t, a.CaseID, b.CaseID)
	assert.Equal(t, a.Reactions, b.Reactions)
	assert.Equal(t, DeterministicPhenomenonID(a.Fingerprint), DeterministicPhenomenonID(b.Fingerprint))
}

func TestOrderClustersBySizeThenSignature(t *testing.T) {
	clusters := sampleClusters()
	ordered := OrderClusters(clusters)

	require.Len(t, ordered, 3)
	assert.Equal(t, "1", ordered[0].Key)
	assert.Equal(t, "0", ordered[1].Key)
	assert.Equal(t, "2", ordered[2].Key)
}

func TestOrderClustersEqualSizeTieBreaksOnSignature(t *testing.T) {
	a := Cluster{Key: "a", Size: 10, Samples: []Sample{{Text: "alpha take", LikeCount: 5}}}
	b := Cluster{Key: "b", Size: 10, Samples: []Sample{{Text: "bravo take", LikeCount: 5}}}

	first := OrderClusters([]Cluster{a, b})
	second := OrderClusters([]Cluster{b, a})
	assert.Equal(t, first[0].Key, second[0].Key)
	assert.Equal(t, first[1].Key, second[1].Key)
}

func TestSelectReactionSamplesDedupesAndCaps(t *testing.T) {
	clusters := []Cluster{
		{Key: "0", Size: 10, Samples: []Sample{{Text: "Same Take", LikeCount: 50}}},
	}
	comments := []Sample{
		{Text: "same take", LikeCount: 99}, // dup of the cluster head after normalization
		{Text: "different take", LikeCount: 10},
	}

	picked := SelectReactionSamples(clusters, comments)
	require.Len(t, picked, 2)
	assert.Equal(t, "same take", picked[0])
	assert.Equal(t, "different take", picked[1])
}

func TestSelectReactionSamplesCapsGlobalTail(t *testing.T) {
	var comments []Sample
	for i := 0; i < 20; i++ {
		comments = append(comments, Sample{Text: string(rune('a'+i)) + " comment", LikeCount: 20 - i})
	}
	picked := SelectReactionSamples(nil, comments)
	assert.Len(t, picked, TopKGlobalReactions)
}

func TestBundlePrefersImageOCROverFallback(t *testing.T) {
	images := []models.PostImage{
		{FullText: "banner says SHUT DOWN"},
		{OCRFullText: "second image text"},
	}
	bundle := BuildEvidenceBundle("post", "fallback ocr", nil, nil, images)
	assert.Contains(t, bundle.Artifact, "banner says shut down")
	assert.Contains(t, bundle.Artifact, "second image text")
	assert.NotContains(t, bundle.Artifact, "fallback ocr")

	noImages := BuildEvidenceBundle("post", "fallback ocr", nil, nil, nil)
	assert.Equal(t, "fallback ocr", noImages.Artifact)
}

func TestDeterministicPhenomenonIDIsStable(t *testing.T) {
	id1 := DeterministicPhenomenonID("TRIGGER:\nx")
	id2 := DeterministicPhenomenonID("TRIGGER:\nx")
	id3 := DeterministicPhenomenonID("TRIGGER:\ny")
	assert.Equal(t, id1, id2)
	assert.NotEqual(t, id1, id3)
}
