// Package fingerprint builds the deterministic evidence bundle that gives a
// post its global narrative identity. The bundle text, its SHA-256 case id,
// and the UUIDv5 minted from it must stay byte-stable across releases, so
// every rule here is covered by the version constants below.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/narrativelab/threadscope/pkg/models"
	"github.com/narrativelab/threadscope/pkg/textnorm"
)

const (
	// Version stamps the normalization and bundle-layout rules.
	Version = "v1"
	// MatchRulesetVersion stamps the match-or-mint decision rules.
	MatchRulesetVersion = "v1"
	// RegistryVersion stamps the registry schema generation.
	RegistryVersion = "v1"

	TriggerMaxLen  = 2400
	ArtifactMaxLen = 2400
	ReactionMaxLen = 3200

	// TopMClusterSamples bounds the sample texts folded into a cluster
	// signature hash.
	TopMClusterSamples = 3
	// TopKGlobalReactions bounds the extra global comments appended after
	// the per-cluster heads.
	TopKGlobalReactions = 5
)

// Namespace seeds UUIDv5 minting. Changing it would re-identify every
// phenomenon ever minted.
var Namespace = uuid.MustParse("6a7a3bf7-5a3f-4d66-b78e-2d7c9f5b7c7b")

// Sample is one comment considered for reaction selection.
type Sample struct {
	Text      string
	LikeCount int
}

// Cluster is one comment cluster as seen by the bundle builder. Size falls
// back to a share fraction when the stored summary has no count.
type Cluster struct {
	Key     string
	Size    float64
	Samples []Sample
}

// EvidenceBundle is the normalized identity material for one post.
type EvidenceBundle struct {
	Fingerprint string
	CaseID      string
	Trigger     string
	Artifact    string
	Reactions   []string
	Version     string
}

// ClusterSignatureHash hashes the top-M samples of a cluster, ordered by
// like count descending then normalized text ascending. Equal-size clusters
// are ordered by this hash, which keeps the bundle stable under cluster key
// permutations.
func ClusterSignatureHash(samples []Sample, topM int) string {
	ordered := make([]Sample, len(samples))
	copy(ordered, samples)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].LikeCount != ordered[j].LikeCount {
			return ordered[i].LikeCount > ordered[j].LikeCount
		}
		return textnorm.Normalize(ordered[i].Text, 0) < textnorm.Normalize(ordered[j].Text, 0)
	})
	if topM > 0 && len(ordered) > topM {
		ordered = ordered[:topM]
	}
	parts := make([]string, 0, len(ordered))
	for _, s := range ordered {
		if s.Text == "" {
			continue
		}
		parts = append(parts, textnorm.Normalize(s.Text, 0))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}

// OrderClusters sorts clusters by size descending, breaking ties by
// signature hash ascending.
func OrderClusters(clusters []Cluster) []Cluster {
	type entry struct {
		cluster Cluster
		sig     string
	}
	entries := make([]entry, 0, len(clusters))
	for _, c := range clusters {
		entries = append(entries, entry{cluster: c, sig: ClusterSignatureHash(c.Samples, TopMClusterSamples)})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].cluster.Size != entries[j].cluster.Size {
			return entries[i].cluster.Size > entries[j].cluster.Size
		}
		return entries[i].sig < entries[j].sig
	})
	out := make([]Cluster, len(entries))
	for i, e := range entries {
		out[i] = e.cluster
	}
	return out
}

// SelectReactionSamples picks the normalized reaction texts for the bundle:
// the highest-liked sample of each ordered cluster, then global top comments
// by like count, deduplicated by normalized text and capped at
// len(clusters)+TopKGlobalReactions entries.
func SelectReactionSamples(clusters []Cluster, comments []Sample) []string {
	ordered := OrderClusters(clusters)
	picked := make([]string, 0, len(ordered)+TopKGlobalReactions)
	seen := make(map[string]struct{})

	for _, c := range ordered {
		if len(c.Samples) == 0 {
			continue
		}
		top := c.Samples[0]
		topNorm := textnorm.Normalize(top.Text, 0)
		for _, s := range c.Samples[1:] {
			sNorm := textnorm.Normalize(s.Text, 0)
			if s.LikeCount > top.LikeCount || (s.LikeCount == top.LikeCount && sNorm > topNorm) {
				top, topNorm = s, sNorm
			}
		}
		if topNorm == "" {
			continue
		}
		if _, dup := seen[topNorm]; dup {
			continue
		}
		seen[topNorm] = struct{}{}
		picked = append(picked, topNorm)
	}

	global := make([]Sample, len(comments))
	copy(global, comments)
	sort.SliceStable(global, func(i, j int) bool {
		if global[i].LikeCount != global[j].LikeCount {
			return global[i].LikeCount > global[j].LikeCount
		}
		return textnorm.Normalize(global[i].Text, 0) < textnorm.Normalize(global[j].Text, 0)
	})
	for _, c := range global {
		if len(picked) >= len(ordered)+TopKGlobalReactions {
			break
		}
		norm := textnorm.Normalize(c.Text, 0)
		if norm == "" {
			continue
		}
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}
		picked = append(picked, norm)
	}
	return picked
}

// BuildEvidenceBundle assembles the three-slot bundle. Image OCR text is
// aggregated in stable image order; when no image carries text the explicit
// ocrFullText argument is used instead.
func BuildEvidenceBundle(postText, ocrFullText string, comments []Sample, clusters []Cluster, images []models.PostImage) EvidenceBundle {
	trigger := textnorm.Normalize(postText, TriggerMaxLen)

	var ocrParts []string
	for _, img := range images {
		if txt := img.OCRText(); txt != "" {
			ocrParts = append(ocrParts, txt)
		}
	}
	artifactSource := ocrFullText
	if len(ocrParts) > 0 {
		artifactSource = strings.Join(ocrParts, "\n")
	}
	artifact := textnorm.Normalize(artifactSource, ArtifactMaxLen)

	raw := SelectReactionSamples(clusters, comments)
	reactions := make([]string, 0, len(raw))
	for _, r := range raw {
		if r == "" {
			continue
		}
		reactions = append(reactions, textnorm.Truncate(r, ReactionMaxLen))
	}

	template := fmt.Sprintf("TRIGGER:\n%s\n\nARTIFACT:\n%s\n\nREACTIONS:\n%s\n",
		trigger, artifact, strings.Join(reactions, "\n"))
	fp := strings.TrimSpace(template)
	sum := sha256.Sum256([]byte(fp))

	return EvidenceBundle{
		Fingerprint: fp,
		CaseID:      hex.EncodeToString(sum[:]),
		Trigger:     trigger,
		Artifact:    artifact,
		Reactions:   reactions,
		Version:     Version,
	}
}

// DeterministicPhenomenonID mints the UUIDv5 identity for a fingerprint.
func DeterministicPhenomenonID(fp string) uuid.UUID {
	return uuid.NewSHA1(Namespace, []byte(fp))
}

// EmbeddingHash produces a stable content hash for an embedding vector,
// formatting each component with six decimal places.
func EmbeddingHash(vec []float32) string {
	h := sha256.New()
	for _, v := range vec {
		fmt.Fprintf(h, "%.6f", v)
	}
	return hex.EncodeToString(h.Sum(nil))
}
