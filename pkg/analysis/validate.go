package analysis

import (
	"strings"

	"github.com/narrativelab/threadscope/pkg/models"
)

const minEvidenceRefs = 2

// Validation outcome reasons.
const (
	ReasonUnsupportedVersion = "unsupported_version"
	ReasonMissingKeys        = "missing_required_keys"
	ReasonThinEvidence       = "insufficient_evidence"
)

// Validate checks a fused document against the persistence contract. A false
// result marks the post invalid but never fails the pipeline.
func Validate(doc *models.AnalysisV4) (ok bool, reason string, missingKeys []string) {
	if doc == nil {
		return false, ReasonMissingKeys, []string{"analysis"}
	}

	if !models.SupportedAnalysisVersion(doc.VersionOrDefault()) {
		return false, ReasonUnsupportedVersion, nil
	}

	if strings.TrimSpace(doc.Post.PostID) == "" {
		missingKeys = append(missingKeys, "post.post_id")
	}
	if doc.Post.Text == nil || strings.TrimSpace(*doc.Post.Text) == "" {
		missingKeys = append(missingKeys, "post.text")
	}
	if doc.Post.Timestamp == nil || doc.Post.Timestamp.IsZero() {
		missingKeys = append(missingKeys, "post.timestamp")
	}
	if !hasPhenomenonPresence(doc.Phenomenon) {
		missingKeys = append(missingKeys, "phenomenon")
	}
	if len(missingKeys) > 0 {
		return false, ReasonMissingKeys, missingKeys
	}

	// The evidence floor applies only when a block was produced at all.
	if doc.Evidence != nil && len(doc.Evidence.Refs) < minEvidenceRefs {
		return false, ReasonThinEvidence, nil
	}
	return true, "", nil
}

// hasPhenomenonPresence accepts a registry id, a model-proposed name, or an
// explicit pending marker.
func hasPhenomenonPresence(ph models.AnalysisPhenomenon) bool {
	if ph.ID != nil && *ph.ID != "" {
		return true
	}
	if ph.Name != nil && *ph.Name != "" {
		return true
	}
	return ph.Status != nil && *ph.Status == phenomenonStatusPending
}
