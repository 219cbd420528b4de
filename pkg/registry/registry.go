// Package registry assigns each analyzed post a deterministic global
// narrative identity. Match-or-mint: semantically similar fingerprints
// converge on an existing phenomenon; genuinely new ones mint a UUIDv5
// identity derived from the fingerprint itself.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pgvector/pgvector-go"

	"github.com/narrativelab/threadscope/pkg/config"
	"github.com/narrativelab/threadscope/pkg/fingerprint"
	"github.com/narrativelab/threadscope/pkg/models"
	"github.com/narrativelab/threadscope/pkg/store"
)

// Outcomes of a match-or-mint run.
const (
	OutcomeMatched = "matched"
	OutcomeMinted  = "minted"
)

// EmbeddingDim is the registry's fixed vector dimension. A model producing a
// different dimension is a deployment error, not a data problem.
const EmbeddingDim = 768

// ErrDimensionMismatch aborts enrichment when the embedding model disagrees
// with the registry schema.
var ErrDimensionMismatch = errors.New("registry embedding dimension mismatch")

// Embedder is the slice of the LLM client the registry needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Store is the registry's persistence surface.
type Store interface {
	MatchPhenomena(ctx context.Context, embedding []float32, threshold float64, topK int) ([]models.PhenomenonMatch, error)
	UpsertPhenomenon(ctx context.Context, ph *models.Phenomenon) error
	GetPhenomenon(ctx context.Context, id string) (*models.Phenomenon, error)
	SetPhenomenonStatus(ctx context.Context, id string, status models.PhenomenonStatus) error
	IncrementOccurrence(ctx context.Context, phenomenonID string) error
	GetPost(ctx context.Context, id int64) (*models.Post, error)
	PatchPost(ctx context.Context, id int64, fields map[string]any) error
}

// Registry runs match-or-mint and the post patch that follows it.
type Registry struct {
	embedder Embedder
	store    Store
	cfg      config.EnrichConfig
}

// New builds a registry over an embedder and a store.
func New(embedder Embedder, st Store, cfg config.EnrichConfig) *Registry {
	return &Registry{embedder: embedder, store: st, cfg: cfg}
}

// Decision is the result of one match-or-mint run.
type Decision struct {
	Outcome      string  `json:"outcome"`
	PhenomenonID string  `json:"phenomenon_id"`
	Confidence   float64 `json:"confidence"`
	CaseID       string  `json:"case_id"`
}

// MatchOrMint resolves an evidence bundle to a phenomenon identity and
// records the occurrence. The occurrence RPC must exist; its absence is a
// hard failure so registries never drift silently.
func (r *Registry) MatchOrMint(ctx context.Context, bundle fingerprint.EvidenceBundle, proposedName, proposedDesc string) (*Decision, error) {
	embedding, err := r.embedder.Embed(ctx, bundle.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to embed fingerprint: %w", err)
	}
	if len(embedding) != EmbeddingDim {
		return nil, fmt.Errorf("%w: got %d, registry stores %d", ErrDimensionMismatch, len(embedding), EmbeddingDim)
	}

	deterministicID := fingerprint.DeterministicPhenomenonID(bundle.Fingerprint).String()

	matches, err := r.store.MatchPhenomena(ctx, embedding, r.cfg.MatchThreshold, r.cfg.MatchTopK)
	if err != nil {
		return nil, fmt.Errorf("failed to query registry candidates: %w", err)
	}

	decision := &Decision{CaseID: bundle.CaseID}
	if len(matches) > 0 && matches[0].Similarity >= r.cfg.MatchThreshold {
		decision.Outcome = OutcomeMatched
		decision.PhenomenonID = matches[0].ID
		decision.Confidence = matches[0].Similarity * 100
	} else {
		decision.Outcome = OutcomeMinted
		decision.PhenomenonID = deterministicID
		decision.Confidence = 100
	}

	status := models.PhenomenonMatched
	if decision.Outcome == OutcomeMinted {
		status = models.PhenomenonMinted
	}

	name := proposedName
	desc := proposedDesc
	if decision.Outcome == OutcomeMinted {
		// Minted rows must stay readable in the library even when the analyst
		// proposed nothing.
		if name == "" {
			name = "MINTED_" + decision.PhenomenonID[:8]
		}
		if desc == "" {
			desc = "(auto) pending governance"
		}
	}

	row := &models.Phenomenon{
		ID:     decision.PhenomenonID,
		Status: status,
	}
	if name != "" {
		row.CanonicalName = &name
	}
	if desc != "" {
		row.Description = &desc
	}
	if decision.Outcome == OutcomeMinted {
		vec := pgvector.NewVector(embedding)
		row.Embedding = &vec
		caseID := bundle.CaseID
		row.MintedByCaseID = &caseID
	}
	if err := r.store.UpsertPhenomenon(ctx, row); err != nil {
		return nil, fmt.Errorf("failed to upsert phenomenon: %w", err)
	}

	// The upsert's conflict path never touches status, so an existing row
	// keeps whatever state it carried. Move it to the resolved outcome only
	// while it is still patchable; finalized rows never move backward.
	current, err := r.store.GetPhenomenon(ctx, decision.PhenomenonID)
	if err != nil {
		return nil, fmt.Errorf("failed to read back phenomenon: %w", err)
	}
	if current.Status != status && current.Status.Patchable() {
		if err := r.store.SetPhenomenonStatus(ctx, decision.PhenomenonID, status); err != nil {
			return nil, fmt.Errorf("failed to update phenomenon status: %w", err)
		}
	}

	// Occurrence accounting is not best-effort: a missing RPC means the
	// migration set is incomplete and the operator must know.
	if err := r.store.IncrementOccurrence(ctx, decision.PhenomenonID); err != nil {
		if errors.Is(err, store.ErrMissingRPC) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to increment occurrence: %w", err)
	}

	slog.Info("Match-or-mint resolved",
		"outcome", decision.Outcome,
		"phenomenon_id", decision.PhenomenonID,
		"confidence", decision.Confidence)
	return decision, nil
}

// PatchPost writes the resolved identity onto the post and its stored
// analysis document. Already-finalized phenomena are left untouched.
func (r *Registry) PatchPost(ctx context.Context, postID int64, decision *Decision) (bool, error) {
	post, err := r.store.GetPost(ctx, postID)
	if err != nil {
		return false, fmt.Errorf("failed to load post for phenomenon patch: %w", err)
	}

	patchable := post.PhenomenonID == nil || *post.PhenomenonID == ""
	if !patchable && post.PhenomenonStatus != nil {
		current, _ := models.ParsePhenomenonStatus(*post.PhenomenonStatus)
		patchable = current.Patchable()
	}
	if !patchable {
		slog.Info("Post phenomenon already finalized, skipping patch", "post_id", postID, "status", post.PhenomenonStatus)
		return false, nil
	}

	status := decision.Outcome
	analysisJSON := post.AnalysisJSON
	if analysisJSON == nil {
		analysisJSON = map[string]any{}
	}
	phBlock, _ := analysisJSON["phenomenon"].(map[string]any)
	if phBlock == nil {
		phBlock = map[string]any{}
	}
	phBlock["id"] = decision.PhenomenonID
	phBlock["status"] = status
	analysisJSON["phenomenon"] = phBlock
	analysisJSON["phenomenon_status"] = status
	analysisJSON["phenomenon_case_id"] = decision.CaseID
	analysisJSON["match_ruleset_version"] = fingerprint.MatchRulesetVersion
	analysisJSON["fingerprint_version"] = fingerprint.Version
	analysisJSON["registry_version"] = fingerprint.RegistryVersion

	err = r.store.PatchPost(ctx, postID, map[string]any{
		"phenomenon_id":      decision.PhenomenonID,
		"phenomenon_status":  status,
		"phenomenon_case_id": decision.CaseID,
		"analysis_json":      analysisJSON,
	})
	if err != nil {
		return false, fmt.Errorf("failed to patch post phenomenon fields: %w", err)
	}
	return true, nil
}
