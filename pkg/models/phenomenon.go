package models

import (
	"time"

	"github.com/pgvector/pgvector-go"
)

// PhenomenonStatus is the registry lifecycle state. Transitions only move
// forward: pending → (matched|minted) → active, or → failed.
type PhenomenonStatus string

const (
	PhenomenonPending     PhenomenonStatus = "pending"
	PhenomenonProvisional PhenomenonStatus = "provisional"
	PhenomenonMatched     PhenomenonStatus = "matched"
	PhenomenonMinted      PhenomenonStatus = "minted"
	PhenomenonActive      PhenomenonStatus = "active"
	PhenomenonFailed      PhenomenonStatus = "failed"

	PhenomenonStatusOther PhenomenonStatus = "other"
)

// ParsePhenomenonStatus coerces a raw string to a PhenomenonStatus.
func ParsePhenomenonStatus(s string) (PhenomenonStatus, bool) {
	switch PhenomenonStatus(s) {
	case PhenomenonPending, PhenomenonProvisional, PhenomenonMatched,
		PhenomenonMinted, PhenomenonActive, PhenomenonFailed:
		return PhenomenonStatus(s), true
	}
	return PhenomenonStatusOther, false
}

// Patchable reports whether an existing phenomenon identity carrying this
// status may still be replaced. Finalized phenomena are never overwritten;
// an identity with no recorded status counts as finalized.
func (s PhenomenonStatus) Patchable() bool {
	return s == PhenomenonPending || s == PhenomenonFailed ||
		s == PhenomenonProvisional
}

// Phenomenon is one row in narrative_phenomena, the global registry of
// narrative identities. occurrence_count is monotonic and incremented only
// through the increment_occurrence RPC.
type Phenomenon struct {
	ID             string           `json:"id"`
	CanonicalName  *string          `json:"canonical_name,omitempty"`
	Description    *string          `json:"description,omitempty"`
	Status         PhenomenonStatus `json:"status"`
	Embedding      *pgvector.Vector `json:"embedding_v768,omitempty"`
	OccurrenceCnt  int              `json:"occurrence_count"`
	MintedByCaseID *string          `json:"minted_by_case_id,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// PhenomenonMatch is one vector-search candidate from match_phenomena_v768.
type PhenomenonMatch struct {
	ID            string  `json:"id"`
	CanonicalName *string `json:"canonical_name,omitempty"`
	Status        string  `json:"status"`
	Similarity    float64 `json:"similarity"`
}

// PhenomenonStats aggregates post-side activity for one phenomenon.
type PhenomenonStats struct {
	TotalPosts int        `json:"total_posts"`
	TotalLikes int        `json:"total_likes"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}
