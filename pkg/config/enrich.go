package config

import "os"

// EnrichConfig controls post-analysis phenomenon enrichment and the optional
// comment-cluster assignment write-back.
type EnrichConfig struct {
	// Enabled turns the registry enrichment step on or off entirely.
	Enabled bool

	// Inline runs enrichment synchronously after the analysis write; when
	// false it is dispatched to the background pool.
	Inline bool

	// Workers sizes the background enrichment pool.
	Workers int

	// PersistAssignments gates the idempotent cluster-assignment write-back
	// onto threads_comments.
	PersistAssignments bool

	// MatchThreshold is the cosine similarity floor for a registry match.
	MatchThreshold float64

	// MatchTopK is how many candidates the vector search returns.
	MatchTopK int
}

// DefaultEnrichConfig returns the built-in enrichment defaults.
func DefaultEnrichConfig() EnrichConfig {
	return EnrichConfig{
		Enabled:            true,
		Inline:             true,
		Workers:            2,
		PersistAssignments: false,
		MatchThreshold:     0.86,
		MatchTopK:          5,
	}
}

// LoadEnrichFromEnv loads enrichment configuration. Both the current and the
// legacy enable flags are honored; either turning the step off wins.
func LoadEnrichFromEnv() EnrichConfig {
	cfg := DefaultEnrichConfig()
	cfg.Enabled = envBool("ENABLE_PHENOMENON_ENRICHMENT", cfg.Enabled)
	if _, ok := os.LookupEnv("DL_ENABLE_PHENOMENON_ENRICHER"); ok {
		cfg.Enabled = cfg.Enabled && envBool("DL_ENABLE_PHENOMENON_ENRICHER", true)
	}
	cfg.Inline = envBool("DL_ENRICH_INLINE", cfg.Inline)
	cfg.Workers = envInt("DL_ENRICH_WORKERS", cfg.Workers)
	cfg.PersistAssignments = envBool("DL_PERSIST_ASSIGNMENTS", cfg.PersistAssignments)
	cfg.MatchThreshold = envFloat("PHENOMENON_MATCH_THRESHOLD", cfg.MatchThreshold)
	cfg.MatchTopK = envInt("PHENOMENON_MATCH_TOPK", cfg.MatchTopK)
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return cfg
}
