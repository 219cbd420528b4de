package config

import "time"

// CrawlerConfig locates the external renderer sidecar that fetches and
// scrolls thread pages. The renderer is a black box; only its HTTP contract
// is configured here.
type CrawlerConfig struct {
	// BaseURL of the renderer service, e.g. http://localhost:8800.
	BaseURL string

	// Timeout for one render round-trip, scroll phase included.
	Timeout time.Duration

	// TargetCommentBlocks asks the renderer to keep scrolling until roughly
	// this many comment blocks are visible.
	TargetCommentBlocks int
}

// DefaultCrawlerConfig returns the built-in crawler defaults.
func DefaultCrawlerConfig() CrawlerConfig {
	return CrawlerConfig{
		BaseURL:             "http://localhost:8800",
		Timeout:             90 * time.Second,
		TargetCommentBlocks: 40,
	}
}

// LoadCrawlerFromEnv applies environment overrides to the crawler defaults.
func LoadCrawlerFromEnv() CrawlerConfig {
	cfg := DefaultCrawlerConfig()
	cfg.BaseURL = getEnvOrDefault("CRAWLER_URL", cfg.BaseURL)
	cfg.Timeout = envDuration("CRAWLER_TIMEOUT", cfg.Timeout)
	cfg.TargetCommentBlocks = envInt("CRAWLER_TARGET_COMMENT_BLOCKS", cfg.TargetCommentBlocks)
	return cfg
}
