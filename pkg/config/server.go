package config

import "time"

// ServerConfig configures the HTTP surface and the degraded read cache that
// sits in front of list/detail endpoints.
type ServerConfig struct {
	// Port the gin server listens on.
	Port string

	// DevMode exposes debug endpoints and truncated traces in 5xx bodies.
	DevMode bool

	// CacheTTL is the freshness window of the degraded read cache.
	CacheTTL time.Duration

	// CacheMaxKeys bounds the cache; the least recently written key is
	// evicted on overflow.
	CacheMaxKeys int
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:         "8080",
		DevMode:      false,
		CacheTTL:     2 * time.Second,
		CacheMaxKeys: 256,
	}
}

// LoadServerFromEnv applies environment overrides to the server defaults.
func LoadServerFromEnv() ServerConfig {
	cfg := DefaultServerConfig()
	cfg.Port = getEnvOrDefault("HTTP_PORT", cfg.Port)
	cfg.DevMode = envBool("DEV_MODE", cfg.DevMode)
	cfg.CacheTTL = envDuration("READ_CACHE_TTL", cfg.CacheTTL)
	cfg.CacheMaxKeys = envInt("READ_CACHE_MAX_KEYS", cfg.CacheMaxKeys)
	return cfg
}
