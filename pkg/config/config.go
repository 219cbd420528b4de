// Package config holds per-concern runtime configuration. Each concern has a
// Default constructor and an env loader; main wires them into one Config at
// startup. Spec-level knobs keep the environment variable names operators
// already deploy with.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the umbrella runtime configuration for the server process.
type Config struct {
	Server  ServerConfig
	Queue   *QueueConfig
	LLM     LLMConfig
	Vision  VisionConfig
	Enrich  EnrichConfig
	Crawler CrawlerConfig
}

// Load builds the full configuration from the environment.
func Load() (*Config, error) {
	llm, err := LoadLLMFromEnv()
	if err != nil {
		return nil, err
	}
	vision, err := LoadVisionFromEnv()
	if err != nil {
		return nil, err
	}
	return &Config{
		Server:  LoadServerFromEnv(),
		Queue:   LoadQueueFromEnv(),
		LLM:     llm,
		Vision:  vision,
		Enrich:  LoadEnrichFromEnv(),
		Crawler: LoadCrawlerFromEnv(),
	}, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// envBool accepts the usual truthy spellings; anything else falls back to the
// default rather than failing startup.
func envBool(key string, defaultVal bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func validateEnum(key, val string, allowed ...string) error {
	for _, a := range allowed {
		if val == a {
			return nil
		}
	}
	return fmt.Errorf("invalid %s %q (allowed: %s)", key, val, strings.Join(allowed, ", "))
}
