package config

import (
	"os"
	"time"
)

// LLMConfig configures the shared Gemini client.
type LLMConfig struct {
	APIKey      string
	ChatModel   string
	VisionModel string
	EmbedModel  string
	Temperature float32

	// MinCallInterval spaces successive vision model calls.
	MinCallInterval time.Duration
}

// DefaultLLMConfig returns model defaults without credentials.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		ChatModel:       "gemini-2.0-flash",
		VisionModel:     "gemini-2.0-flash",
		EmbedModel:      "models/text-embedding-004",
		Temperature:     0.2,
		MinCallInterval: 2 * time.Second,
	}
}

// LoadLLMFromEnv loads LLM configuration. The API key is read but not
// validated here; the client constructor hard-fails when it is required and
// absent, so preview-only tooling can still load configuration.
func LoadLLMFromEnv() (LLMConfig, error) {
	cfg := DefaultLLMConfig()
	cfg.APIKey = os.Getenv("GEMINI_API_KEY")
	cfg.ChatModel = getEnvOrDefault("GEMINI_MODEL", cfg.ChatModel)
	cfg.VisionModel = getEnvOrDefault("GEMINI_VISION_MODEL", cfg.VisionModel)
	cfg.EmbedModel = getEnvOrDefault("GEMINI_EMBED_MODEL", cfg.EmbedModel)
	cfg.Temperature = float32(envFloat("GEMINI_TEMPERATURE", float64(cfg.Temperature)))
	cfg.MinCallInterval = envDuration("GEMINI_MIN_CALL_INTERVAL", cfg.MinCallInterval)
	return cfg, nil
}
