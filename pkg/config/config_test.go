package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultQueueConfig(t *testing.T) {
	cfg := DefaultQueueConfig()
	assert.Equal(t, 2, cfg.WorkersPerJob)
	assert.Equal(t, 3, cfg.MaxWorkersPerJob)
	assert.Equal(t, 60*time.Second, cfg.LeaseTTL)
	assert.Less(t, cfg.HeartbeatInterval, cfg.LeaseTTL)
}

func TestLoadQueueFromEnvClampsWorkers(t *testing.T) {
	t.Setenv("JOB_WORKERS", "10")
	cfg := LoadQueueFromEnv()
	assert.Equal(t, cfg.MaxWorkersPerJob, cfg.WorkersPerJob)

	t.Setenv("JOB_WORKERS", "0")
	cfg = LoadQueueFromEnv()
	assert.Equal(t, 1, cfg.WorkersPerJob)

	t.Setenv("JOB_WORKERS", "not-a-number")
	cfg = LoadQueueFromEnv()
	assert.Equal(t, 2, cfg.WorkersPerJob)
}

func TestLoadQueueFromEnvDurations(t *testing.T) {
	t.Setenv("JOB_LEASE_TTL", "90s")
	t.Setenv("JOB_ITEM_TIMEOUT", "5m")
	cfg := LoadQueueFromEnv()
	assert.Equal(t, 90*time.Second, cfg.LeaseTTL)
	assert.Equal(t, 5*time.Minute, cfg.ItemTimeout)
}

func TestLoadServerFromEnv(t *testing.T) {
	t.Setenv("HTTP_PORT", "9999")
	t.Setenv("DEV_MODE", "true")
	t.Setenv("READ_CACHE_TTL", "750ms")
	t.Setenv("READ_CACHE_MAX_KEYS", "32")

	cfg := LoadServerFromEnv()
	assert.Equal(t, "9999", cfg.Port)
	assert.True(t, cfg.DevMode)
	assert.Equal(t, 750*time.Millisecond, cfg.CacheTTL)
	assert.Equal(t, 32, cfg.CacheMaxKeys)
}

func TestLoadServerFromEnvDefaults(t *testing.T) {
	t.Setenv("HTTP_PORT", "")
	t.Setenv("DEV_MODE", "")
	t.Setenv("READ_CACHE_TTL", "")
	t.Setenv("READ_CACHE_MAX_KEYS", "")

	cfg := LoadServerFromEnv()
	assert.Equal(t, "8080", cfg.Port)
	assert.False(t, cfg.DevMode)
	assert.Equal(t, 2*time.Second, cfg.CacheTTL)
	assert.Equal(t, 256, cfg.CacheMaxKeys)
}

func TestEnvBoolSpellings(t *testing.T) {
	tests := []struct {
		value    string
		def      bool
		expected bool
	}{
		{"1", false, true},
		{"true", false, true},
		{"YES", false, true},
		{"on", false, true},
		{"0", true, false},
		{"false", true, false},
		{"No", true, false},
		{"off", true, false},
		{"maybe", true, true},
		{"", false, false},
	}
	for _, tt := range tests {
		t.Setenv("TS_TEST_BOOL", tt.value)
		assert.Equal(t, tt.expected, envBool("TS_TEST_BOOL", tt.def), "value %q", tt.value)
	}
}

func TestLoadLLMFromEnv(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key")
	t.Setenv("GEMINI_MODEL", "gemini-override")
	t.Setenv("GEMINI_TEMPERATURE", "0.7")

	cfg, err := LoadLLMFromEnv()
	assert.NoError(t, err)
	assert.Equal(t, "test-key", cfg.APIKey)
	assert.Equal(t, "gemini-override", cfg.ChatModel)
	assert.InDelta(t, 0.7, float64(cfg.Temperature), 0.001)
}

func TestValidateEnum(t *testing.T) {
	assert.NoError(t, validateEnum("mode", "a", "a", "b"))
	err := validateEnum("mode", "c", "a", "b")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), `invalid mode "c"`)
}
