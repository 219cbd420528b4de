package config

import "time"

// QueueConfig controls how job items are claimed, leased, and processed.
type QueueConfig struct {
	// WorkersPerJob is the number of concurrent workers dispatched per job.
	// Hard-capped by MaxWorkersPerJob.
	WorkersPerJob int

	// MaxWorkersPerJob is the upper bound any job may request.
	MaxWorkersPerJob int

	// LeaseTTL is the claim lease duration. A lease not refreshed by the item
	// heartbeat within this window makes the item reclaimable.
	LeaseTTL time.Duration

	// HeartbeatInterval is how often a worker touches its claimed item and the
	// job header while processing. Must stay well under LeaseTTL.
	HeartbeatInterval time.Duration

	// ItemTimeout is the maximum wall time one item may spend in its pipeline.
	ItemTimeout time.Duration

	// GracefulShutdownTimeout is the max wait for in-flight items on shutdown.
	GracefulShutdownTimeout time.Duration

	// StaleThreshold is how long a job may go without a heartbeat, with work
	// remaining, before summary readers report it as stale.
	StaleThreshold time.Duration
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		WorkersPerJob:           2,
		MaxWorkersPerJob:        3,
		LeaseTTL:                60 * time.Second,
		HeartbeatInterval:       4 * time.Second,
		ItemTimeout:             10 * time.Minute,
		GracefulShutdownTimeout: 2 * time.Minute,
		StaleThreshold:          60 * time.Second,
	}
}

// LoadQueueFromEnv applies environment overrides to the queue defaults,
// clamping worker counts to the hard cap.
func LoadQueueFromEnv() *QueueConfig {
	cfg := DefaultQueueConfig()
	cfg.WorkersPerJob = envInt("JOB_WORKERS", cfg.WorkersPerJob)
	cfg.LeaseTTL = envDuration("JOB_LEASE_TTL", cfg.LeaseTTL)
	cfg.ItemTimeout = envDuration("JOB_ITEM_TIMEOUT", cfg.ItemTimeout)
	if cfg.WorkersPerJob < 1 {
		cfg.WorkersPerJob = 1
	}
	if cfg.WorkersPerJob > cfg.MaxWorkersPerJob {
		cfg.WorkersPerJob = cfg.MaxWorkersPerJob
	}
	return cfg
}
