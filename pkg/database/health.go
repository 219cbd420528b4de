package database

import (
	"context"
	"database/sql"
	"time"
)

// Health is the connectivity and pool-pressure snapshot served on /healthz.
// Wait counters are cumulative since process start; sustained growth there
// means the pool is undersized for the batch workers.
type Health struct {
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
	PingMs    int64  `json:"ping_ms"`
	OpenConns int    `json:"open_conns"`
	InUse     int    `json:"in_use"`
	Idle      int    `json:"idle"`
	WaitCount int64  `json:"wait_count"`
	WaitMs    int64  `json:"wait_ms"`
	MaxOpen   int    `json:"max_open"`
}

// CheckHealth pings the database and snapshots the pool. The snapshot is
// returned even when the ping fails so the health endpoint can still report
// pool pressure.
func CheckHealth(ctx context.Context, db *sql.DB) *Health {
	start := time.Now()
	err := db.PingContext(ctx)

	stats := db.Stats()
	h := &Health{
		Healthy:   err == nil,
		PingMs:    time.Since(start).Milliseconds(),
		OpenConns: stats.OpenConnections,
		InUse:     stats.InUse,
		Idle:      stats.Idle,
		WaitCount: stats.WaitCount,
		WaitMs:    stats.WaitDuration.Milliseconds(),
		MaxOpen:   stats.MaxOpenConnections,
	}
	if err != nil {
		h.Error = err.Error()
	}
	return h
}
