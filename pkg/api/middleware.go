package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// degradedHeader marks responses served from a stale cache after a store
// failure.
const degradedHeader = "x-ops-degraded"

// markDegraded sets the degraded header when a read fell back to the cache.
func markDegraded(c *gin.Context, degraded bool) {
	if degraded {
		c.Header(degradedHeader, "1")
	}
}

// requestLogger logs one line per request with method, path, status, and
// latency.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		switch {
		case status >= 500:
			slog.Error("Request failed", attrs...)
		case status >= 400:
			slog.Warn("Request rejected", attrs...)
		default:
			slog.Info("Request served", attrs...)
		}
	}
}
