package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	retryAttempts    = 3
	retryBackoffBase = 300 * time.Millisecond
)

// Postgres error classes treated as transient: connection exceptions and
// admin-initiated shutdowns. Logic errors (constraint violations, bad SQL)
// are never in this set.
var transientPgClasses = map[string]bool{
	"08": true, // connection exception
	"57": true, // operator intervention (57P01 admin shutdown etc.)
	"53": true, // insufficient resources (too_many_connections)
}

// undefinedFunction is the SQLSTATE raised when a required RPC is absent.
const undefinedFunction = "42883"

// withRetry runs fn up to retryAttempts times with exponential backoff
// 0.3·2^i seconds, retrying only on the explicit transient allowlist.
// Widening the allowlist silently masks logic bugs; keep it closed.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(float64(retryBackoffBase) * math.Pow(2, float64(attempt-1)))
			slog.Warn("Retrying store operation", "op", op, "attempt", attempt+1, "backoff", backoff, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == undefinedFunction {
			return errors.Join(ErrMissingRPC, err)
		}
		if !isTransient(err) {
			return err
		}
	}
	return err
}

// isTransient reports whether err belongs to the closed transient-network
// allowlist: connection resets and refusals, read timeouts, EOF mid-protocol,
// pool exhaustion, and the transient Postgres error classes.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientPgClasses[pgErr.Code[:2]]
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection reset",
		"connection refused",
		"broken pipe",
		"i/o timeout",
		"protocol error",
		"too many clients",
		"pool exhausted",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
