// Package store is the single gateway to the relational store. All mutations
// go through the named SQL functions created by migrations; reads go through
// the retry wrapper. One process-wide lock serializes submission because the
// wrapped client is treated as non-reentrant under retry.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Client wraps the database pool with the retry and serialization discipline
// every store access follows.
type Client struct {
	db *sql.DB

	// mu serializes statement submission. Fan-out happens at the worker-pool
	// level, never by hammering the client concurrently mid-retry.
	mu sync.Mutex
}

// NewClient wraps an open database pool.
func NewClient(db *sql.DB) *Client {
	return &Client{db: db}
}

// DB exposes the underlying pool for health checks.
func (c *Client) DB() *sql.DB {
	return c.db
}

const writeTimeout = 5 * time.Second

// exec runs a mutation under the submit lock with retry.
func (c *Client) exec(ctx context.Context, op, query string, args ...any) error {
	return c.withRetry(ctx, op, func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		opCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		_, err := c.db.ExecContext(opCtx, query, args...)
		return err
	})
}

// queryRow runs a single-row read under the submit lock with retry, passing
// the row to scan. scan returning sql.ErrNoRows maps to ErrNotFound.
func (c *Client) queryRow(ctx context.Context, op, query string, scan func(*sql.Row) error, args ...any) error {
	err := c.withRetry(ctx, op, func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		return scan(c.db.QueryRowContext(ctx, query, args...))
	})
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	return err
}

// query runs a multi-row read under the submit lock with retry, passing the
// rows to collect.
func (c *Client) query(ctx context.Context, op, query string, collect func(*sql.Rows) error, args ...any) error {
	return c.withRetry(ctx, op, func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		rows, err := c.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		if err := collect(rows); err != nil {
			return err
		}
		return rows.Err()
	})
}

// marshalJSON encodes v through the JSON-safe serialization pass. A nil map
// or slice becomes SQL NULL rather than the string "null".
func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	safe := jsonSafe(v)
	if safe == nil {
		return nil, nil
	}
	raw, err := json.Marshal(safe)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize payload for store: %w", err)
	}
	if string(raw) == "null" {
		return nil, nil
	}
	return raw, nil
}

func decodeJSONSlice[T any](raw []byte) []T {
	if len(raw) == 0 {
		return nil
	}
	var out []T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func unmarshalMap(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
