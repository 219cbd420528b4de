package store

import "errors"

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrNoItemsAvailable is returned by ClaimJobItem when no pending or
	// lease-expired item exists for the job.
	ErrNoItemsAvailable = errors.New("no claimable job items")

	// ErrConflict is returned when a state transition is not permitted from
	// the row's current state.
	ErrConflict = errors.New("state conflict")

	// ErrMissingRPC is returned when a required SQL function is absent from
	// the schema. This is an operator error: migrations were not applied.
	// The store never substitutes client-side logic for a missing function.
	ErrMissingRPC = errors.New("required store function is missing: run migrations")
)
