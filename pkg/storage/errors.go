package storage

import "errors"

var (
	// ErrNotFound covers both missing runs and runs owned by another
	// tenant, so callers cannot probe foreign IDs.
	ErrNotFound = errors.New("run not found")

	// ErrConflict rejects a Save for an ID that is already stored.
	ErrConflict = errors.New("run already exists")
)
