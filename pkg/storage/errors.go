package storage

import "errors"

// Sentinel errors for ledger operations.
var (
	// ErrNotFound is returned when a stream record does not exist or belongs
	// to another tenant.
	ErrNotFound = errors.New("stream record not found")

	// ErrConflict is returned when a record with the given ID already exists.
	ErrConflict = errors.New("stream record already exists")
)
