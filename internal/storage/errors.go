package storage

import "errors"

// Storage errors shared by all ledger implementations.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when inserting a record whose key
	// already exists. Append-only tables do not allow updates; for
	// decisions this is the double-evaluation guard on signal_ref.
	ErrDuplicateKey = errors.New("duplicate key: append-only store does not allow updates")

	// ErrAlreadyClosed is returned by ClosePosition when the row is no
	// longer OPEN. The caller treats it as a no-op: a concurrent close
	// already won the conditional update.
	ErrAlreadyClosed = errors.New("position already closed")

	// ErrContention is returned on a concurrent-write conflict that is
	// neither a duplicate nor an already-closed row. Callers retry once
	// with backoff before propagating.
	ErrContention = errors.New("ledger write contention")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)
