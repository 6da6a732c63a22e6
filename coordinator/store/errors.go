package store

import "errors"

var (
	// ErrNotFound: the referenced agent or scan does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict: the requested state transition is not allowed from the
	// record's current state (double-claim, contradicting terminal re-report).
	ErrConflict = errors.New("conflicting state transition")
)
