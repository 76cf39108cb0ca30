package repository

import "errors"

var (
	// ErrConflict indicates a conditional update matched zero rows because
	// another caller changed the row first. Callers must re-poll, not
	// retry the same claim.
	ErrConflict = errors.New("conflict: row already claimed or changed")

	// ErrNotFound indicates the requested row does not exist, or the
	// caller is not authorized to see it.
	ErrNotFound = errors.New("not found")
)
