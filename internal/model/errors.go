package model

import "errors"

var (
	// ErrInvalidArgument indicates a constructor was given a missing or
	// malformed required field. Reported synchronously, never defaulted.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound indicates the referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates a write was based on a stale optimistic
	// version. The caller must re-fetch and retry the whole operation.
	ErrVersionConflict = errors.New("version conflict")

	// ErrAlreadyTerminal indicates an operation on a completed or cancelled task.
	ErrAlreadyTerminal = errors.New("task already completed or cancelled")
)
