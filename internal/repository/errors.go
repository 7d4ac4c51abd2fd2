package repository

import "errors"

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")

	// ErrConflict indicates an identity collision or a disallowed deletion.
	ErrConflict = errors.New("repository: conflict")

	// ErrInvalidArgument indicates input rejected before any state change.
	ErrInvalidArgument = errors.New("repository: invalid argument")

	// ErrActiveRun indicates the single-flight guarantee blocked a new run.
	ErrActiveRun = errors.New("repository: stack has an active run")
)
