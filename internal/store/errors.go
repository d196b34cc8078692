package store

import "errors"

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a unique resource already exists.
	ErrConflict = errors.New("conflict")

	// ErrValidation is returned for requests that are well-formed but not acceptable.
	ErrValidation = errors.New("validation failed")

	// ErrStorage is returned when blob storage could not complete an operation.
	ErrStorage = errors.New("storage failure")

	// ErrStatusConflict is returned when a guarded transition finds the row in another state.
	ErrStatusConflict = errors.New("status changed concurrently")

	// ErrInvalidTransition is returned when the state machine forbids a transition.
	ErrInvalidTransition = errors.New("invalid status transition")
)
