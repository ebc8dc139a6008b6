package storage

import "github.com/pkg/errors"

var (
	// ErrNotFound is returned when a task or worker row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a task mutation would
	// violate the lifecycle state machine, including any transition out
	// of the absorbing completed/failed states.
	ErrInvalidTransition = errors.New("invalid task state transition")

	// ErrStaleAssignment is returned when a worker reports on a task it
	// no longer holds, whether it was reclaimed back to pending or has
	// since been assigned to a different worker.
	ErrStaleAssignment = errors.New("task is no longer assigned to this worker")
)
