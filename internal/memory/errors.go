package memory

import "errors"

// Sentinel errors for the memory engine. Callers match with errors.Is.
var (
	// ErrCapacityExceeded is returned by ShortTermStore.Put when an insert
	// would exceed the configured capacity. Recoverable: run a consolidation
	// cycle and retry.
	ErrCapacityExceeded = errors.New("short-term capacity exceeded")

	// ErrNotFound is the normal negative result for a lookup miss.
	ErrNotFound = errors.New("memory not found")

	// ErrStoreUnavailable wraps failures of the persistence backend.
	ErrStoreUnavailable = errors.New("backing store unavailable")

	// ErrInvariantViolation marks graph corruption, e.g. an edge referencing
	// a node absent from its owning store. The offending entry is dropped.
	ErrInvariantViolation = errors.New("graph invariant violated")
)
