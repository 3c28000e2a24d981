package history

import "errors"

// Domain errors for the update history log.
var (
	// ErrInvalidEntry is returned when an entry lacks a device, a version
	// or a known status.
	ErrInvalidEntry = errors.New("history: invalid entry")
)
