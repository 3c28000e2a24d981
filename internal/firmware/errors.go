package firmware

import "errors"

// Domain errors for the firmware store.
var (
	// ErrFirmwareNotFound is returned when no firmware has the requested ID.
	ErrFirmwareNotFound = errors.New("firmware: not found")

	// ErrInvalidArtifact is returned for uploads that are not a usable
	// firmware binary (wrong extension, empty, or missing version).
	ErrInvalidArtifact = errors.New("firmware: invalid artifact")

	// ErrMissingDevice is returned when an upload names no target device.
	ErrMissingDevice = errors.New("firmware: target device is required")
)
