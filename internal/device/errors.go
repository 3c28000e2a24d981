package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, device.ErrUnauthorized) {
//	    // unknown secret
//	}
var (
	// ErrDeviceNotFound is returned when a device ID does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceExists is returned when a name or secret is already registered.
	ErrDeviceExists = errors.New("device: already exists")

	// ErrUnauthorized is returned when no device owns the presented secret.
	ErrUnauthorized = errors.New("device: unauthorized")

	// ErrInvalidName is returned when a device name is empty or too long.
	ErrInvalidName = errors.New("device: invalid name")

	// ErrInvalidStatus is returned for an unknown update status.
	ErrInvalidStatus = errors.New("device: invalid update status")

	// ErrUpdateInFlight is returned when an update command is already
	// awaiting a response from the device.
	ErrUpdateInFlight = errors.New("device: update already in flight")
)
