package ota

import "errors"

// Domain errors for the ota package.
var (
	// ErrFirmwareMismatch is returned when a firmware is sent to a device
	// other than the one it was uploaded for.
	ErrFirmwareMismatch = errors.New("ota: firmware targets a different device")

	// ErrPublishFailed is returned when an update command could not be
	// handed to the broker. The device is left idle.
	ErrPublishFailed = errors.New("ota: publishing update command failed")

	// ErrInvalidRequest is returned for requests missing a required field.
	ErrInvalidRequest = errors.New("ota: invalid request")
)
