package bridge

import "errors"

// Domain errors for the bridge package.
var (
	// ErrMalformedPayload is returned when a message body is not the JSON
	// object its topic calls for.
	ErrMalformedPayload = errors.New("bridge: malformed payload")

	// ErrMissingVersion is returned for download and install reports that
	// do not name a version. Such reports are dropped.
	ErrMissingVersion = errors.New("bridge: report without version")

	// ErrUnknownTopic is returned for messages on topics the bridge does
	// not handle.
	ErrUnknownTopic = errors.New("bridge: unknown topic")

	// ErrNotConnected is returned when publishing while the broker is
	// unreachable.
	ErrNotConnected = errors.New("bridge: not connected to broker")

	// ErrStopped is returned by operations after Stop.
	ErrStopped = errors.New("bridge: stopped")
)
