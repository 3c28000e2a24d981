package influxdb

import "errors"

// Sentinel errors for InfluxDB operations.
var (
	// ErrNotConnected indicates the client is closed or was never connected.
	ErrNotConnected = errors.New("influxdb: not connected")

	// ErrConnectionFailed indicates the initial ping failed.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrDisabled indicates telemetry is switched off in configuration.
	ErrDisabled = errors.New("influxdb: disabled in configuration")
)
