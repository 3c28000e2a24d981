package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementHeartbeat = "device_heartbeat"
	MeasurementUpdate    = "ota_update"
)

// WriteHeartbeat records the vitals a device reported with its heartbeat.
func (c *Client) WriteHeartbeat(deviceID, deviceName, version string, uptime, heap, counter int64) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(heartbeatPoint(deviceID, deviceName, version, uptime, heap, counter, time.Now()))
}

// WriteUpdateOutcome records the terminal result of an update attempt.
// status is "success" or "failed"; reason is empty on success.
func (c *Client) WriteUpdateOutcome(deviceID, deviceName, version, status, reason string) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(updatePoint(deviceID, deviceName, version, status, reason, time.Now()))
}

func heartbeatPoint(deviceID, deviceName, version string, uptime, heap, counter int64, ts time.Time) *write.Point {
	return write.NewPoint(
		MeasurementHeartbeat,
		map[string]string{
			"device_id":   deviceID,
			"device_name": deviceName,
			"version":     version,
		},
		map[string]interface{}{
			"uptime_s":   uptime,
			"heap_bytes": heap,
			"counter":    counter,
		},
		ts,
	)
}

func updatePoint(deviceID, deviceName, version, status, reason string, ts time.Time) *write.Point {
	fields := map[string]interface{}{
		"success": status == "success",
	}
	if reason != "" {
		fields["reason"] = reason
	}
	return write.NewPoint(
		MeasurementUpdate,
		map[string]string{
			"device_id":   deviceID,
			"device_name": deviceName,
			"version":     version,
			"status":      status,
		},
		fields,
		ts,
	)
}
