// Package influxdb records device telemetry in InfluxDB.
//
// Two measurements are written:
//
//	device_heartbeat  tags: device_id, device_name, version
//	                  fields: uptime_s, heap_bytes, counter
//	ota_update        tags: device_id, device_name, version, status
//	                  fields: success, reason
//
// Writes go through the library's non-blocking batching API, so a slow or
// unreachable InfluxDB never holds up message handling. Write failures are
// reported to the callback set with SetOnError.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without telemetry
//	}
//	defer client.Close()
//
//	client.WriteHeartbeat("dev-1", "Lab-01", "1.2.0", 3600, 48000, 12)
package influxdb
