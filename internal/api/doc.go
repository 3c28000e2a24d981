// Package api implements the HTTP API and realtime WebSocket channel of the
// ESP manager.
//
// This package provides:
//   - Firmware upload, listing, deletion and manual dispatch
//   - The device polling endpoint (check-update), authenticated by x-api-key
//   - Device registration, lookup and deletion
//   - Update history and health endpoints
//   - Read-only serving of firmware binaries under the storage public path
//   - A WebSocket hub carrying named events to panels and from devices
//
// # Architecture
//
// Handlers are thin: they decode the request, call the ota Service and map
// its sentinel errors onto HTTP status codes. State changes are announced
// to panels by the orchestrator through the Hub, never by the handlers.
//
// # Realtime Channel
//
// Every WebSocket frame is a JSON envelope {"event": ..., "data": ...}.
// Panels send commands such as get_devices or send_firmware and receive
// the reply only on their own connection. Devices announce themselves with
// device_register; a bad secret closes the connection.
package api
