// Package ota coordinates over-the-air firmware updates.
//
// The Orchestrator sits between three stores and two outbound channels:
//
//	            ┌──────────────┐
//	MQTT ──────▶│              │──▶ Publisher   (update commands)
//	bridge      │ Orchestrator │──▶ Broadcaster (panel events)
//	HTTP / WS ─▶│              │──▶ Telemetry   (optional)
//	            └──────┬───────┘
//	         registry  │  firmware store  │  history log
//
// Device events (heartbeats, download reports, install reports) arrive
// through HandleHeartbeat, HandleDownloadComplete and HandleUpdateStatus.
// Panel and HTTP requests arrive through the command methods. Every path
// that changes what a panel would display ends with a broadcast of the
// affected snapshot.
//
// Each device has at most one outstanding update command. SendUpdate moves
// the device to awaiting and arms a single-shot timer in the registry; the
// first terminal report or the timer, whichever comes first, returns it to
// idle.
package ota
