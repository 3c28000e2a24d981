// Package device provides the Device Registry for the ESP firmware manager.
//
// The registry is the catalogue of every ESP device allowed to receive
// firmware. A device is created once by name and is identified on the wire
// by a secret derived deterministically from that name, so re-registering
// the same board (in any letter case) hands back the same credentials.
//
// # Architecture
//
//	┌───────────────────────────────────────────────────────────────┐
//	│                        Device Registry                         │
//	│                                                                │
//	│  ┌──────────────────┐   ┌──────────────────┐  ┌─────────────┐  │
//	│  │     Registry     │   │    Repository    │  │  Dispatch   │  │
//	│  │  (registry.go)   │──▶│ (repository.go)  │  │(dispatch.go)│  │
//	│  │                  │   │                  │  │             │  │
//	│  │ • serial writes  │   │ • SQLite queries │  │ • idle      │  │
//	│  │ • secret lookups │   │ • unique names   │  │ • awaiting  │  │
//	│  │ • read cache     │   │                  │  │ • timers    │  │
//	│  └──────────────────┘   └──────────────────┘  └─────────────┘  │
//	└───────────────────────────────────────────────────────────────┘
//
// # Update protocol state
//
// Alongside the persisted record each device has an in-memory phase. It is
// idle until an update command is published, then awaiting until the device
// reports a terminal outcome or the response window elapses. Exactly one of
// those two ends the awaiting phase; the other finds the device idle and
// does nothing.
//
// # Thread Safety
//
// All Registry methods are safe for concurrent use. Mutations are applied
// one at a time so concurrent heartbeats and status reports for the same
// device cannot overwrite each other.
package device
