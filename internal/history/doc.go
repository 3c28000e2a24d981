// Package history keeps the append-only log of firmware update attempts.
//
// Entries snapshot the device name at the time of the attempt so the log
// stays readable after the device is deleted. Entries are never updated or
// removed; List always returns them newest first.
package history
