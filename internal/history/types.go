package history

import (
	"fmt"
	"time"
)

// Status is the terminal outcome recorded for an attempt.
type Status string

// Recorded outcomes.
const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Entry is one immutable record in the log.
type Entry struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"deviceId"`
	DeviceName string    `json:"deviceName"`
	Version    string    `json:"version"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Filter narrows a listing. The zero value lists everything.
type Filter struct {
	DeviceID string // optional: only this device's attempts
	Limit    int    // 0 means no limit
}

// Validate checks the fields every entry must carry.
func (e *Entry) Validate() error {
	if e.DeviceID == "" {
		return fmt.Errorf("%w: device id is required", ErrInvalidEntry)
	}
	if e.Version == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidEntry)
	}
	if e.Status != StatusSuccess && e.Status != StatusFailed {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidEntry, e.Status)
	}
	return nil
}
