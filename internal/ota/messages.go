package ota

import (
	"strings"
	"time"
)

// Heartbeat is a periodic liveness report from a device.
type Heartbeat struct {
	Secret     string
	Version    string
	IPAddress  string
	Counter    int64
	Uptime     int64
	Heap       int64
	ReceivedAt time.Time
}

// DownloadReport says whether a device finished fetching a binary.
type DownloadReport struct {
	Secret   string
	Version  string
	Success  bool
	Error    string
	FileSize int64
}

// StatusReport says whether a device installed a binary.
type StatusReport struct {
	Secret  string
	Version string
	Success bool
	Error   string
}

// UpdateCommand tells a device to fetch and install a binary.
type UpdateCommand struct {
	Version     string `json:"version"`
	URL         string `json:"url"`
	Size        int64  `json:"size"`
	Description string `json:"description"`
	Checksum    string `json:"checksum,omitempty"`
}

// ParseOutcome reads a device report's result. A recognised status string
// wins over the legacy boolean. known is false when neither says anything.
func ParseOutcome(status string, success *bool) (ok, known bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "success", "ok", "completed":
		return true, true
	case "failed", "failure", "error":
		return false, true
	}
	if success != nil {
		return *success, true
	}
	return false, false
}
