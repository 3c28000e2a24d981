package ota

import "time"

// Events pushed to every connected panel.
const (
	EventDevicesUpdate    = "devices_update"
	EventFirmwaresUpdate  = "firmwares_update"
	EventFirmwareUploaded = "firmware_uploaded"
	EventDeviceUpdated    = "device_updated"
	EventUpdateTimeout    = "update_timeout"
	EventDownloadComplete = "download_complete"
	EventDownloadFailed   = "download_failed"
)

// DeviceUpdated is the payload of EventDeviceUpdated.
type DeviceUpdated struct {
	DeviceID   string    `json:"deviceId"`
	DeviceName string    `json:"deviceName"`
	Version    string    `json:"version"`
	Timestamp  time.Time `json:"timestamp"`
}

// UpdateTimedOut is the payload of EventUpdateTimeout.
type UpdateTimedOut struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	Version    string `json:"version"`
}

// DownloadCompleted is the payload of EventDownloadComplete.
type DownloadCompleted struct {
	DeviceID   string    `json:"deviceId"`
	DeviceName string    `json:"deviceName"`
	Version    string    `json:"version"`
	Timestamp  time.Time `json:"timestamp"`
}

// DownloadFailed is the payload of EventDownloadFailed.
type DownloadFailed struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	Version    string `json:"version"`
	Error      string `json:"error"`
}
