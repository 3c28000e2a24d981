package ota

import (
	"context"
	"io"
	"time"

	"github.com/angeruPpb/esp-manager/internal/device"
	"github.com/angeruPpb/esp-manager/internal/firmware"
	"github.com/angeruPpb/esp-manager/internal/history"
)

// Publisher delivers update commands to devices.
// Satisfied by *bridge.Bridge.
type Publisher interface {
	PublishUpdate(ctx context.Context, secret string, cmd UpdateCommand) error
}

// Broadcaster pushes a named event to every connected panel.
// Satisfied by *api.Hub.
type Broadcaster interface {
	Broadcast(event string, payload any)
}

// Telemetry records device metrics. Optional.
// Satisfied by *influxdb.Client.
type Telemetry interface {
	WriteHeartbeat(deviceID, deviceName, version string, uptime, heap, counter int64)
	WriteUpdateOutcome(deviceID, deviceName, version, status, reason string)
}

// DeviceRegistry is the subset of *device.Registry the orchestrator uses.
type DeviceRegistry interface {
	Register(ctx context.Context, name string) (*device.Device, bool, error)
	Authenticate(ctx context.Context, secret string) (*device.Device, error)
	GetDevice(ctx context.Context, id string) (*device.Device, error)
	ListDevices(ctx context.Context) ([]device.Device, error)
	DeleteDevice(ctx context.Context, id string) error
	ReportStatus(ctx context.Context, secret, version, ip string) error
	ConfirmSuccess(ctx context.Context, secret, version string) error
	MarkFailed(ctx context.Context, secret, reason string) error
	BeginUpdate(attempt device.Attempt, window time.Duration, onTimeout func(device.Attempt)) error
	EndUpdate(secret string) (device.Attempt, bool)
	InFlight() []device.Attempt
}

// FirmwareStore is the subset of *firmware.Store the orchestrator uses.
type FirmwareStore interface {
	Save(ctx context.Context, body io.Reader, meta firmware.Metadata) (*firmware.Firmware, error)
	Get(ctx context.Context, id string) (*firmware.Firmware, error)
	List(ctx context.Context) ([]firmware.Firmware, error)
	PendingFor(ctx context.Context, deviceID string) (*firmware.Firmware, bool, error)
	Delete(ctx context.Context, id string) (*firmware.Firmware, error)
	DeleteByDeviceAndVersion(ctx context.Context, deviceID, version string) (int, error)
}

// HistoryLog is the subset of *history.Log the orchestrator uses.
type HistoryLog interface {
	Append(ctx context.Context, entry history.Entry) (history.Entry, error)
	ListFiltered(ctx context.Context, filter history.Filter) ([]history.Entry, error)
}
