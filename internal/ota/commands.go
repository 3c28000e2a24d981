package ota

import (
	"context"
	"fmt"
	"io"

	"github.com/angeruPpb/esp-manager/internal/device"
	"github.com/angeruPpb/esp-manager/internal/firmware"
	"github.com/angeruPpb/esp-manager/internal/history"
)

// SendRequest asks for one firmware to be pushed to one device.
type SendRequest struct {
	DeviceID   string `json:"deviceId"`
	FirmwareID string `json:"firmwareId"`

	// BaseURL is where the device should fetch the binary from, normally
	// derived from the host the requester reached us on. Empty means the
	// configured base URL.
	BaseURL string `json:"-"`
}

// SendResult is the reply to a send request.
type SendResult struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	DeviceID string `json:"deviceId,omitempty"`
	Version  string `json:"version,omitempty"`
}

// CheckRequest is a device asking whether newer firmware exists.
type CheckRequest struct {
	Secret         string
	CurrentVersion string
	IPAddress      string
	BaseURL        string
}

// CheckResult is the answer to a CheckRequest.
type CheckResult struct {
	Device      *device.Device
	Available   bool
	Version     string
	URL         string
	Size        int64
	Description string
	Checksum    string
}

// SendUpdate publishes an update command and arms the response timer.
//
// Returns device.ErrUpdateInFlight if the device already has an
// outstanding command; nothing is published in that case.
func (o *Orchestrator) SendUpdate(ctx context.Context, req SendRequest) (*SendResult, error) {
	if req.DeviceID == "" || req.FirmwareID == "" {
		return nil, fmt.Errorf("%w: deviceId and firmwareId are required", ErrInvalidRequest)
	}

	d, err := o.devices.GetDevice(ctx, req.DeviceID)
	if err != nil {
		return nil, err
	}
	fw, err := o.firmware.Get(ctx, req.FirmwareID)
	if err != nil {
		return nil, err
	}
	if fw.DeviceID != d.ID {
		return nil, ErrFirmwareMismatch
	}

	base := req.BaseURL
	if base == "" {
		base = o.baseURL
	}
	cmd := UpdateCommand{
		Version:     fw.Version,
		URL:         artifactURL(base, fw.Locator),
		Size:        fw.Size,
		Description: fw.Description,
		Checksum:    fw.Checksum,
	}

	attempt := device.Attempt{
		DeviceID:   d.ID,
		DeviceName: d.Name,
		Secret:     d.Secret,
		Version:    fw.Version,
		SentAt:     o.now(),
	}
	if err := o.devices.BeginUpdate(attempt, o.commandTimeout, o.handleTimeout); err != nil {
		return nil, err
	}

	if err := o.publisher.PublishUpdate(ctx, d.Secret, cmd); err != nil {
		o.devices.EndUpdate(d.Secret)
		return nil, fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	o.logInfo("update command sent",
		"device_id", d.ID,
		"version", fw.Version,
		"url", cmd.URL,
		"window", o.commandTimeout)

	return &SendResult{
		Success:  true,
		Message:  fmt.Sprintf("Update command sent to %s", d.Name),
		DeviceID: d.ID,
		Version:  fw.Version,
	}, nil
}

// CheckUpdate authenticates a polling device, records its report and
// tells it whether newer firmware is waiting.
func (o *Orchestrator) CheckUpdate(ctx context.Context, req CheckRequest) (*CheckResult, error) {
	d, err := o.devices.Authenticate(ctx, req.Secret)
	if err != nil {
		return nil, err
	}

	if err := o.devices.ReportStatus(ctx, req.Secret, req.CurrentVersion, req.IPAddress); err != nil {
		return nil, fmt.Errorf("recording update check: %w", err)
	}

	current := req.CurrentVersion
	if current == "" {
		current = d.CurrentVersion
	}

	result := &CheckResult{Device: d}

	fw, ok, err := o.firmware.PendingFor(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	if ok && device.CompareVersions(fw.Version, current) > 0 {
		base := req.BaseURL
		if base == "" {
			base = o.baseURL
		}
		result.Available = true
		result.Version = fw.Version
		result.URL = artifactURL(base, fw.Locator)
		result.Size = fw.Size
		result.Description = fw.Description
		result.Checksum = fw.Checksum
	}

	o.broadcastDevices(ctx)
	return result, nil
}

// ConnectDevice handles a device announcing itself on the realtime
// channel. It behaves like a heartbeat without telemetry.
func (o *Orchestrator) ConnectDevice(ctx context.Context, secret, version, ip string) (*device.Device, error) {
	d, err := o.devices.Authenticate(ctx, secret)
	if err != nil {
		return nil, err
	}
	if err := o.devices.ReportStatus(ctx, secret, version, ip); err != nil {
		return nil, fmt.Errorf("recording device connect: %w", err)
	}
	o.logInfo("device connected", "device_id", d.ID, "version", version)
	o.broadcastDevices(ctx)
	return d, nil
}

// UploadFirmware stores a binary, announces it and, when enabled, sends it
// straight to its device.
func (o *Orchestrator) UploadFirmware(ctx context.Context, body io.Reader, meta firmware.Metadata) (*firmware.Firmware, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	if _, err := o.devices.GetDevice(ctx, meta.DeviceID); err != nil {
		return nil, err
	}

	fw, err := o.firmware.Save(ctx, body, meta)
	if err != nil {
		return nil, err
	}

	o.logInfo("firmware uploaded",
		"firmware_id", fw.ID,
		"device_id", fw.DeviceID,
		"version", fw.Version,
		"size", fw.Size)

	o.broadcaster.Broadcast(EventFirmwareUploaded, fw)
	o.broadcastFirmwares(ctx)
	o.broadcastDevices(ctx)

	if o.autoDispatch {
		o.autoSend(ctx, fw)
	}
	return fw, nil
}

func (o *Orchestrator) autoSend(ctx context.Context, fw *firmware.Firmware) {
	if o.baseURL == "" {
		o.logWarn("auto-dispatch skipped: no base URL configured", "firmware_id", fw.ID)
		return
	}
	_, err := o.SendUpdate(ctx, SendRequest{DeviceID: fw.DeviceID, FirmwareID: fw.ID})
	switch {
	case err == nil:
	case isBenign(err, device.ErrUpdateInFlight):
		o.logInfo("auto-dispatch deferred: update already in flight", "device_id", fw.DeviceID)
	default:
		o.logError("auto-dispatch failed", err, "firmware_id", fw.ID)
	}
}

// RegisterDevice returns the device called name, creating it if needed.
func (o *Orchestrator) RegisterDevice(ctx context.Context, name string) (*device.Device, bool, error) {
	d, isNew, err := o.devices.Register(ctx, name)
	if err != nil {
		return nil, false, err
	}
	if isNew {
		o.broadcastDevices(ctx)
	}
	return d, isNew, nil
}

// DeleteDevice removes a device. Its firmware stays until deleted.
func (o *Orchestrator) DeleteDevice(ctx context.Context, id string) error {
	if err := o.devices.DeleteDevice(ctx, id); err != nil {
		return err
	}
	o.broadcastDevices(ctx)
	return nil
}

// DeleteFirmware removes a firmware record and its binary.
func (o *Orchestrator) DeleteFirmware(ctx context.Context, id string) (*firmware.Firmware, error) {
	fw, err := o.firmware.Delete(ctx, id)
	if err != nil {
		return nil, err
	}
	o.broadcastFirmwares(ctx)
	o.broadcastDevices(ctx)
	return fw, nil
}

// GetDevice returns one device.
func (o *Orchestrator) GetDevice(ctx context.Context, id string) (*device.Device, error) {
	return o.devices.GetDevice(ctx, id)
}

// ListDevices returns all devices in registration order.
func (o *Orchestrator) ListDevices(ctx context.Context) ([]device.Device, error) {
	return o.devices.ListDevices(ctx)
}

// ListFirmware returns all firmware, newest first.
func (o *Orchestrator) ListFirmware(ctx context.Context) ([]firmware.Firmware, error) {
	return o.firmware.List(ctx)
}

// ListHistory returns update history, newest first.
func (o *Orchestrator) ListHistory(ctx context.Context, filter history.Filter) ([]history.Entry, error) {
	return o.history.ListFiltered(ctx, filter)
}

// InFlight lists outstanding update commands, oldest first.
func (o *Orchestrator) InFlight() []device.Attempt {
	return o.devices.InFlight()
}
