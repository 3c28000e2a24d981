package ota

import (
	"context"
	"fmt"

	"github.com/angeruPpb/esp-manager/internal/device"
	"github.com/angeruPpb/esp-manager/internal/history"
	"github.com/angeruPpb/esp-manager/internal/infrastructure/logging"
)

// Default failure reasons when a device reports none.
const (
	reasonDownloadFailed = "Download failed"
	reasonUnknownFailure = "Unknown error during update"
)

// HandleHeartbeat records a liveness report and pushes the device list.
// Heartbeats never touch update state.
func (o *Orchestrator) HandleHeartbeat(ctx context.Context, hb Heartbeat) error {
	d, err := o.devices.Authenticate(ctx, hb.Secret)
	if err != nil {
		return fmt.Errorf("heartbeat from %s: %w", logging.Secret(hb.Secret), err)
	}

	if err := o.devices.ReportStatus(ctx, hb.Secret, hb.Version, hb.IPAddress); err != nil {
		return fmt.Errorf("recording heartbeat: %w", err)
	}

	if o.telemetry != nil {
		o.telemetry.WriteHeartbeat(d.ID, d.Name, hb.Version, hb.Uptime, hb.Heap, hb.Counter)
	}

	o.broadcastDevices(ctx)
	return nil
}

// HandleDownloadComplete resolves the device's outstanding command. A
// successful download is announced; installation is confirmed later by
// HandleUpdateStatus. A failed download is recorded in history.
func (o *Orchestrator) HandleDownloadComplete(ctx context.Context, r DownloadReport) error {
	d, err := o.devices.Authenticate(ctx, r.Secret)
	if err != nil {
		return fmt.Errorf("download report from %s: %w", logging.Secret(r.Secret), err)
	}
	if r.Version == "" {
		return fmt.Errorf("%w: download report without version from %s", ErrInvalidRequest, d.Name)
	}

	if _, armed := o.devices.EndUpdate(r.Secret); armed {
		o.logInfo("update response received", "device_id", d.ID, "version", r.Version)
	}

	if r.Success {
		o.logInfo("firmware downloaded", "device_id", d.ID, "version", r.Version, "size", r.FileSize)
		o.broadcaster.Broadcast(EventDownloadComplete, DownloadCompleted{
			DeviceID:   d.ID,
			DeviceName: d.Name,
			Version:    r.Version,
			Timestamp:  o.now(),
		})
		return nil
	}

	reason := r.Error
	if reason == "" {
		reason = reasonDownloadFailed
	}
	if _, err := o.history.Append(ctx, history.Entry{
		DeviceID:   d.ID,
		DeviceName: d.Name,
		Version:    r.Version,
		Status:     history.StatusFailed,
		Error:      reason,
	}); err != nil {
		o.logError("recording failed download", err, "device_id", d.ID)
	}
	o.recordOutcome(d.ID, d.Name, r.Version, string(history.StatusFailed), reason)

	o.logWarn("firmware download failed", "device_id", d.ID, "version", r.Version, "reason", reason)
	o.broadcaster.Broadcast(EventDownloadFailed, DownloadFailed{
		DeviceID:   d.ID,
		DeviceName: d.Name,
		Version:    r.Version,
		Error:      reason,
	})
	o.broadcastDevices(ctx)
	return nil
}

// HandleUpdateStatus records the terminal outcome of an install.
//
// On success the device's version is confirmed and the installed firmware
// is removed from the store. On failure the device is marked failed.
func (o *Orchestrator) HandleUpdateStatus(ctx context.Context, r StatusReport) error {
	d, err := o.devices.Authenticate(ctx, r.Secret)
	if err != nil {
		return fmt.Errorf("update status from %s: %w", logging.Secret(r.Secret), err)
	}
	if r.Version == "" {
		return fmt.Errorf("%w: update status without version from %s", ErrInvalidRequest, d.Name)
	}

	o.devices.EndUpdate(r.Secret)

	if r.Success {
		return o.completeUpdate(ctx, d, r)
	}
	return o.failUpdate(ctx, d, r)
}

func (o *Orchestrator) completeUpdate(ctx context.Context, d *device.Device, r StatusReport) error {
	if _, err := o.history.Append(ctx, history.Entry{
		DeviceID:   d.ID,
		DeviceName: d.Name,
		Version:    r.Version,
		Status:     history.StatusSuccess,
	}); err != nil {
		o.logError("recording successful update", err, "device_id", d.ID)
	}

	if err := o.devices.ConfirmSuccess(ctx, r.Secret, r.Version); err != nil {
		return fmt.Errorf("confirming update: %w", err)
	}

	removed, err := o.firmware.DeleteByDeviceAndVersion(ctx, d.ID, r.Version)
	if err != nil {
		o.logError("removing installed firmware", err, "device_id", d.ID, "version", r.Version)
	}
	o.recordOutcome(d.ID, d.Name, r.Version, string(history.StatusSuccess), "")

	o.logInfo("device updated", "device_id", d.ID, "version", r.Version, "artifacts_removed", removed)
	o.broadcaster.Broadcast(EventDeviceUpdated, DeviceUpdated{
		DeviceID:   d.ID,
		DeviceName: d.Name,
		Version:    r.Version,
		Timestamp:  o.now(),
	})
	o.broadcastDevices(ctx)
	o.broadcastFirmwares(ctx)
	return nil
}

func (o *Orchestrator) failUpdate(ctx context.Context, d *device.Device, r StatusReport) error {
	reason := r.Error
	if reason == "" {
		reason = reasonUnknownFailure
	}

	if _, err := o.history.Append(ctx, history.Entry{
		DeviceID:   d.ID,
		DeviceName: d.Name,
		Version:    r.Version,
		Status:     history.StatusFailed,
		Error:      reason,
	}); err != nil {
		o.logError("recording failed update", err, "device_id", d.ID)
	}

	if err := o.devices.MarkFailed(ctx, r.Secret, reason); err != nil {
		return fmt.Errorf("marking update failed: %w", err)
	}
	o.recordOutcome(d.ID, d.Name, r.Version, string(history.StatusFailed), reason)

	o.logWarn("device update failed", "device_id", d.ID, "version", r.Version, "reason", reason)
	o.broadcastDevices(ctx)
	return nil
}

// handleTimeout runs on the registry's timer goroutine when a device did
// not answer in time. The registry has already returned it to idle.
func (o *Orchestrator) handleTimeout(attempt device.Attempt) {
	ctx, cancel := context.WithTimeout(context.Background(), timeoutCallbackBudget)
	defer cancel()

	reason := timeoutReason(o.commandTimeout)
	if _, err := o.history.Append(ctx, history.Entry{
		DeviceID:   attempt.DeviceID,
		DeviceName: attempt.DeviceName,
		Version:    attempt.Version,
		Status:     history.StatusFailed,
		Error:      reason,
	}); err != nil {
		o.logError("recording update timeout", err, "device_id", attempt.DeviceID)
	}
	o.recordOutcome(attempt.DeviceID, attempt.DeviceName, attempt.Version, string(history.StatusFailed), reason)

	o.logWarn("update timed out",
		"device_id", attempt.DeviceID,
		"version", attempt.Version,
		"window", o.commandTimeout)
	o.broadcaster.Broadcast(EventUpdateTimeout, UpdateTimedOut{
		DeviceID:   attempt.DeviceID,
		DeviceName: attempt.DeviceName,
		Version:    attempt.Version,
	})
}
