package ota

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultCommandTimeout is how long a device has to report back after an
// update command before the attempt is recorded as timed out.
const DefaultCommandTimeout = 60 * time.Second

// timeoutCallbackBudget bounds the storage work done when a timer fires.
const timeoutCallbackBudget = 10 * time.Second

// Logger defines the logging interface used by the Orchestrator.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Options holds the collaborators for New.
type Options struct {
	// Devices, Firmware and History are the stores. Required.
	Devices  DeviceRegistry
	Firmware FirmwareStore
	History  HistoryLog

	// Publisher sends update commands. Required.
	Publisher Publisher

	// Broadcaster fans events out to panels. Required.
	Broadcaster Broadcaster

	// Telemetry is optional. When nil, nothing is recorded.
	Telemetry Telemetry

	// CommandTimeout is the response window after an update command.
	// Zero means DefaultCommandTimeout.
	CommandTimeout time.Duration

	// BaseURL prefixes artifact locators when no request host is known,
	// as for auto-dispatch after an upload.
	BaseURL string

	// AutoDispatch sends new firmware to its device as soon as it is uploaded.
	AutoDispatch bool

	// Logger is optional.
	Logger Logger
}

// Orchestrator drives firmware updates end to end.
//
// Thread Safety: all methods are safe for concurrent use. Per-device
// ordering of device events is the caller's responsibility.
type Orchestrator struct {
	devices     DeviceRegistry
	firmware    FirmwareStore
	history     HistoryLog
	publisher   Publisher
	broadcaster Broadcaster
	telemetry   Telemetry

	commandTimeout time.Duration
	baseURL        string
	autoDispatch   bool

	now func() time.Time

	logger   Logger
	loggerMu sync.RWMutex
}

// New creates an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Devices == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if opts.Firmware == nil {
		return nil, fmt.Errorf("firmware store is required")
	}
	if opts.History == nil {
		return nil, fmt.Errorf("history log is required")
	}
	if opts.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if opts.Broadcaster == nil {
		return nil, fmt.Errorf("broadcaster is required")
	}

	timeout := opts.CommandTimeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	return &Orchestrator{
		devices:        opts.Devices,
		firmware:       opts.Firmware,
		history:        opts.History,
		publisher:      opts.Publisher,
		broadcaster:    opts.Broadcaster,
		telemetry:      opts.Telemetry,
		commandTimeout: timeout,
		baseURL:        opts.BaseURL,
		autoDispatch:   opts.AutoDispatch,
		now:            func() time.Time { return time.Now().UTC() },
		logger:         opts.Logger,
	}, nil
}

// SetLogger sets the logger for the orchestrator.
func (o *Orchestrator) SetLogger(logger Logger) {
	o.loggerMu.Lock()
	defer o.loggerMu.Unlock()
	o.logger = logger
}

// CommandTimeout returns the configured response window.
func (o *Orchestrator) CommandTimeout() time.Duration {
	return o.commandTimeout
}

// broadcastDevices pushes the full device list.
func (o *Orchestrator) broadcastDevices(ctx context.Context) {
	devices, err := o.devices.ListDevices(ctx)
	if err != nil {
		o.logError("listing devices for broadcast", err)
		return
	}
	o.broadcaster.Broadcast(EventDevicesUpdate, devices)
}

// broadcastFirmwares pushes the full firmware list.
func (o *Orchestrator) broadcastFirmwares(ctx context.Context) {
	list, err := o.firmware.List(ctx)
	if err != nil {
		o.logError("listing firmware for broadcast", err)
		return
	}
	o.broadcaster.Broadcast(EventFirmwaresUpdate, list)
}

func (o *Orchestrator) recordOutcome(deviceID, deviceName, version, status, reason string) {
	if o.telemetry == nil {
		return
	}
	o.telemetry.WriteUpdateOutcome(deviceID, deviceName, version, status, reason)
}

// artifactURL joins base and a locator. Absolute locators pass through.
func artifactURL(base, locator string) string {
	if strings.HasPrefix(locator, "http://") || strings.HasPrefix(locator, "https://") {
		return locator
	}
	if base == "" {
		return locator
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(locator, "/")
}

// timeoutReason renders the history error for an expired window.
func timeoutReason(window time.Duration) string {
	return fmt.Sprintf("Timeout: No response from device (%ds)", int(window.Round(time.Second)/time.Second))
}

// isBenign reports errors that are expected outcomes rather than faults.
func isBenign(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) getLogger() Logger {
	o.loggerMu.RLock()
	defer o.loggerMu.RUnlock()
	return o.logger
}

// logInfo logs an info message if logger is set.
func (o *Orchestrator) logInfo(msg string, keysAndValues ...any) {
	if logger := o.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logWarn logs a warning if logger is set.
func (o *Orchestrator) logWarn(msg string, keysAndValues ...any) {
	if logger := o.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (o *Orchestrator) logError(msg string, err error, keysAndValues ...any) {
	if logger := o.getLogger(); logger != nil {
		logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
