package api

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/angeruPpb/esp-manager/internal/device"
	"github.com/angeruPpb/esp-manager/internal/firmware"
	"github.com/angeruPpb/esp-manager/internal/history"
	"github.com/angeruPpb/esp-manager/internal/infrastructure/logging"
	"github.com/angeruPpb/esp-manager/internal/ota"
)

// realtimeCommandTimeout bounds the work done for one realtime command.
const realtimeCommandTimeout = 10 * time.Second

// Inbound realtime events from panels.
const (
	EventRegisterDevice   = "register_device"
	EventGetDevices       = "get_devices"
	EventDeleteDevice     = "delete_device"
	EventGetFirmwares     = "get_firmwares"
	EventDeleteFirmware   = "delete_firmware"
	EventGetUpdateHistory = "get_update_history"
	EventSendFirmware     = "send_firmware"
)

// Inbound realtime events from devices.
const (
	EventDeviceRegister     = "device_register"
	EventDeviceCheckUpdate  = "device_check_update"
	EventDeviceUpdateStatus = "device_update_status"
)

// Replies sent only to the requesting client.
const (
	EventDeviceRegistered    = "device_registered"
	EventDevicesList         = "devices_list"
	EventFirmwaresList       = "firmwares_list"
	EventUpdateHistoryList   = "update_history_list"
	EventSendFirmwareResult  = "send_firmware_result"
	EventDeviceRegisteredAck = "device_registered_ack"
	EventUpdateAvailable     = "update_available"
	EventUpdateStatusAck     = "update_status_ack"
	EventError               = "error"
)

// idPayload carries the target of a delete command.
type idPayload struct {
	ID string `json:"id"`
}

// namePayload carries the name of a device to register.
type namePayload struct {
	Name string `json:"name"`
}

// historyQuery optionally narrows get_update_history.
type historyQuery struct {
	DeviceID string `json:"deviceId"`
	Limit    int    `json:"limit"`
}

// deviceHello is sent by devices with device_register and
// device_check_update.
type deviceHello struct {
	APIKey         string `json:"apiKey"`
	CurrentVersion string `json:"currentVersion"`
}

// deviceStatus is sent by a device once it has tried to install a binary.
// Older firmware sends version and success instead of newVersion and
// status.
type deviceStatus struct {
	APIKey     string `json:"apiKey"`
	NewVersion string `json:"newVersion"`
	Version    string `json:"version"`
	Status     string `json:"status"`
	Success    *bool  `json:"success"`
	Error      string `json:"error"`
}

// StatusAck answers an accepted device_update_status.
type StatusAck struct {
	Success bool `json:"success"`
}

// DeviceAck answers a successful device_register.
type DeviceAck struct {
	Success    bool   `json:"success"`
	DeviceName string `json:"deviceName"`
}

// UpdateOffer is pushed to a device that asked for updates over the
// realtime channel.
type UpdateOffer struct {
	Version     string `json:"version"`
	URL         string `json:"url"`
	Size        int64  `json:"size"`
	Description string `json:"description"`
	Checksum    string `json:"checksum,omitempty"`
}

// realtimeHandler serves one inbound event for one client.
type realtimeHandler func(ctx context.Context, c *WSClient, data json.RawMessage) error

// realtimeHandlers returns the dispatch table keyed by event name.
func (s *Server) realtimeHandlers() map[string]realtimeHandler {
	return map[string]realtimeHandler{
		EventRegisterDevice:    s.rtRegisterDevice,
		EventGetDevices:        s.rtGetDevices,
		EventDeleteDevice:      s.rtDeleteDevice,
		EventGetFirmwares:      s.rtGetFirmwares,
		EventDeleteFirmware:    s.rtDeleteFirmware,
		EventGetUpdateHistory:  s.rtGetUpdateHistory,
		EventSendFirmware:      s.rtSendFirmware,
		EventDeviceRegister:     s.rtDeviceRegister,
		EventDeviceCheckUpdate:  s.rtDeviceCheckUpdate,
		EventDeviceUpdateStatus: s.rtDeviceUpdateStatus,
	}
}

// handleRealtime dispatches one inbound realtime event. Failures are
// reported to the sender as an error event and never close a panel.
func (s *Server) handleRealtime(c *WSClient, msg wsInbound) {
	handler, ok := s.rtHandlers[msg.Event]
	if !ok {
		c.sendError("unknown event: " + msg.Event)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), realtimeCommandTimeout)
	defer cancel()

	if err := handler(ctx, c, msg.Data); err != nil {
		s.logger.Debug("realtime command failed", "event", msg.Event, "remote", c.remoteIP, "error", err)
		c.sendError(errorMessage(err))
	}
}

// handleDisconnect tells panels a device went offline. Panel disconnects
// need no notice.
func (s *Server) handleDisconnect(c *WSClient) {
	id := c.DeviceID()
	if id == "" {
		return
	}
	s.logger.Info("device left realtime channel", "device_id", id, "remote", c.remoteIP)

	ctx, cancel := context.WithTimeout(context.Background(), realtimeCommandTimeout)
	defer cancel()

	devices, err := s.ota.ListDevices(ctx)
	if err != nil {
		s.logger.Warn("listing devices after disconnect", "device_id", id, "error", err)
		return
	}
	if devices == nil {
		devices = []device.Device{}
	}
	s.hub.Broadcast(ota.EventDevicesUpdate, devices)
}

// errorMessage hides internal failures from realtime clients.
func errorMessage(err error) string {
	if status, _ := classify(err); status >= 500 && !errors.Is(err, ota.ErrPublishFailed) {
		return "internal server error"
	}
	return err.Error()
}

// decodeData unmarshals an event payload. An absent payload leaves v zero.
func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", ota.ErrInvalidRequest, err)
	}
	return nil
}

func (s *Server) rtRegisterDevice(ctx context.Context, c *WSClient, data json.RawMessage) error {
	var p namePayload
	if err := decodeData(data, &p); err != nil {
		return err
	}
	d, isNew, err := s.ota.RegisterDevice(ctx, p.Name)
	if err != nil {
		return err
	}
	c.reply(EventDeviceRegistered, RegisterResponse{Device: d, IsNew: isNew})
	return nil
}

func (s *Server) rtGetDevices(ctx context.Context, c *WSClient, _ json.RawMessage) error {
	devices, err := s.ota.ListDevices(ctx)
	if err != nil {
		return err
	}
	if devices == nil {
		devices = []device.Device{}
	}
	c.reply(EventDevicesList, devices)
	return nil
}

func (s *Server) rtDeleteDevice(ctx context.Context, _ *WSClient, data json.RawMessage) error {
	var p idPayload
	if err := decodeData(data, &p); err != nil {
		return err
	}
	return s.ota.DeleteDevice(ctx, p.ID)
}

func (s *Server) rtGetFirmwares(ctx context.Context, c *WSClient, _ json.RawMessage) error {
	list, err := s.ota.ListFirmware(ctx)
	if err != nil {
		return err
	}
	if list == nil {
		list = []firmware.Firmware{}
	}
	c.reply(EventFirmwaresList, list)
	return nil
}

func (s *Server) rtDeleteFirmware(ctx context.Context, _ *WSClient, data json.RawMessage) error {
	var p idPayload
	if err := decodeData(data, &p); err != nil {
		return err
	}
	_, err := s.ota.DeleteFirmware(ctx, p.ID)
	return err
}

func (s *Server) rtGetUpdateHistory(ctx context.Context, c *WSClient, data json.RawMessage) error {
	var q historyQuery
	if err := decodeData(data, &q); err != nil {
		return err
	}
	entries, err := s.ota.ListHistory(ctx, history.Filter{DeviceID: q.DeviceID, Limit: min(max(q.Limit, 0), maxHistoryLimit)})
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	c.reply(EventUpdateHistoryList, entries)
	return nil
}

// rtSendFirmware always answers with send_firmware_result, so a rejected
// send (device busy, unknown firmware) is a result rather than an error.
func (s *Server) rtSendFirmware(ctx context.Context, c *WSClient, data json.RawMessage) error {
	var req ota.SendRequest
	if err := decodeData(data, &req); err != nil {
		return err
	}
	req.BaseURL = c.baseURL

	result, err := s.ota.SendUpdate(ctx, req)
	if err != nil {
		s.logger.Info("manual firmware send rejected",
			"device_id", req.DeviceID,
			"firmware_id", req.FirmwareID,
			"error", err)
		c.reply(EventSendFirmwareResult, ota.SendResult{
			Success:  false,
			Message:  errorMessage(err),
			DeviceID: req.DeviceID,
		})
		return nil
	}
	c.reply(EventSendFirmwareResult, result)
	return nil
}

// rtDeviceRegister authenticates a device connection. A bad secret closes
// the connection after the error is delivered.
func (s *Server) rtDeviceRegister(ctx context.Context, c *WSClient, data json.RawMessage) error {
	var hello deviceHello
	if err := decodeData(data, &hello); err != nil {
		return err
	}

	d, err := s.ota.ConnectDevice(ctx, hello.APIKey, hello.CurrentVersion, c.remoteIP)
	if err != nil {
		if errors.Is(err, device.ErrUnauthorized) {
			s.logger.Warn("device rejected on realtime channel",
				"secret", logging.Secret(hello.APIKey),
				"remote", c.remoteIP)
			c.sendError("Invalid API key")
			c.closeAfterFlush()
			return nil
		}
		return err
	}

	c.becomeDevice(d.ID)
	c.reply(EventDeviceRegisteredAck, DeviceAck{Success: true, DeviceName: d.Name})
	return nil
}

// rtDeviceCheckUpdate offers newer firmware to the asking device. Nothing
// is sent when the device is up to date.
func (s *Server) rtDeviceCheckUpdate(ctx context.Context, c *WSClient, data json.RawMessage) error {
	var hello deviceHello
	if err := decodeData(data, &hello); err != nil {
		return err
	}

	result, err := s.ota.CheckUpdate(ctx, ota.CheckRequest{
		Secret:         hello.APIKey,
		CurrentVersion: hello.CurrentVersion,
		IPAddress:      c.remoteIP,
		BaseURL:        c.baseURL,
	})
	if err != nil {
		return err
	}
	if !result.Available {
		return nil
	}

	c.reply(EventUpdateAvailable, UpdateOffer{
		Version:     result.Version,
		URL:         result.URL,
		Size:        result.Size,
		Description: result.Description,
		Checksum:    result.Checksum,
	})
	return nil
}

// rtDeviceUpdateStatus records a device's install outcome. A device that
// already registered on this connection may omit its apiKey.
func (s *Server) rtDeviceUpdateStatus(ctx context.Context, c *WSClient, data json.RawMessage) error {
	var p deviceStatus
	if err := decodeData(data, &p); err != nil {
		return err
	}

	version := cmp.Or(p.NewVersion, p.Version)
	if version == "" {
		return fmt.Errorf("%w: version is required", ota.ErrInvalidRequest)
	}
	success, known := ota.ParseOutcome(p.Status, p.Success)
	if !known {
		return fmt.Errorf("%w: status or success is required", ota.ErrInvalidRequest)
	}

	secret := p.APIKey
	if secret == "" {
		id := c.DeviceID()
		if id == "" {
			return device.ErrUnauthorized
		}
		d, err := s.ota.GetDevice(ctx, id)
		if err != nil {
			return err
		}
		secret = d.Secret
	}

	if err := s.ota.HandleUpdateStatus(ctx, ota.StatusReport{
		Secret:  secret,
		Version: version,
		Success: success,
		Error:   p.Error,
	}); err != nil {
		return err
	}

	c.reply(EventUpdateStatusAck, StatusAck{Success: true})
	return nil
}
