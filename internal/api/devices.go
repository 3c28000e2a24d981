package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/angeruPpb/esp-manager/internal/device"
	"github.com/angeruPpb/esp-manager/internal/history"
)

// maxHistoryLimit caps GET /history?limit=.
const maxHistoryLimit = 1000

// registerDeviceRequest is the body of POST /devices/register.
type registerDeviceRequest struct {
	Name string `json:"name"`
}

// RegisterResponse is returned by device registration over HTTP and the
// realtime channel.
type RegisterResponse struct {
	Device *device.Device `json:"device"`
	IsNew  bool           `json:"isNew"`
}

// handleRegisterDevice creates a device or returns the existing one with
// the same name. 201 when created, 200 otherwise.
func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	d, isNew, err := s.ota.RegisterDevice(r.Context(), req.Name)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	status := http.StatusOK
	if isNew {
		status = http.StatusCreated
	}
	writeJSON(w, status, RegisterResponse{Device: d, IsNew: isNew})
}

// handleListDevices returns all devices.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.ota.ListDevices(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if devices == nil {
		devices = []device.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.ota.GetDevice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleDeleteDevice removes a device. Firmware targeting it is kept.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.ota.DeleteDevice(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteResponse{Success: true, Message: "Device deleted"})
}

// handleListInFlight returns update commands still awaiting an answer.
func (s *Server) handleListInFlight(w http.ResponseWriter, _ *http.Request) {
	attempts := s.ota.InFlight()
	if attempts == nil {
		attempts = []device.Attempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

// handleListHistory returns update attempts, newest first. Optional query
// parameters: deviceId and limit.
func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	filter := history.Filter{DeviceID: r.URL.Query().Get("deviceId")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		filter.Limit = min(limit, maxHistoryLimit)
	}

	entries, err := s.ota.ListHistory(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
