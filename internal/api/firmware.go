package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/angeruPpb/esp-manager/internal/firmware"
	"github.com/angeruPpb/esp-manager/internal/ota"
)

// multipartMemory is how much of an upload is buffered in memory before
// spilling to a temporary file.
const multipartMemory = 8 << 20

// apiKeyHeader carries the device secret on polling requests.
const apiKeyHeader = "X-API-Key"

// UploadResponse is returned by POST /firmware/upload.
type UploadResponse struct {
	Success  bool               `json:"success"`
	Firmware *firmware.Firmware `json:"firmware"`
}

// CheckUpdateResponse is returned by GET /firmware/check-update.
type CheckUpdateResponse struct {
	Status          string `json:"status"`
	UpdateAvailable bool   `json:"update_available,omitempty"`
	Version         string `json:"version,omitempty"`
	URL             string `json:"url,omitempty"`
	Size            int64  `json:"size,omitempty"`
	Description     string `json:"description,omitempty"`
	Checksum        string `json:"checksum,omitempty"`
}

// Check-update status values.
const (
	checkStatusOK        = "ok"
	checkStatusAvailable = "update_available"
)

// DeleteResponse is returned by DELETE endpoints.
type DeleteResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// sendFirmwareRequest is the body of POST /firmware/{id}/send.
type sendFirmwareRequest struct {
	DeviceID string `json:"deviceId"`
}

// handleUploadFirmware accepts a multipart upload with a "firmware" file
// field and deviceId, version and description form fields.
func (s *Server) handleUploadFirmware(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > s.cfg.MaxUploadSize {
		writeError(w, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "firmware exceeds upload limit")
		return
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "firmware exceeds upload limit")
			return
		}
		writeBadRequest(w, "expected multipart form data")
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck // temp file cleanup is best-effort

	file, header, err := r.FormFile("firmware")
	if err != nil {
		writeBadRequest(w, "no firmware file uploaded")
		return
	}
	defer file.Close()

	meta := firmware.Metadata{
		DeviceID:     r.FormValue("deviceId"),
		Version:      r.FormValue("version"),
		Description:  r.FormValue("description"),
		OriginalName: header.Filename,
	}
	if meta.DeviceID == "" {
		writeBadRequest(w, "deviceId is required")
		return
	}

	fw, err := s.ota.UploadFirmware(r.Context(), file, meta)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, UploadResponse{Success: true, Firmware: fw})
}

// handleListFirmware returns every firmware record, newest first.
func (s *Server) handleListFirmware(w http.ResponseWriter, r *http.Request) {
	list, err := s.ota.ListFirmware(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if list == nil {
		list = []firmware.Firmware{}
	}
	writeJSON(w, http.StatusOK, list)
}

// handleCheckUpdate is the polling fallback for devices without MQTT.
// The device authenticates with its secret in the X-API-Key header.
func (s *Server) handleCheckUpdate(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get(apiKeyHeader)
	if secret == "" {
		writeUnauthorized(w, "API key required")
		return
	}

	result, err := s.ota.CheckUpdate(r.Context(), ota.CheckRequest{
		Secret:         secret,
		CurrentVersion: r.URL.Query().Get("current_version"),
		IPAddress:      clientIP(r),
		BaseURL:        s.requestBaseURL(r),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	if !result.Available {
		writeJSON(w, http.StatusOK, CheckUpdateResponse{Status: checkStatusOK})
		return
	}
	writeJSON(w, http.StatusOK, CheckUpdateResponse{
		Status:          checkStatusAvailable,
		UpdateAvailable: true,
		Version:         result.Version,
		URL:             result.URL,
		Size:            result.Size,
		Description:     result.Description,
		Checksum:        result.Checksum,
	})
}

// handleDeleteFirmware removes a firmware record and its binary.
func (s *Server) handleDeleteFirmware(w http.ResponseWriter, r *http.Request) {
	if _, err := s.ota.DeleteFirmware(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteResponse{Success: true, Message: "Firmware deleted"})
}

// handleSendFirmware pushes a firmware to its device over MQTT.
// A second send while the device has not answered the first yields 409.
func (s *Server) handleSendFirmware(w http.ResponseWriter, r *http.Request) {
	var req sendFirmwareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	result, err := s.ota.SendUpdate(r.Context(), ota.SendRequest{
		DeviceID:   req.DeviceID,
		FirmwareID: chi.URLParam(r, "id"),
		BaseURL:    s.requestBaseURL(r),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}
