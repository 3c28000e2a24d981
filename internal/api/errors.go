package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/angeruPpb/esp-manager/internal/device"
	"github.com/angeruPpb/esp-manager/internal/firmware"
	"github.com/angeruPpb/esp-manager/internal/history"
	"github.com/angeruPpb/esp-manager/internal/ota"
)

// ErrorBody is the inner object of an error response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse is the JSON envelope of every error response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Common error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeConflict     = "conflict"
	ErrCodeInternal     = "internal_error"
	ErrCodeValidation   = "validation_error"
	ErrCodeTooLarge     = "payload_too_large"
	ErrCodeUnavailable  = "unavailable"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// classify maps a domain error onto an HTTP status and error code.
func classify(err error) (status int, code string) {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, device.ErrUnauthorized):
		return http.StatusUnauthorized, ErrCodeUnauthorized
	case errors.Is(err, device.ErrDeviceNotFound),
		errors.Is(err, firmware.ErrFirmwareNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, device.ErrUpdateInFlight):
		return http.StatusConflict, ErrCodeConflict
	case errors.Is(err, device.ErrInvalidName),
		errors.Is(err, firmware.ErrInvalidArtifact),
		errors.Is(err, firmware.ErrMissingDevice),
		errors.Is(err, history.ErrInvalidEntry),
		errors.Is(err, ota.ErrFirmwareMismatch),
		errors.Is(err, ota.ErrInvalidRequest):
		return http.StatusBadRequest, ErrCodeValidation
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge, ErrCodeTooLarge
	case errors.Is(err, ota.ErrPublishFailed):
		return http.StatusServiceUnavailable, ErrCodeUnavailable
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}

// writeDomainError writes the response for an error returned by the
// service. Internal failures are logged and reported without detail.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			"error", err,
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", r.Context().Value(ctxKeyRequestID))
		message = "internal server error"
	}
	writeError(w, status, code, message)
}
