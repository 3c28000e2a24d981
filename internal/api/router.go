package api

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/angeruPpb/esp-manager/internal/panel"
)

// buildRouter creates the HTTP router with all routes and middleware.
//
// Paths are unversioned: device firmware in the field polls
// /firmware/check-update and downloads from the storage public path.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	// WebSocket for panels and devices
	r.Get(s.wsCfg.Path, s.handleWebSocket)

	r.Route("/firmware", func(r chi.Router) {
		r.With(bodyLimit(s.cfg.MaxUploadSize)).Post("/upload", s.handleUploadFirmware)

		r.Group(func(r chi.Router) {
			r.Use(bodyLimit(maxRequestBodySize))
			r.Get("/list", s.handleListFirmware)
			r.Get("/check-update", s.handleCheckUpdate)
			r.Delete("/{id}", s.handleDeleteFirmware)
			r.Post("/{id}/send", s.handleSendFirmware)
		})
	})

	r.Route("/devices", func(r chi.Router) {
		r.Use(bodyLimit(maxRequestBodySize))
		r.Get("/", s.handleListDevices)
		r.Post("/register", s.handleRegisterDevice)
		r.Get("/in-flight", s.handleListInFlight)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetDevice)
			r.Delete("/", s.handleDeleteDevice)
		})
	})

	r.Get("/history", s.handleListHistory)

	// Firmware binaries, read-only
	if s.storage.FirmwareDir != "" && s.storage.PublicPath != "" {
		prefix := "/" + strings.Trim(s.storage.PublicPath, "/")
		files := http.StripPrefix(prefix, http.FileServer(noDirListing{http.Dir(s.storage.FirmwareDir)}))
		r.Method(http.MethodGet, prefix+"/*", files)
		r.Method(http.MethodHead, prefix+"/*", files)
	}

	// Control panel UI, lowest precedence
	if s.storage.PanelDir != "" {
		ui, err := panel.Handler(s.storage.PanelDir)
		if err != nil {
			s.logger.Warn("panel UI not served", "dir", s.storage.PanelDir, "error", err)
		} else {
			r.Method(http.MethodGet, "/*", ui)
			r.Method(http.MethodHead, "/*", ui)
		}
	}

	return r
}

// noDirListing hides directory indexes from the artifact file server.
type noDirListing struct {
	fs http.FileSystem
}

func (n noDirListing) Open(name string) (http.File, error) {
	f, err := n.fs.Open(name)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if stat.IsDir() {
		f.Close()
		return nil, os.ErrNotExist
	}
	return f, nil
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// handleHealth returns the server health status. Any failing dependency
// turns the response into 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Version: s.version}
	status := http.StatusOK

	if len(s.checks) > 0 {
		resp.Checks = make(map[string]string, len(s.checks))
	}
	for _, hc := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := hc.Check(ctx)
		cancel()
		if err != nil {
			resp.Checks[hc.Name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[hc.Name] = "ok"
	}

	writeJSON(w, status, resp)
}

// uptime reports how long the server has been running.
func (s *Server) uptime() time.Duration {
	return time.Since(s.startTime)
}
