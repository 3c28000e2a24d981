package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/angeruPpb/esp-manager/internal/device"
	"github.com/angeruPpb/esp-manager/internal/firmware"
	"github.com/angeruPpb/esp-manager/internal/history"
	"github.com/angeruPpb/esp-manager/internal/infrastructure/config"
	"github.com/angeruPpb/esp-manager/internal/infrastructure/database"
	"github.com/angeruPpb/esp-manager/internal/infrastructure/logging"
	"github.com/angeruPpb/esp-manager/internal/ota"
	"github.com/angeruPpb/esp-manager/migrations"
)

// stubPublisher records update commands instead of publishing them.
type stubPublisher struct {
	mu   sync.Mutex
	sent []ota.UpdateCommand
	err  error
}

func (p *stubPublisher) PublishUpdate(_ context.Context, _ string, cmd ota.UpdateCommand) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, cmd)
	return nil
}

func (p *stubPublisher) Sent() []ota.UpdateCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ota.UpdateCommand(nil), p.sent...)
}

type testEnv struct {
	srv         *Server
	router      http.Handler
	orch        *ota.Orchestrator
	publisher   *stubPublisher
	firmwareDir string
}

func testLogger() *logging.Logger {
	return logging.NewWithWriter(config.LoggingConfig{Level: "error", Format: "text"}, "test", io.Discard)
}

// testServer wires a Server to a real orchestrator backed by in-memory SQLite.
func testServer(t *testing.T, mutate func(*Deps)) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		db.Close()
		t.Fatalf("failed to migrate test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	registry := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	if err := registry.RefreshCache(ctx); err != nil {
		t.Fatalf("RefreshCache() error = %v", err)
	}
	t.Cleanup(registry.Close)

	firmwareDir := t.TempDir()
	artifacts, err := firmware.NewArtifactDir(firmwareDir)
	if err != nil {
		t.Fatalf("NewArtifactDir() error = %v", err)
	}

	log := testLogger()
	wsCfg := config.WebSocketConfig{Path: "/ws", MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}
	hub := NewHub(wsCfg, log)
	hubCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(hubCtx)

	publisher := &stubPublisher{}
	orch, err := ota.New(ota.Options{
		Devices:        registry,
		Firmware:       firmware.NewStore(firmware.NewSQLiteRepository(db.DB), artifacts, registry, firmware.StoreConfig{PublicPath: "/uploads/firmware"}),
		History:        history.NewLog(history.NewSQLiteRepository(db.DB)),
		Publisher:      publisher,
		Broadcaster:    hub,
		CommandTimeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("ota.New() error = %v", err)
	}

	deps := Deps{
		Config: config.APIConfig{
			Host:          "127.0.0.1",
			Timeouts:      config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
			MaxUploadSize: 1 << 20,
		},
		WS:      wsCfg,
		Storage: config.StorageConfig{FirmwareDir: firmwareDir, PublicPath: "/uploads/firmware"},
		Logger:  log,
		OTA:     orch,
		Hub:     hub,
		DB:      db.DB,
		Version: "test",
	}
	if mutate != nil {
		mutate(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &testEnv{
		srv:         srv,
		router:      srv.buildRouter(),
		orch:        orch,
		publisher:   publisher,
		firmwareDir: firmwareDir,
	}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) register(t *testing.T, name string) *device.Device {
	t.Helper()
	w := e.do(t, httptest.NewRequest(http.MethodPost, "/devices/register", strings.NewReader(`{"name":"`+name+`"}`)))
	if w.Code != http.StatusCreated && w.Code != http.StatusOK {
		t.Fatalf("register status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp RegisterResponse
	decodeBody(t, w, &resp)
	return resp.Device
}

func (e *testEnv) upload(t *testing.T, deviceID, version, filename string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, uploadRequest(t, map[string]string{
		"deviceId":    deviceID,
		"version":     version,
		"description": "nightly",
	}, filename, []byte("\xe9firmware-image")))
}

func uploadRequest(t *testing.T, fields map[string]string, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	if filename != "" {
		part, err := mw.CreateFormFile("firmware", filename)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		part.Write(content)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/firmware/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	decodeBody(t, w, &resp)
	return resp.Error.Code
}

// ─── Health & Middleware ───────────────────────────────────────────

func TestHealth(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var resp HealthResponse
	decodeBody(t, w, &resp)
	if resp.Status != "ok" || resp.Version != "test" {
		t.Errorf("health = %+v", resp)
	}
}

func TestHealth_DegradedDependency(t *testing.T) {
	env := testServer(t, func(d *Deps) {
		d.Checks = []HealthCheck{
			{Name: "database", Check: func(context.Context) error { return nil }},
			{Name: "mqtt", Check: func(context.Context) error { return errors.New("not connected") }},
		}
	})

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	var resp HealthResponse
	decodeBody(t, w, &resp)
	if resp.Status != "degraded" || resp.Checks["database"] != "ok" || resp.Checks["mqtt"] != "not connected" {
		t.Errorf("health = %+v", resp)
	}
}

func TestRequestID(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header not generated")
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "client-id-42")
	w = env.do(t, req)
	if got := w.Header().Get("X-Request-ID"); got != "client-id-42" {
		t.Errorf("X-Request-ID = %q, want client-id-42", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	env := testServer(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/firmware/check-update", nil)
	req.Header.Set("Origin", "http://panel.local")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := env.do(t, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://panel.local" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "X-API-Key") {
		t.Errorf("Allow-Headers = %q, want X-API-Key allowed", got)
	}
}

func TestNotFound(t *testing.T) {
	env := testServer(t, nil)
	w := env.do(t, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestPanelUI(t *testing.T) {
	panelDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(panelDir, "index.html"), []byte("<!DOCTYPE html><title>panel</title>"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	env := testServer(t, func(d *Deps) { d.Storage.PanelDir = panelDir })

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "<title>panel</title>") {
		t.Errorf("GET / = %d %q, want panel index", w.Code, w.Body.String())
	}

	// API routes keep precedence over the panel fallback.
	w = env.do(t, httptest.NewRequest(http.MethodGet, "/devices", nil))
	if w.Code != http.StatusOK || strings.Contains(w.Body.String(), "<title>") {
		t.Errorf("GET /devices = %d %q, want JSON list", w.Code, w.Body.String())
	}
}

// ─── Devices ───────────────────────────────────────────────────────

func TestRegisterDevice(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(t, httptest.NewRequest(http.MethodPost, "/devices/register", strings.NewReader(`{"name":"Lab-01"}`)))
	if w.Code != http.StatusCreated {
		t.Fatalf("first register status = %d, want %d", w.Code, http.StatusCreated)
	}
	var first RegisterResponse
	decodeBody(t, w, &first)
	if !first.IsNew || first.Device.Secret != device.DeriveSecret("Lab-01") {
		t.Errorf("first register = %+v", first)
	}

	w = env.do(t, httptest.NewRequest(http.MethodPost, "/devices/register", strings.NewReader(`{"name":" lab-01 "}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("second register status = %d, want %d", w.Code, http.StatusOK)
	}
	var second RegisterResponse
	decodeBody(t, w, &second)
	if second.IsNew || second.Device.ID != first.Device.ID || second.Device.Secret != first.Device.Secret {
		t.Errorf("second register = %+v, want same device as %+v", second, first)
	}
}

func TestRegisterDevice_Invalid(t *testing.T) {
	env := testServer(t, nil)

	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"invalid json", `{`, ErrCodeBadRequest},
		{"empty name", `{"name":"  "}`, ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, httptest.NewRequest(http.MethodPost, "/devices/register", strings.NewReader(tt.body)))
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			if got := errorCode(t, w); got != tt.wantCode {
				t.Errorf("code = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

func TestListGetDeleteDevice(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/devices", nil))
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Fatalf("empty list = %d %s", w.Code, w.Body.String())
	}

	d := env.register(t, "Lab-01")

	w = env.do(t, httptest.NewRequest(http.MethodGet, "/devices", nil))
	var list []device.Device
	decodeBody(t, w, &list)
	if len(list) != 1 || list[0].ID != d.ID {
		t.Errorf("list = %+v", list)
	}

	w = env.do(t, httptest.NewRequest(http.MethodGet, "/devices/"+d.ID, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	w = env.do(t, httptest.NewRequest(http.MethodDelete, "/devices/"+d.ID, nil))
	var del DeleteResponse
	decodeBody(t, w, &del)
	if w.Code != http.StatusOK || !del.Success {
		t.Errorf("delete = %d %+v", w.Code, del)
	}

	w = env.do(t, httptest.NewRequest(http.MethodGet, "/devices/"+d.ID, nil))
	if w.Code != http.StatusNotFound || errorCode(t, w) != ErrCodeNotFound {
		t.Errorf("get after delete = %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, httptest.NewRequest(http.MethodDelete, "/devices/"+d.ID, nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// ─── Firmware ──────────────────────────────────────────────────────

func TestUploadFirmware(t *testing.T) {
	env := testServer(t, nil)
	d := env.register(t, "Lab-01")

	w := env.upload(t, d.ID, "1.2.0", "app.BIN")
	if w.Code != http.StatusOK {
		t.Fatalf("upload status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp UploadResponse
	decodeBody(t, w, &resp)
	fw := resp.Firmware
	if !resp.Success || fw == nil {
		t.Fatalf("upload response = %+v", resp)
	}
	if fw.DeviceID != d.ID || fw.Version != "1.2.0" || fw.Description != "nightly" {
		t.Errorf("firmware = %+v", fw)
	}
	if !strings.HasPrefix(fw.Filename, d.ID+"_v1.2.0_") || fw.Locator != "/uploads/firmware/"+fw.Filename {
		t.Errorf("filename = %q, locator = %q", fw.Filename, fw.Locator)
	}
	if _, err := os.Stat(filepath.Join(env.firmwareDir, fw.Filename)); err != nil {
		t.Errorf("artifact not on disk: %v", err)
	}

	got, err := env.orch.GetDevice(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if got.LastUpdateStatus != device.UpdateStatusPending {
		t.Errorf("LastUpdateStatus = %q, want pending", got.LastUpdateStatus)
	}

	// The binary is downloadable under the public path.
	w = env.do(t, httptest.NewRequest(http.MethodGet, fw.Locator, nil))
	if w.Code != http.StatusOK || w.Body.String() != "\xe9firmware-image" {
		t.Errorf("download = %d %q", w.Code, w.Body.String())
	}
	w = env.do(t, httptest.NewRequest(http.MethodGet, "/uploads/firmware/", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("directory listing status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestUploadFirmware_Rejected(t *testing.T) {
	env := testServer(t, nil)
	d := env.register(t, "Lab-01")

	tests := []struct {
		name       string
		fields     map[string]string
		filename   string
		content    []byte
		wantStatus int
	}{
		{"missing file", map[string]string{"deviceId": d.ID, "version": "1.0.0"}, "", nil, http.StatusBadRequest},
		{"missing device", map[string]string{"version": "1.0.0"}, "a.bin", []byte("x"), http.StatusBadRequest},
		{"wrong extension", map[string]string{"deviceId": d.ID, "version": "1.0.0"}, "a.hex", []byte("x"), http.StatusBadRequest},
		{"missing version", map[string]string{"deviceId": d.ID}, "a.bin", []byte("x"), http.StatusBadRequest},
		{"empty file", map[string]string{"deviceId": d.ID, "version": "1.0.0"}, "a.bin", nil, http.StatusBadRequest},
		{"unknown device", map[string]string{"deviceId": "nope", "version": "1.0.0"}, "a.bin", []byte("x"), http.StatusNotFound},
		{"too large", map[string]string{"deviceId": d.ID, "version": "1.0.0"}, "a.bin", make([]byte, 2<<20), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, uploadRequest(t, tt.fields, tt.filename, tt.content))
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/firmware/list", nil))
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("rejected uploads left records: %s", w.Body.String())
	}
}

func TestDeleteFirmware(t *testing.T) {
	env := testServer(t, nil)
	d := env.register(t, "Lab-01")
	var resp UploadResponse
	decodeBody(t, env.upload(t, d.ID, "1.1.0", "a.bin"), &resp)

	w := env.do(t, httptest.NewRequest(http.MethodDelete, "/firmware/"+resp.Firmware.ID, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	if _, err := os.Stat(filepath.Join(env.firmwareDir, resp.Firmware.Filename)); !os.IsNotExist(err) {
		t.Errorf("artifact still on disk: %v", err)
	}

	got, _ := env.orch.GetDevice(context.Background(), d.ID)
	if got.LastUpdateStatus != device.UpdateStatusNone {
		t.Errorf("LastUpdateStatus = %q, want none after last firmware deleted", got.LastUpdateStatus)
	}

	w = env.do(t, httptest.NewRequest(http.MethodDelete, "/firmware/"+resp.Firmware.ID, nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestCheckUpdate(t *testing.T) {
	env := testServer(t, nil)
	d := env.register(t, "Lab-01")

	check := func(secret, version string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/firmware/check-update?current_version="+version, nil)
		req.Host = "192.168.1.10:3000"
		req.RemoteAddr = "192.168.1.77:51234"
		if secret != "" {
			req.Header.Set("x-api-key", secret)
		}
		return env.do(t, req)
	}

	w := check(d.Secret, "1.0.0")
	var resp CheckUpdateResponse
	decodeBody(t, w, &resp)
	if w.Code != http.StatusOK || resp.Status != "ok" || resp.UpdateAvailable {
		t.Fatalf("no firmware: %d %+v", w.Code, resp)
	}

	got, _ := env.orch.GetDevice(context.Background(), d.ID)
	if got.CurrentVersion != "1.0.0" || got.IPAddress != "192.168.1.77" || got.LastCheck == nil {
		t.Errorf("device after check = %+v", got)
	}

	var up UploadResponse
	decodeBody(t, env.upload(t, d.ID, "1.2.0", "a.bin"), &up)

	tests := []struct {
		name       string
		secret     string
		version    string
		wantStatus int
		wantState  string
	}{
		{"newer available", d.Secret, "1.0.0", http.StatusOK, "update_available"},
		{"same version", d.Secret, "1.2.0", http.StatusOK, "ok"},
		{"device ahead", d.Secret, "v2.0", http.StatusOK, "ok"},
		{"no api key", "", "1.0.0", http.StatusUnauthorized, ""},
		{"bad api key", "esp32_00000000000000000000000000000000", "1.0.0", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := check(tt.secret, tt.version)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantState == "" {
				return
			}
			var resp CheckUpdateResponse
			decodeBody(t, w, &resp)
			if resp.Status != tt.wantState {
				t.Errorf("status field = %q, want %q", resp.Status, tt.wantState)
			}
			if tt.wantState == "update_available" {
				if !resp.UpdateAvailable || resp.Version != "1.2.0" || resp.Size != up.Firmware.Size {
					t.Errorf("response = %+v", resp)
				}
				if resp.URL != "http://192.168.1.10:3000"+up.Firmware.Locator {
					t.Errorf("url = %q", resp.URL)
				}
			}
		})
	}
}

func TestCheckUpdate_ConfiguredBaseURL(t *testing.T) {
	env := testServer(t, func(d *Deps) { d.Config.BaseURL = "https://ota.example.com/" })
	d := env.register(t, "Lab-01")
	var up UploadResponse
	decodeBody(t, env.upload(t, d.ID, "1.2.0", "a.bin"), &up)

	req := httptest.NewRequest(http.MethodGet, "/firmware/check-update?current_version=1.0.0", nil)
	req.Header.Set("X-API-Key", d.Secret)
	var resp CheckUpdateResponse
	decodeBody(t, env.do(t, req), &resp)
	if resp.URL != "https://ota.example.com"+up.Firmware.Locator {
		t.Errorf("url = %q", resp.URL)
	}
}

func TestSendFirmware(t *testing.T) {
	env := testServer(t, nil)
	d := env.register(t, "Lab-01")
	var up UploadResponse
	decodeBody(t, env.upload(t, d.ID, "1.2.0", "a.bin"), &up)

	send := func(firmwareID, deviceID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/firmware/"+firmwareID+"/send", strings.NewReader(`{"deviceId":"`+deviceID+`"}`))
		req.Host = "10.0.0.2:3000"
		return env.do(t, req)
	}

	w := send(up.Firmware.ID, d.ID)
	if w.Code != http.StatusAccepted {
		t.Fatalf("send status = %d, body = %s", w.Code, w.Body.String())
	}
	var result ota.SendResult
	decodeBody(t, w, &result)
	if !result.Success || result.Version != "1.2.0" {
		t.Errorf("result = %+v", result)
	}

	sent := env.publisher.Sent()
	if len(sent) != 1 || sent[0].URL != "http://10.0.0.2:3000"+up.Firmware.Locator || sent[0].Checksum == "" {
		t.Fatalf("published = %+v", sent)
	}

	// A second send while the first is unanswered is rejected.
	w = send(up.Firmware.ID, d.ID)
	if w.Code != http.StatusConflict || errorCode(t, w) != ErrCodeConflict {
		t.Errorf("duplicate send = %d %s", w.Code, w.Body.String())
	}
	if n := len(env.publisher.Sent()); n != 1 {
		t.Errorf("published %d commands, want 1", n)
	}

	w = env.do(t, httptest.NewRequest(http.MethodGet, "/devices/in-flight", nil))
	var inflight []device.Attempt
	decodeBody(t, w, &inflight)
	if len(inflight) != 1 || inflight[0].DeviceID != d.ID {
		t.Errorf("in-flight = %+v", inflight)
	}
}

func TestSendFirmware_Errors(t *testing.T) {
	env := testServer(t, nil)
	a := env.register(t, "Lab-01")
	b := env.register(t, "Lab-02")
	var up UploadResponse
	decodeBody(t, env.upload(t, a.ID, "1.2.0", "a.bin"), &up)

	tests := []struct {
		name       string
		firmwareID string
		body       string
		wantStatus int
	}{
		{"missing device", up.Firmware.ID, `{}`, http.StatusBadRequest},
		{"unknown firmware", "nope", `{"deviceId":"` + a.ID + `"}`, http.StatusNotFound},
		{"other device", up.Firmware.ID, `{"deviceId":"` + b.ID + `"}`, http.StatusBadRequest},
		{"invalid json", up.Firmware.ID, `nope`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, httptest.NewRequest(http.MethodPost, "/firmware/"+tt.firmwareID+"/send", strings.NewReader(tt.body)))
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}

	env.publisher.mu.Lock()
	env.publisher.err = errors.New("broker down")
	env.publisher.mu.Unlock()
	w := env.do(t, httptest.NewRequest(http.MethodPost, "/firmware/"+up.Firmware.ID+"/send", strings.NewReader(`{"deviceId":"`+a.ID+`"}`)))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("publish failure status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if n := len(env.orch.InFlight()); n != 0 {
		t.Errorf("in-flight after publish failure = %d, want 0", n)
	}
}

// ─── History & Metrics ─────────────────────────────────────────────

func TestListHistory(t *testing.T) {
	env := testServer(t, nil)
	d := env.register(t, "Lab-01")
	var up UploadResponse
	decodeBody(t, env.upload(t, d.ID, "1.2.0", "a.bin"), &up)

	ctx := context.Background()
	if err := env.orch.HandleUpdateStatus(ctx, ota.StatusReport{Secret: d.Secret, Version: "1.2.0", Success: true}); err != nil {
		t.Fatalf("HandleUpdateStatus() error = %v", err)
	}

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/history?deviceId="+d.ID+"&limit=10", nil))
	var entries []history.Entry
	decodeBody(t, w, &entries)
	if len(entries) != 1 || entries[0].Status != history.StatusSuccess || entries[0].Version != "1.2.0" {
		t.Errorf("history = %+v", entries)
	}

	w = env.do(t, httptest.NewRequest(http.MethodGet, "/history?limit=-1", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("negative limit status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestMetrics(t *testing.T) {
	env := testServer(t, nil)
	d := env.register(t, "Lab-01")
	env.upload(t, d.ID, "1.2.0", "a.bin")
	env.register(t, "Lab-02")

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	var m SystemMetrics
	decodeBody(t, w, &m)
	if m.Devices.Total != 2 || m.Devices.ByUpdateStatus["pending"] != 1 || m.Devices.ByUpdateStatus["none"] != 1 {
		t.Errorf("devices = %+v", m.Devices)
	}
	if m.MQTT != nil {
		t.Errorf("mqtt metrics without a bridge = %+v", m.MQTT)
	}
	if m.Database == nil || m.Runtime.Goroutines == 0 {
		t.Errorf("metrics = %+v", m)
	}
}

// ─── Error mapping ─────────────────────────────────────────────────

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"unauthorized", device.ErrUnauthorized, http.StatusUnauthorized},
		{"device not found", device.ErrDeviceNotFound, http.StatusNotFound},
		{"firmware not found", firmware.ErrFirmwareNotFound, http.StatusNotFound},
		{"in flight", device.ErrUpdateInFlight, http.StatusConflict},
		{"invalid name", device.ErrInvalidName, http.StatusBadRequest},
		{"invalid artifact wrapped", errors.Join(errors.New("ctx"), firmware.ErrInvalidArtifact), http.StatusBadRequest},
		{"mismatch", ota.ErrFirmwareMismatch, http.StatusBadRequest},
		{"publish failed", ota.ErrPublishFailed, http.StatusServiceUnavailable},
		{"too large", &http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge},
		{"other", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, _ := classify(tt.err); got != tt.wantStatus {
				t.Errorf("classify(%v) = %d, want %d", tt.err, got, tt.wantStatus)
			}
		})
	}
}

// ─── Lifecycle ─────────────────────────────────────────────────────

func TestServer_StartAndClose(t *testing.T) {
	env := testServer(t, nil)

	if err := env.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}
	if err := env.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := env.srv.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}
	if err := env.srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() after Start error = %v", err)
	}
	if err := env.srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	env := testServer(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() without logger should fail")
	}
	if _, err := New(Deps{Logger: testLogger()}); err == nil {
		t.Error("New() without service should fail")
	}
}
