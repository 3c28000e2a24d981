package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/angeruPpb/esp-manager/internal/bridge"
	"github.com/angeruPpb/esp-manager/internal/device"
	"github.com/angeruPpb/esp-manager/internal/firmware"
	"github.com/angeruPpb/esp-manager/internal/history"
	"github.com/angeruPpb/esp-manager/internal/infrastructure/config"
	"github.com/angeruPpb/esp-manager/internal/infrastructure/logging"
	"github.com/angeruPpb/esp-manager/internal/ota"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// healthCheckTimeout bounds each dependency check behind GET /health.
const healthCheckTimeout = 2 * time.Second

// defaultMaxUploadSize applies when the configuration leaves the limit unset.
const defaultMaxUploadSize = 16 << 20

// Service is the update workflow the API exposes. Satisfied by
// *ota.Orchestrator.
type Service interface {
	RegisterDevice(ctx context.Context, name string) (*device.Device, bool, error)
	GetDevice(ctx context.Context, id string) (*device.Device, error)
	ListDevices(ctx context.Context) ([]device.Device, error)
	DeleteDevice(ctx context.Context, id string) error
	ConnectDevice(ctx context.Context, secret, version, ip string) (*device.Device, error)

	UploadFirmware(ctx context.Context, body io.Reader, meta firmware.Metadata) (*firmware.Firmware, error)
	ListFirmware(ctx context.Context) ([]firmware.Firmware, error)
	DeleteFirmware(ctx context.Context, id string) (*firmware.Firmware, error)

	SendUpdate(ctx context.Context, req ota.SendRequest) (*ota.SendResult, error)
	CheckUpdate(ctx context.Context, req ota.CheckRequest) (*ota.CheckResult, error)
	HandleUpdateStatus(ctx context.Context, r ota.StatusReport) error
	ListHistory(ctx context.Context, filter history.Filter) ([]history.Entry, error)
	InFlight() []device.Attempt
}

// BridgeStats reports messaging bridge counters for /metrics.
type BridgeStats interface {
	Stats() bridge.Stats
	IsConnected() bool
}

// DBStats reports connection pool statistics. Satisfied by *sql.DB.
type DBStats interface {
	Stats() sql.DBStats
}

// HealthCheck is one named dependency check reported by GET /health.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	WS      config.WebSocketConfig
	Storage config.StorageConfig
	Logger  *logging.Logger
	OTA     Service

	// Hub is shared with the orchestrator, which broadcasts through it.
	// When nil the server creates and runs its own.
	Hub *Hub

	Bridge BridgeStats   // optional
	DB     DBStats       // optional
	Checks []HealthCheck // optional

	Version string
}

// Server is the HTTP API server of the ESP manager.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	storage   config.StorageConfig
	logger    *logging.Logger
	ota       Service
	bridge    BridgeStats
	db        DBStats
	checks    []HealthCheck
	version   string
	hub       *Hub
	ownHub    bool
	startTime time.Time

	rtHandlers map[string]realtimeHandler

	mu     sync.Mutex
	server *http.Server
	errCh  chan error         // receives a listener failure
	cancel context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.OTA == nil {
		return nil, fmt.Errorf("update service is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		storage:   deps.Storage,
		logger:    deps.Logger.Component("api"),
		ota:       deps.OTA,
		bridge:    deps.Bridge,
		db:        deps.DB,
		checks:    deps.Checks,
		version:   deps.Version,
		hub:       deps.Hub,
		startTime: time.Now(),
	}
	s.rtHandlers = s.realtimeHandlers()
	if s.hub == nil {
		s.hub = NewHub(deps.WS, s.logger)
		s.ownHub = true
	}
	if s.cfg.MaxUploadSize <= 0 {
		s.cfg.MaxUploadSize = defaultMaxUploadSize
	}
	if s.wsCfg.Path == "" {
		s.wsCfg.Path = "/ws"
	}
	return s, nil
}

// Hub returns the WebSocket hub the server fans events out through.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the fully wired router without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections in a background goroutine.
// The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if s.ownHub {
		go s.hub.Run(srvCtx)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	srv, errCh := s.server, make(chan error, 1)
	s.errCh = errCh
	go func() {
		s.logger.Info("API server listening", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
			errCh <- err
		}
	}()

	return nil
}

// Run starts the server and blocks until ctx is cancelled or the listener
// fails, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	errCh := s.errCh
	s.mu.Unlock()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	if err := s.Close(); err != nil && serveErr == nil {
		return err
	}
	if serveErr != nil {
		return fmt.Errorf("api server: %w", serveErr)
	}
	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
