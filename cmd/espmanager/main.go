// ESP Manager - OTA firmware orchestration for ESP devices.
//
// This is the main entry point. It wires the device registry, firmware
// store and update history to the MQTT bridge, the HTTP API and the
// realtime WebSocket channel, then runs until interrupted.
//
// Usage:
//
//	espmanager [--config configs/config.yaml] [--env-file .env]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/angeruPpb/esp-manager/internal/api"
	"github.com/angeruPpb/esp-manager/internal/bridge"
	"github.com/angeruPpb/esp-manager/internal/device"
	"github.com/angeruPpb/esp-manager/internal/firmware"
	"github.com/angeruPpb/esp-manager/internal/history"
	"github.com/angeruPpb/esp-manager/internal/infrastructure/config"
	"github.com/angeruPpb/esp-manager/internal/infrastructure/database"
	"github.com/angeruPpb/esp-manager/internal/infrastructure/influxdb"
	"github.com/angeruPpb/esp-manager/internal/infrastructure/logging"
	"github.com/angeruPpb/esp-manager/internal/infrastructure/mqtt"
	"github.com/angeruPpb/esp-manager/internal/ota"
	"github.com/angeruPpb/esp-manager/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// options holds the parsed command line.
type options struct {
	configPath  string
	configSet   bool // --config given explicitly; a missing file is then an error
	envFile     string
	showVersion bool
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	if opts.showVersion {
		fmt.Printf("espmanager %s (commit %s, built %s)\n", version, commit, date)
		return
	}

	// Cancel on Ctrl+C and SIGTERM for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags reads the command line. The ESPMANAGER_CONFIG environment
// variable supplies the config path when --config is absent.
func parseFlags(args []string, output io.Writer) (options, error) {
	var opts options

	flagSet := pflag.NewFlagSet("espmanager", pflag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "path to the YAML configuration file")
	flagSet.StringVar(&opts.envFile, "env-file", ".env", "dotenv file applied before environment overrides")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version information and exit")

	if err := flagSet.Parse(args); err != nil {
		return options{}, err
	}
	if flagSet.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", flagSet.Args())
	}

	opts.configSet = flagSet.Changed("config")
	if !opts.configSet {
		if path := os.Getenv("ESPMANAGER_CONFIG"); path != "" {
			opts.configPath = path
			opts.configSet = true
		}
	}
	return opts, nil
}

// run is the actual application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context, opts options) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting ESP Manager",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(config.Options{
		Path:     opts.configPath,
		Required: opts.configSet,
		EnvFile:  opts.envFile,
	})
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", opts.configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Device registry
	registry := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	registry.SetLogger(log.Component("device"))
	if refreshErr := registry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading device registry: %w", refreshErr)
	}
	defer registry.Close()
	log.Info("device registry initialised", "devices", registry.GetDeviceCount())

	// Firmware store
	artifacts, err := firmware.NewArtifactDir(cfg.Storage.FirmwareDir)
	if err != nil {
		return fmt.Errorf("preparing firmware directory: %w", err)
	}
	store := firmware.NewStore(firmware.NewSQLiteRepository(db.DB), artifacts, registry, firmware.StoreConfig{
		PublicPath: cfg.Storage.PublicPath,
	})
	store.SetLogger(log.Component("firmware"))
	log.Info("firmware store initialised",
		"dir", artifacts.Root(),
		"public_path", cfg.Storage.PublicPath,
	)

	historyLog := history.NewLog(history.NewSQLiteRepository(db.DB))

	// Connect to InfluxDB (optional)
	influxClient, err := connectInflux(ctx, cfg, log)
	if err != nil {
		return err
	}
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
	}

	// Connect to MQTT broker. Update commands cannot be delivered without it.
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.Component("mqtt"))
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", mqttClient.ClientID(),
	)

	deviceBridge, err := bridge.NewBridge(bridge.BridgeOptions{
		MQTTClient: &mqttBridgeAdapter{client: mqttClient},
		QueueDepth: cfg.OTA.QueueDepth,
		Logger:     log.Component("bridge"),
	})
	if err != nil {
		return fmt.Errorf("creating MQTT bridge: %w", err)
	}

	hub := api.NewHub(cfg.WebSocket, log.Component("websocket"))

	otaOpts := ota.Options{
		Devices:        registry,
		Firmware:       store,
		History:        historyLog,
		Publisher:      deviceBridge,
		Broadcaster:    hub,
		CommandTimeout: cfg.GetCommandTimeout(),
		BaseURL:        cfg.API.BaseURL,
		AutoDispatch:   cfg.OTA.AutoDispatch,
		Logger:         log.Component("ota"),
	}
	if influxClient != nil {
		otaOpts.Telemetry = influxClient
	}
	orchestrator, err := ota.New(otaOpts)
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}

	if startErr := deviceBridge.Start(orchestrator); startErr != nil {
		deviceBridge.Stop()
		return fmt.Errorf("starting MQTT bridge: %w", startErr)
	}
	defer func() {
		log.Info("stopping MQTT bridge")
		deviceBridge.Stop()
	}()

	server, err := api.New(api.Deps{
		Config:  cfg.API,
		WS:      cfg.WebSocket,
		Storage: cfg.Storage,
		Logger:  log,
		OTA:     orchestrator,
		Hub:     hub,
		Bridge:  deviceBridge,
		DB:      db.DB,
		Checks:  healthChecks(db, mqttClient, influxClient),
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		hub.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		return server.Run(groupCtx)
	})

	logListenURLs(log, cfg.API)
	log.Info("initialisation complete, waiting for shutdown signal")
	err = group.Wait()

	// Deferred cleanup runs in reverse order:
	// bridge, MQTT, InfluxDB, registry timers, database.
	log.Info("shutting down")
	if err != nil {
		return err
	}
	log.Info("ESP Manager stopped")
	return nil
}

// connectInflux opens the optional telemetry sink. A nil client with a
// nil error means telemetry is disabled.
func connectInflux(ctx context.Context, cfg *config.Config, log *logging.Logger) (*influxdb.Client, error) {
	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
	if errors.Is(err, influxdb.ErrDisabled) {
		log.Info("InfluxDB disabled")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}

	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected",
		"url", cfg.InfluxDB.URL,
		"org", cfg.InfluxDB.Org,
		"bucket", cfg.InfluxDB.Bucket,
	)
	return client, nil
}

// healthChecks lists the dependency checks served by GET /health.
func healthChecks(db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) []api.HealthCheck {
	checks := []api.HealthCheck{
		{Name: "database", Check: db.HealthCheck},
		{Name: "mqtt", Check: mqttClient.HealthCheck},
	}
	if influxClient != nil {
		checks = append(checks, api.HealthCheck{Name: "influxdb", Check: influxClient.HealthCheck})
	}
	return checks
}

// healthCheck verifies all infrastructure connections are healthy.
// influxClient may be nil when telemetry is disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}

// logListenURLs logs the addresses devices can reach the API on. A
// wildcard host is expanded to every non-loopback IPv4 interface address.
func logListenURLs(log *logging.Logger, cfg config.APIConfig) {
	if cfg.BaseURL != "" {
		log.Info("devices directed to configured base URL", "base_url", cfg.BaseURL)
	}
	if cfg.Host != "" && cfg.Host != "0.0.0.0" {
		log.Info("API reachable", "url", fmt.Sprintf("http://%s", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))))
		return
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		log.Warn("listing network interfaces", "error", err)
		return
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.To4() == nil {
			continue
		}
		log.Info("API reachable", "url", fmt.Sprintf("http://%s", net.JoinHostPort(ipNet.IP.String(), strconv.Itoa(cfg.Port))))
	}
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface. The bridge's handlers never fail; they count and
// log their own drops.
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}
