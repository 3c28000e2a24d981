package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the OTA update server.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Storage   StorageConfig   `yaml:"storage"`
	OTA       OTAConfig       `yaml:"ota"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig identifies this server instance.
type ServerConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`

	// BaseURL is prefixed to firmware locators when no request host is
	// available (auto-dispatch after upload). Empty means derive from the
	// listen address.
	BaseURL string `yaml:"base_url"`

	// MaxUploadSize bounds a firmware upload request body, in bytes.
	MaxUploadSize int64 `yaml:"max_upload_size"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// StorageConfig controls where firmware binaries live and how they are served.
type StorageConfig struct {
	FirmwareDir string `yaml:"firmware_dir"`
	PublicPath  string `yaml:"public_path"`

	// PanelDir holds the control panel's static web build, served at /.
	// Empty disables it.
	PanelDir string `yaml:"panel_dir"`
}

// OTAConfig contains update dispatch settings.
type OTAConfig struct {
	// CommandTimeout is the window, in seconds, a device has to answer an
	// update command before the attempt is recorded as timed out.
	CommandTimeout int `yaml:"command_timeout"`

	// AutoDispatch sends the update command as soon as firmware is uploaded.
	AutoDispatch bool `yaml:"auto_dispatch"`

	// QueueDepth is how many inbound events each device may have waiting
	// before further events from that device are dropped.
	QueueDepth int `yaml:"queue_depth"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Options controls where Load looks for configuration sources.
type Options struct {
	// Path is the YAML configuration file.
	Path string

	// Required makes a missing YAML file an error. When false a missing
	// file falls back to defaults plus environment overrides.
	Required bool

	// EnvFile is an optional dotenv file loaded before environment
	// overrides are applied. Variables already present in the process
	// environment win over the file.
	EnvFile string
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Dotenv file (fills unset environment variables)
//  4. Environment variables (override file values)
//
// Environment variables follow the pattern: ESPMANAGER_SECTION_KEY
// For example: ESPMANAGER_DATABASE_PATH, ESPMANAGER_API_PORT
func Load(opts Options) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(opts.Path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !opts.Required:
		// Defaults and environment only.
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading env file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ID:   "esp-manager",
			Name: "ESP Manager",
		},
		Database: DatabaseConfig{
			Path:        "./data/espmanager.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "esp-manager",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 3000,
			Timeouts: APITimeoutConfig{
				Read:  60,
				Write: 60,
				Idle:  120,
			},
			MaxUploadSize: 16 << 20,
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 65536,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Storage: StorageConfig{
			FirmwareDir: "./uploads/firmware",
			PublicPath:  "/uploads/firmware",
			PanelDir:    "./public",
		},
		OTA: OTAConfig{
			CommandTimeout: 60,
			QueueDepth:     64,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) error {
	var errs []error

	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
	setBool := func(key string, dst *bool) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}

	setString("ESPMANAGER_DATABASE_PATH", &cfg.Database.Path)

	setString("ESPMANAGER_MQTT_HOST", &cfg.MQTT.Broker.Host)
	setInt("ESPMANAGER_MQTT_PORT", &cfg.MQTT.Broker.Port)
	setString("ESPMANAGER_MQTT_USERNAME", &cfg.MQTT.Auth.Username)
	setString("ESPMANAGER_MQTT_PASSWORD", &cfg.MQTT.Auth.Password)

	setString("ESPMANAGER_API_HOST", &cfg.API.Host)
	setInt("ESPMANAGER_API_PORT", &cfg.API.Port)
	// BASE_URL is the variable existing device deployments already set.
	setString("BASE_URL", &cfg.API.BaseURL)
	setString("ESPMANAGER_API_BASE_URL", &cfg.API.BaseURL)

	setString("ESPMANAGER_STORAGE_FIRMWARE_DIR", &cfg.Storage.FirmwareDir)
	setString("ESPMANAGER_STORAGE_PANEL_DIR", &cfg.Storage.PanelDir)

	setInt("ESPMANAGER_OTA_COMMAND_TIMEOUT", &cfg.OTA.CommandTimeout)
	setBool("ESPMANAGER_OTA_AUTO_DISPATCH", &cfg.OTA.AutoDispatch)

	setBool("ESPMANAGER_INFLUXDB_ENABLED", &cfg.InfluxDB.Enabled)
	setString("ESPMANAGER_INFLUXDB_URL", &cfg.InfluxDB.URL)
	setString("ESPMANAGER_INFLUXDB_TOKEN", &cfg.InfluxDB.Token)

	setString("ESPMANAGER_LOG_LEVEL", &cfg.Logging.Level)

	return errors.Join(errs...)
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.API.MaxUploadSize < 0 {
		errs = append(errs, "api.max_upload_size must not be negative")
	}

	if c.Storage.FirmwareDir == "" {
		errs = append(errs, "storage.firmware_dir is required")
	}
	if !strings.HasPrefix(c.Storage.PublicPath, "/") {
		errs = append(errs, "storage.public_path must start with /")
	}

	if c.OTA.CommandTimeout < 1 {
		errs = append(errs, "ota.command_timeout must be at least 1 second")
	}
	if c.OTA.QueueDepth < 1 {
		errs = append(errs, "ota.queue_depth must be at least 1")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetCommandTimeout returns the update command response window.
func (c *Config) GetCommandTimeout() time.Duration {
	return time.Duration(c.OTA.CommandTimeout) * time.Second
}
