package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/angeruPpb/esp-manager/internal/infrastructure/config"
)

// Connection constants.
const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is in milliseconds.
	defaultDisconnectQuiesce = 1000

	defaultKeepAlive = 60 * time.Second

	maxQoS = 2

	tlsMinVersion = tls.VersionTLS12

	// clientIDPrefix is used when no client ID is configured.
	clientIDPrefix = "espmanager-"
)

// clientID returns the configured ID or a fresh one. Two managers sharing
// a broker must not share an ID or the broker will keep kicking one off.
func clientID(cfg config.MQTTConfig) string {
	if cfg.Broker.ClientID != "" {
		return cfg.Broker.ClientID
	}
	return clientIDPrefix + uuid.NewString()[:8]
}

// buildClientOptions creates paho options from the broker configuration.
func buildClientOptions(cfg config.MQTTConfig, id string) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port))
	opts.SetClientID(id)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	opts.SetCleanSession(true)
	// Handlers run one at a time in arrival order; consumers rely on it.
	opts.SetOrderMatters(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second)
	opts.SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second)

	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	return opts
}

// statusPayload is the body published on the system status topic.
type statusPayload struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

func buildStatusPayload(status, id, reason string) []byte {
	b, _ := json.Marshal(statusPayload{ //nolint:errcheck // plain struct of strings always marshals
		Status:    status,
		ClientID:  id,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	return b
}

// configureLWT has the broker publish a retained offline status if the
// manager vanishes without a clean disconnect.
func configureLWT(opts *pahomqtt.ClientOptions, id string) {
	opts.SetBinaryWill(Topics{}.SystemStatus(),
		buildStatusPayload("offline", id, "unexpected_disconnect"), 1, true)
}
