package mqtt

import (
	"context"
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/angeruPpb/esp-manager/internal/infrastructure/config"
)

// Client wraps a paho client.
//
// All methods are safe for concurrent use. Subscriptions made through
// Subscribe are restored after every reconnect.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig
	id     string

	subscriptions map[string]subscription
	subMu         sync.RWMutex

	connected bool
	connMu    sync.RWMutex

	onConnect    func()
	onDisconnect func(err error)
	callbackMu   sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex
}

// Logger is the subset of logging.Logger the client uses.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// MessageHandler receives one inbound message. Paho calls handlers on its
// own goroutines; a returned error is logged and otherwise ignored.
type MessageHandler func(topic string, payload []byte) error

// Connect dials the broker and waits up to defaultConnectTimeout for the
// first connection. Later drops are handled by paho's reconnect loop.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	c := newClient(cfg)

	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		// Stop the background retry loop.
		c.client.Disconnect(0)
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The OnConnect handler runs asynchronously; mark connected now so
	// callers can subscribe straight away.
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	return c, nil
}

// newClient builds an unconnected client.
func newClient(cfg config.MQTTConfig) *Client {
	c := &Client{
		cfg:           cfg,
		id:            clientID(cfg),
		subscriptions: make(map[string]subscription),
	}

	opts := buildClientOptions(cfg, c.id)
	configureLWT(opts, c.id)
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleDisconnect(err)
	})
	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		if logger := c.getLogger(); logger != nil {
			logger.Info("MQTT reconnecting", "client_id", c.id)
		}
	})

	c.client = pahomqtt.NewClient(opts)
	return c
}

// ClientID returns the ID presented to the broker.
func (c *Client) ClientID() string {
	return c.id
}

func (c *Client) handleConnect() {
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	c.restoreSubscriptions()
	c.client.Publish(Topics{}.SystemStatus(), byte(c.cfg.QoS), true,
		buildStatusPayload("online", c.id, ""))

	c.callbackMu.RLock()
	callback := c.onConnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	c.callbackMu.RLock()
	callback := c.onDisconnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for _, sub := range c.subscriptions {
		c.client.Subscribe(sub.topic, sub.qos, c.wrapHandler(sub.handler))
	}
}

// Close publishes a retained graceful-offline status and disconnects.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}

	if c.IsConnected() {
		token := c.client.Publish(Topics{}.SystemStatus(), byte(c.cfg.QoS), true,
			buildStatusPayload("offline", c.id, "graceful_shutdown"))
		token.WaitTimeout(defaultPublishTimeout)
	}

	c.client.Disconnect(defaultDisconnectQuiesce)

	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	return nil
}

// HealthCheck reports ErrNotConnected while the broker link is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected returns the last known connection state.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// SetOnConnect sets a callback run on the initial connect and every reconnect.
func (c *Client) SetOnConnect(callback func()) {
	c.callbackMu.Lock()
	c.onConnect = callback
	c.callbackMu.Unlock()
}

// SetOnDisconnect sets a callback run when the connection is lost.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.callbackMu.Lock()
	c.onDisconnect = callback
	c.callbackMu.Unlock()
}

// SetLogger sets the logger used for handler errors and panics.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// wrapHandler adapts a MessageHandler to paho, recovering panics so one
// malformed device message cannot take the process down.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.dispatch(handler, msg.Topic(), msg.Payload())
	}
}

func (c *Client) dispatch(handler MessageHandler, topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Error("MQTT handler panic recovered", "topic", topic, "panic", r)
			}
		}
	}()

	if err := handler(topic, payload); err != nil {
		if logger := c.getLogger(); logger != nil {
			logger.Warn("MQTT handler returned error", "topic", topic, "error", err)
		}
	}
}
