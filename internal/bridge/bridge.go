package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/angeruPpb/esp-manager/internal/infrastructure/logging"
	"github.com/angeruPpb/esp-manager/internal/infrastructure/mqtt"
	"github.com/angeruPpb/esp-manager/internal/ota"
)

// Bridge operation constants.
const (
	// DefaultQueueDepth is how many decoded messages a device may have
	// waiting when no depth is configured.
	DefaultQueueDepth = 64

	// eventTimeout bounds the handling of a single inbound message.
	eventTimeout = 10 * time.Second

	// commandQoS is used for update commands; devices must see them once.
	commandQoS = 1

	// subscribeQoS is used for every inbound device topic.
	subscribeQoS = 1
)

// Bridge translates between device MQTT traffic and the orchestrator.
// It handles:
//   - Decoding device reports and routing them to an EventHandler
//   - Keeping each device's reports in arrival order, with no device
//     waiting on another
//   - Publishing update commands
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	mqtt    MQTTClient
	topics  mqtt.Topics
	handler EventHandler

	// Per-device ordering: each device with pending reports has its own
	// queue and worker. The worker exits once the queue drains.
	queuesMu   sync.Mutex
	queues     map[string]chan inbound
	queueDepth int
	stopping   bool // guarded by queuesMu

	received atomic.Uint64
	dropped  atomic.Uint64
	handled  atomic.Uint64
	failed   atomic.Uint64

	// Shutdown coordination
	started   atomic.Bool
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context    // Bridge-level context, cancelled on Stop()
	ctxCancel context.CancelFunc // Cancel function for ctx

	now func() time.Time

	// Logger
	logger   Logger
	loggerMu sync.RWMutex
}

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// EventHandler receives decoded device reports.
// Satisfied by *ota.Orchestrator.
type EventHandler interface {
	HandleHeartbeat(ctx context.Context, hb ota.Heartbeat) error
	HandleDownloadComplete(ctx context.Context, r ota.DownloadReport) error
	HandleUpdateStatus(ctx context.Context, r ota.StatusReport) error
}

// Logger defines the logging interface used by the Bridge.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// MQTTClient is the MQTT client implementation.
	MQTTClient MQTTClient

	// QueueDepth bounds each device's pending reports. Zero means
	// DefaultQueueDepth.
	QueueDepth int

	// Logger is optional structured logger.
	Logger Logger
}

// Stats counts messages seen by the bridge since it started.
type Stats struct {
	Received uint64 `json:"received"`
	Dropped  uint64 `json:"dropped"`
	Handled  uint64 `json:"handled"`
	Failed   uint64 `json:"failed"`
	Queues   int    `json:"queues"`
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}

	depth := opts.QueueDepth
	if depth <= 0 {
		depth = DefaultQueueDepth
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		mqtt:       opts.MQTTClient,
		queues:     make(map[string]chan inbound),
		queueDepth: depth,
		done:       make(chan struct{}),
		ctx:        ctx,
		ctxCancel:  ctxCancel,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     opts.Logger,
	}
	return b, nil
}

// Start subscribes to every inbound device topic. Reports are delivered
// to handler.
func (b *Bridge) Start(handler EventHandler) error {
	if handler == nil {
		return fmt.Errorf("event handler is required")
	}
	if !b.started.CompareAndSwap(false, true) {
		return fmt.Errorf("bridge already started")
	}
	b.handler = handler

	patterns := b.topics.Inbound()
	kinds := make([]string, 0, len(patterns))
	for kind := range patterns {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)

	for _, kind := range kinds {
		topic := patterns[mqtt.MessageKind(kind)]
		if err := b.mqtt.Subscribe(topic, subscribeQoS, b.handleMQTTMessage); err != nil {
			return fmt.Errorf("subscribe to %s: %w", kind, err)
		}
		b.logInfo("subscribed to device topic", "kind", kind, "topic", topic)
	}

	b.logInfo("bridge started", "queue_depth", b.queueDepth)
	return nil
}

// Stop gracefully shuts down the bridge. Queued messages are discarded.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		// No queue is created once stopping is set, so wg cannot grow
		// while Wait runs.
		b.queuesMu.Lock()
		b.stopping = true
		close(b.done)
		b.queuesMu.Unlock()

		// Cancel bridge context to abort in-flight handlers
		b.ctxCancel()

		// Wait for device workers to exit
		b.wg.Wait()

		b.logInfo("bridge stopped")
	})
}

// PublishUpdate sends an update command to the device owning secret.
func (b *Bridge) PublishUpdate(ctx context.Context, secret string, cmd ota.UpdateCommand) error {
	select {
	case <-b.done:
		return ErrStopped
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if secret == "" {
		return fmt.Errorf("device secret is required")
	}
	if !b.mqtt.IsConnected() {
		return ErrNotConnected
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshalling update command: %w", err)
	}

	topic := b.topics.UpdateCommand(secret)
	if err := b.mqtt.Publish(topic, payload, commandQoS, false); err != nil {
		return fmt.Errorf("publishing update command: %w", err)
	}

	b.logDebug("update command published", "secret", logging.Secret(secret), "version", cmd.Version)
	return nil
}

// Stats returns message counters.
func (b *Bridge) Stats() Stats {
	b.queuesMu.Lock()
	queues := len(b.queues)
	b.queuesMu.Unlock()

	return Stats{
		Received: b.received.Load(),
		Dropped:  b.dropped.Load(),
		Handled:  b.handled.Load(),
		Failed:   b.failed.Load(),
		Queues:   queues,
	}
}

// IsConnected reports whether the broker connection is up.
func (b *Bridge) IsConnected() bool {
	return b.mqtt.IsConnected()
}

// handleMQTTMessage decodes one message and queues it for its device.
// It never blocks, so the MQTT client's router keeps moving.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	b.received.Add(1)

	kind, secret, ok := b.topics.ParseDeviceTopic(topic)
	if !ok {
		b.dropped.Add(1)
		b.logWarn("message on unknown topic", "topic", topic)
		return
	}

	msg, err := decode(kind, secret, payload, b.now())
	if err != nil {
		b.dropped.Add(1)
		b.logWarn("dropping device message",
			"kind", string(kind),
			"secret", logging.Secret(secret),
			"error", err)
		return
	}

	b.enqueue(msg)
}

// enqueue appends msg to its device's queue, starting a worker for the
// device if none is running. A full queue drops the message.
func (b *Bridge) enqueue(msg inbound) {
	b.queuesMu.Lock()
	defer b.queuesMu.Unlock()

	if b.stopping {
		b.dropped.Add(1)
		return
	}

	queue, ok := b.queues[msg.secret]
	if !ok {
		queue = make(chan inbound, b.queueDepth)
		b.queues[msg.secret] = queue
		b.wg.Add(1)
		go b.drain(msg.secret, queue)
	}

	select {
	case queue <- msg:
	default:
		b.dropped.Add(1)
		b.logWarn("device queue full, dropping message",
			"kind", string(msg.kind),
			"secret", logging.Secret(msg.secret),
			"depth", b.queueDepth)
	}
}

// drain handles one device's messages in order. The queue is removed
// under queuesMu once it is empty, so a later message starts a fresh
// worker instead of landing in an abandoned queue.
func (b *Bridge) drain(secret string, queue chan inbound) {
	defer b.wg.Done()

	for {
		b.queuesMu.Lock()
		var (
			msg inbound
			ok  bool
		)
		select {
		case <-b.done:
		case msg, ok = <-queue:
		default:
		}
		if !ok {
			delete(b.queues, secret)
			b.queuesMu.Unlock()
			return
		}
		b.queuesMu.Unlock()

		b.process(msg)
	}
}

// process delivers one message. A failing or panicking handler is logged
// and never stops the device's worker.
func (b *Bridge) process(msg inbound) {
	defer func() {
		if r := recover(); r != nil {
			b.failed.Add(1)
			b.logError("device message handler panicked", fmt.Errorf("%v", r))
		}
	}()

	ctx, cancel := context.WithTimeout(b.ctx, eventTimeout)
	defer cancel()

	if err := msg.apply(ctx, b.handler); err != nil {
		b.failed.Add(1)
		if errors.Is(err, ota.ErrInvalidRequest) {
			b.logDebug("device report rejected", "kind", string(msg.kind), "error", err)
			return
		}
		b.logWarn("device report not applied",
			"kind", string(msg.kind),
			"secret", logging.Secret(msg.secret),
			"error", err)
		return
	}
	b.handled.Add(1)
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	defer b.loggerMu.Unlock()
	b.logger = logger
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

// logInfo logs an info message if logger is set.
func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logWarn logs a warning if logger is set.
func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (b *Bridge) logError(msg string, err error) {
	if logger := b.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}

// logDebug logs a debug message if logger is set.
func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
