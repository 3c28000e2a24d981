package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/angeruPpb/esp-manager/internal/infrastructure/config"
	"github.com/angeruPpb/esp-manager/internal/infrastructure/logging"
)

// WebSocket constants.
const (
	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256

	// Defaults applied when the configuration leaves a value unset.
	defaultWSMaxMessageSize = 64 << 10
	defaultWSPingInterval   = 30
	defaultWSPongTimeout    = 10
)

// WSMessage is the envelope of every realtime frame in both directions.
type WSMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// wsInbound is an incoming envelope with its payload left undecoded.
type wsInbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// clientKind tells panel connections from device connections. Only
// panels receive broadcasts.
type clientKind int32

const (
	kindPanel clientKind = iota
	kindDevice
)

// Hub manages WebSocket connections and broadcasts events to panels.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex
}

// WSClient represents a connected WebSocket client.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	kind     atomic.Int32
	deviceID atomic.Value // string, set once a device authenticates

	// remoteIP and baseURL are fixed at upgrade time. baseURL is the
	// origin this client reached us on, so locators handed out on its
	// behalf are reachable from its network segment.
	remoteIP string
	baseURL  string

	onMessage func(c *WSClient, msg wsInbound)
	onClose   func(c *WSClient) // after the hub has dropped the client
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a new WebSocket hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultWSMaxMessageSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultWSPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultWSPongTimeout
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run starts the hub's main loop. It blocks until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "remote", client.remoteIP, "clients", h.ClientCount())
}

// Unregister removes a client from the hub and reports whether it was
// still registered.
// Only the goroutine that successfully removes the client from the map
// closes the send channel, preventing double-close panics during shutdown.
func (h *Hub) Unregister(client *WSClient) bool {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
	h.logger.Debug("websocket client disconnected", "remote", client.remoteIP, "clients", h.ClientCount())
	return existed
}

// Broadcast sends a named event to every panel client. Events are full
// snapshots or notices, so a slow panel that misses one catches up on the
// next.
func (h *Hub) Broadcast(event string, payload any) {
	data, err := json.Marshal(WSMessage{Event: event, Data: payload})
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "event", event, "error", err)
		return
	}

	// Snapshot client list under hub lock, then release before sending
	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	sentCount := 0
	for _, client := range clients {
		if client.isPanel() {
			client.trySend(data)
			sentCount++
		}
	}
	if sentCount > 0 {
		h.logger.Debug("broadcast sent", "event", event, "recipients", sentCount)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Counts returns connected panels and authenticated devices.
func (h *Hub) Counts() (panels, devices int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.isPanel() {
			panels++
		} else {
			devices++
		}
	}
	return panels, devices
}

// closeAll disconnects all clients and closes their send channels
// so writePump goroutines can exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
		delete(h.clients, client)
	}
}

// handleWebSocket upgrades the HTTP connection to a WebSocket connection.
// Every connection starts as a panel; device_register turns it into a
// device connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		hub:       s.hub,
		conn:      conn,
		send:      make(chan []byte, wsSendBufferSize),
		remoteIP:  clientIP(r),
		baseURL:   hostBaseURL(r),
		onMessage: s.handleRealtime,
		onClose:   s.handleDisconnect,
	}

	s.hub.Register(client)

	go client.writePump()
	go client.readPump()
}

// readPump reads messages from the WebSocket connection. Messages from one
// client are handled in arrival order.
func (c *WSClient) readPump() {
	defer func() {
		if c.hub.Unregister(c) && c.onClose != nil {
			c.onClose(c)
		}
		c.conn.Close()
	}()

	cfg := c.hub.cfg
	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		// Any client message resets the read deadline.
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))

		var msg wsInbound
		if err := json.Unmarshal(message, &msg); err != nil || msg.Event == "" {
			c.sendError("invalid message: expected {\"event\": ..., \"data\": ...}")
			continue
		}
		if c.onMessage != nil {
			c.onMessage(c, msg)
		}
	}
}

// writePump writes messages to the WebSocket connection. A nil message
// asks for the connection to be closed once everything queued before it
// has been written.
func (c *WSClient) writePump() {
	cfg := c.hub.cfg
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	pongWait := time.Duration(cfg.PongTimeout) * time.Second

	for {
		select {
		case message, ok := <-c.send:
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if !ok || message == nil {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// trySend attempts to send data to the client's send channel.
// It silently handles closed channels (client disconnected during broadcast)
// and full buffers (slow client).
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
		// Client buffer full, skip
	}
}

// reply sends a named event to this client only.
func (c *WSClient) reply(event string, payload any) {
	data, err := json.Marshal(WSMessage{Event: event, Data: payload})
	if err != nil {
		c.hub.logger.Error("failed to marshal websocket reply", "event", event, "error", err)
		return
	}
	c.trySend(data)
}

// sendError sends an error event to the client.
func (c *WSClient) sendError(message string) {
	c.reply(EventError, map[string]string{"message": message})
}

// closeAfterFlush closes the connection after queued replies are written.
func (c *WSClient) closeAfterFlush() {
	c.trySend(nil)
}

func (c *WSClient) isPanel() bool {
	return clientKind(c.kind.Load()) == kindPanel
}

// becomeDevice marks the connection as belonging to an authenticated device.
func (c *WSClient) becomeDevice(deviceID string) {
	c.deviceID.Store(deviceID)
	c.kind.Store(int32(kindDevice))
}

// DeviceID returns the authenticated device ID, or "" for panels.
func (c *WSClient) DeviceID() string {
	id, _ := c.deviceID.Load().(string) //nolint:errcheck // unset means panel
	return id
}
