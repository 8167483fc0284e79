package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/contextd/contextd/internal/bus"
)

const (
	// Time allowed to write a message to the peer.
	wsWriteWait = 10 * time.Second

	// Idle deadline: the connection dies after this long without any
	// inbound traffic (pongs count).
	wsIdleTimeout = 5 * time.Minute

	// Heartbeat ping interval.
	wsPingPeriod = 30 * time.Second

	wsMaxMessageSize = 1 << 20
	wsSendQueueLen   = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// clientCommand is the inbound command shape on the socket.
type clientCommand struct {
	Type string `json:"type"`
	Data struct {
		Channels []string `json:"channels"`
	} `json:"data"`
}

// Hub tracks live WebSocket clients.
type Hub struct {
	endpoint *Endpoint
	bus      *bus.Bus
	logger   *zap.Logger

	// OnActivity, when set, is invoked with the client id on every
	// inbound frame so connection accounting sees the socket as live.
	// Set before the hub serves traffic.
	OnActivity func(connID string)

	mu      sync.Mutex
	clients map[string]*wsClient
}

// NewHub creates the WebSocket hub.
func NewHub(endpoint *Endpoint, b *bus.Bus, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		endpoint: endpoint,
		bus:      b,
		logger:   logger,
		clients:  make(map[string]*wsClient),
	}
}

// Count reports the number of connected clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll disconnects every client; used during shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// CloseClient disconnects one client by id; a no-op for unknown ids.
func (h *Hub) CloseClient(clientID string) {
	h.mu.Lock()
	c := h.clients[clientID]
	h.mu.Unlock()
	if c != nil {
		c.close()
	}
}

// ServeHTTP upgrades the request and runs the client pumps under an id
// derived from the client_id query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	h.Serve(w, r, clientID)
}

// Serve upgrades the request and runs the client pumps under the given
// id, blocking until the connection closes.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, clientID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &wsClient{
		id:       clientID,
		hub:      h,
		conn:     conn,
		sub:      h.bus.NewSubscriber(clientID),
		send:     make(chan []byte, wsSendQueueLen),
		closedCh: make(chan struct{}),
	}

	h.mu.Lock()
	if prev, dup := h.clients[clientID]; dup {
		// A reconnect with the same id supersedes the old connection.
		go prev.close()
	}
	h.clients[clientID] = c
	h.mu.Unlock()

	h.logger.Info("websocket client connected", zap.String("client_id", clientID))

	go c.writePump()
	go c.forwardEvents()
	c.readPump(r.Context())
}

func (h *Hub) touch(clientID string) {
	if h.OnActivity != nil {
		h.OnActivity(clientID)
	}
}

func (h *Hub) drop(c *wsClient) {
	h.mu.Lock()
	if h.clients[c.id] == c {
		delete(h.clients, c.id)
	}
	h.mu.Unlock()
	h.bus.UnsubscribeAll(c.sub)
	h.logger.Info("websocket client disconnected", zap.String("client_id", c.id))
}

type wsClient struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	sub  *bus.Subscriber
	send chan []byte

	closeOnce sync.Once
	closedCh  chan struct{}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.closedCh)
		_ = c.conn.Close()
		c.hub.drop(c)
	})
}

// readPump owns inbound traffic: bus commands and JSON-RPC requests.
// JSON-RPC requests are handled inline, which keeps responses in FIFO
// order for the connection.
func (c *wsClient) readPump(ctx context.Context) {
	defer c.close()

	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.hub.touch(c.id)
		return c.conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("websocket read failed", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		c.hub.touch(c.id)

		if bytes.Contains(raw, []byte(`"jsonrpc"`)) {
			resp := c.hub.endpoint.HandleRaw(ctx, raw, c.id)
			c.enqueue(resp)
			continue
		}
		c.handleCommand(raw)
	}
}

func (c *wsClient) handleCommand(raw []byte) {
	var cmd clientCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		c.sendError("malformed command", nil)
		return
	}
	switch cmd.Type {
	case "subscribe":
		for _, channel := range cmd.Data.Channels {
			if err := c.hub.bus.Subscribe(c.sub, channel); err != nil {
				c.sendError("unknown channel: "+channel, c.hub.bus.Channels())
				return
			}
		}
		c.enqueueJSON(map[string]any{
			"type":      "subscribed",
			"channels":  cmd.Data.Channels,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	case "unsubscribe":
		for _, channel := range cmd.Data.Channels {
			c.hub.bus.Unsubscribe(c.sub, channel)
		}
		c.enqueueJSON(map[string]any{
			"type":      "unsubscribed",
			"channels":  cmd.Data.Channels,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	case "ping":
		c.enqueueJSON(map[string]any{
			"type":      "pong",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	default:
		c.sendError("unknown command type: "+cmd.Type, nil)
	}
}

func (c *wsClient) sendError(message string, availableChannels []string) {
	payload := map[string]any{
		"type":    "error",
		"message": message,
	}
	if availableChannels != nil {
		payload["available_channels"] = availableChannels
	}
	c.enqueueJSON(payload)
}

func (c *wsClient) enqueueJSON(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.enqueue(raw)
}

// enqueue hands a frame to the write pump without blocking; a client
// that cannot drain its queue is disconnected.
func (c *wsClient) enqueue(raw []byte) {
	select {
	case c.send <- raw:
	case <-c.closedCh:
	default:
		c.hub.logger.Warn("websocket send queue full, dropping client", zap.String("client_id", c.id))
		go c.close()
	}
}

// forwardEvents pushes bus events into the send queue.
func (c *wsClient) forwardEvents() {
	for {
		select {
		case <-c.closedCh:
			return
		case ev, ok := <-c.sub.Events():
			if !ok {
				return
			}
			c.enqueueJSON(ev)
		}
	}
}

// writePump owns outbound traffic and the heartbeat.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.closedCh:
			return
		case raw := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
