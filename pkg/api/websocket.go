package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tcmartin/tbflow/pkg/logging"
	"github.com/tcmartin/tbflow/pkg/metrics"
	"github.com/tcmartin/tbflow/pkg/runtime"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = 2 * pingPeriod
)

// WebSocketManager streams flow events to WebSocket clients
type WebSocketManager struct {
	// upgrader for upgrading HTTP connections to WebSocket
	upgrader websocket.Upgrader

	// events is the flow's event bus
	events *runtime.Events

	logger logging.Logger

	mu          sync.RWMutex
	connections map[*wsConn]bool
	closed      bool
}

// wsConn is one client connection. Writes are serialized by mu.
type wsConn struct {
	conn *websocket.Conn

	mu          sync.Mutex
	connectedAt time.Time
	nodes       map[string]bool // empty means every node
}

// WebSocketMessage represents incoming WebSocket messages
type WebSocketMessage struct {
	Type   string `json:"type"` // "subscribe", "unsubscribe", "ping"
	NodeID string `json:"node_id,omitempty"`
}

// WebSocketReply is sent for control messages
type WebSocketReply struct {
	Type      string    `json:"type"` // "pong", "subscribed", "unsubscribed", "error"
	NodeID    string    `json:"node_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewWebSocketManager creates a new WebSocket manager
func NewWebSocketManager(events *runtime.Events, logger logging.Logger) *WebSocketManager {
	return &WebSocketManager{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		events:      events,
		logger:      logger,
		connections: make(map[*wsConn]bool),
	}
}

// HandleWebSocket upgrades the connection and streams events until the client
// goes away
func (wsm *WebSocketManager) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Upgrade the HTTP connection to WebSocket
	conn, err := wsm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wsm.logger.Warn("websocket upgrade failed", logging.Err(err))
		return
	}

	c := &wsConn{conn: conn, connectedAt: time.Now(), nodes: make(map[string]bool)}
	if !wsm.add(c) {
		conn.Close()
		return
	}
	defer wsm.remove(c)

	events, unsubscribe := wsm.events.Subscribe(128)
	defer unsubscribe()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go wsm.writeLoop(c, events, done)

	// Handle incoming messages
	for {
		var msg WebSocketMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsm.logger.Debug("websocket closed", logging.Err(err))
			}
			break
		}
		wsm.handleMessage(c, &msg)
	}
	close(done)
}

// handleMessage processes incoming WebSocket messages
func (wsm *WebSocketManager) handleMessage(c *wsConn, msg *WebSocketMessage) {
	reply := WebSocketReply{Timestamp: time.Now(), NodeID: msg.NodeID}
	switch msg.Type {
	case "subscribe":
		if msg.NodeID == "" {
			reply.Type, reply.Message = "error", "node_id is required"
			break
		}
		c.mu.Lock()
		c.nodes[msg.NodeID] = true
		c.mu.Unlock()
		reply.Type = "subscribed"
	case "unsubscribe":
		c.mu.Lock()
		delete(c.nodes, msg.NodeID)
		c.mu.Unlock()
		reply.Type = "unsubscribed"
	case "ping":
		reply.Type = "pong"
	default:
		reply.Type, reply.Message = "error", "unknown message type: "+msg.Type
	}
	wsm.send(c, reply)
}

func (wsm *WebSocketManager) writeLoop(c *wsConn, events <-chan runtime.Event, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				c.mu.Lock()
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				c.mu.Unlock()
				return
			}
			if !c.wants(ev.NodeID) {
				continue
			}
			if !wsm.send(c, ev) {
				return
			}
		case <-ticker.C:
			c.mu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				wsm.logger.Debug("failed to send ping", logging.Err(err))
				c.conn.Close()
				return
			}
		}
	}
}

// send writes one JSON frame and reports whether it succeeded
func (wsm *WebSocketManager) send(c *wsConn, v interface{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(v); err != nil {
		wsm.logger.Debug("failed to send websocket message", logging.Err(err))
		c.conn.Close()
		return false
	}
	return true
}

func (c *wsConn) wants(nodeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes) == 0 || c.nodes[nodeID]
}

func (wsm *WebSocketManager) add(c *wsConn) bool {
	wsm.mu.Lock()
	defer wsm.mu.Unlock()
	if wsm.closed {
		return false
	}
	wsm.connections[c] = true
	metrics.WebSocketConnections.Inc()
	return true
}

func (wsm *WebSocketManager) remove(c *wsConn) {
	wsm.mu.Lock()
	if wsm.connections[c] {
		delete(wsm.connections, c)
		metrics.WebSocketConnections.Dec()
	}
	wsm.mu.Unlock()
	c.conn.Close()
}

// Close disconnects every client
func (wsm *WebSocketManager) Close() {
	wsm.mu.Lock()
	defer wsm.mu.Unlock()
	wsm.closed = true
	for c := range wsm.connections {
		c.conn.Close()
	}
}

// GetConnectedClients returns the number of connected clients
func (wsm *WebSocketManager) GetConnectedClients() int {
	wsm.mu.RLock()
	defer wsm.mu.RUnlock()
	return len(wsm.connections)
}
