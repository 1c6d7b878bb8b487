package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/KevinKickass/OpenFEACore/internal/auth"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	// Send channel buffer size
	sendBufferSize = 256

	authTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// clientMessage is what clients may send.
type clientMessage struct {
	Type    string `json:"type"`
	Token   string `json:"token,omitempty"`
	Modules []int  `json:"modules,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	id            uuid.UUID
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	logger        *zap.Logger
	authenticated bool
	principal     string
	permissions   []auth.Permission

	// module subscription, empty means all modules
	filterMu sync.RWMutex
	modules  map[int]bool
}

// wants reports whether msg passes the client's module subscription.
func (c *Client) wants(msg Message) bool {
	if msg.Module == 0 {
		return true
	}
	c.filterMu.RLock()
	defer c.filterMu.RUnlock()
	return len(c.modules) == 0 || c.modules[msg.Module]
}

func (c *Client) subscribe(numbers []int) {
	c.filterMu.Lock()
	defer c.filterMu.Unlock()
	c.modules = make(map[int]bool, len(numbers))
	for _, n := range numbers {
		c.modules[n] = true
	}
}

// readPump handles reading messages from the WebSocket connection
func (c *Client) readPump() {
	defer func() {
		if c.authenticated {
			c.hub.leave(c)
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if !c.authenticated {
		c.conn.SetReadDeadline(time.Now().Add(authTimeout))
	}

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("remote_addr", c.conn.RemoteAddr().String()))
			}
			break
		}

		// First message MUST be authentication
		if !c.authenticated {
			if !c.authenticate(msg) {
				// let the write pump flush auth_failed before the close
				time.Sleep(100 * time.Millisecond)
				return
			}
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *Client) authenticate(msg clientMessage) bool {
	if msg.Type != "auth" {
		c.sendAuthFailed("First message must be authentication")
		return false
	}
	if msg.Token == "" {
		c.sendAuthFailed("Missing token in auth message")
		return false
	}

	principal, permissions, err := c.hub.authService.ValidateToken(msg.Token)
	if err != nil {
		c.logger.Warn("WebSocket authentication failed",
			zap.Error(err),
			zap.String("remote_addr", c.conn.RemoteAddr().String()))
		c.sendAuthFailed("Invalid or expired token")
		return false
	}

	c.principal = principal
	c.permissions = permissions
	c.conn.SetReadDeadline(time.Time{})
	c.sendAuthSuccess()

	// register only after auth
	c.authenticated = true
	c.hub.join(c)
	return true
}

func (c *Client) sendAuthSuccess() {
	c.sendDirect(NewMessage(MessageTypeAuthSuccess, map[string]interface{}{
		"client_id":   c.id.String(),
		"principal":   c.principal,
		"permissions": c.permissions,
	}))
}

func (c *Client) sendAuthFailed(reason string) {
	c.sendDirect(NewMessage(MessageTypeAuthFailed, map[string]string{"reason": reason}))
}

// sendDirect queues msg for this client only. Safe only before the client
// joins the hub; afterwards the hub owns c.send.
func (c *Client) sendDirect(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) handleMessage(msg clientMessage) {
	c.logger.Debug("Received client message",
		zap.String("client_id", c.id.String()),
		zap.String("type", msg.Type))

	switch msg.Type {
	case "subscribe":
		c.subscribe(msg.Modules)
		c.hub.sendTo(c, NewMessage(MessageTypeSubscribed, map[string][]int{"modules": msg.Modules}))
	}
}

// writePump handles writing messages to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs handles WebSocket upgrade requests. When authentication is
// disabled the client is registered right away.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		id:     uuid.New(),
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: hub.logger,
	}

	if hub.authService == nil || !hub.authService.Enabled() {
		client.authenticated = true
		client.principal = "anonymous"
		hub.join(client)
	}

	// Start read and write pumps in separate goroutines
	go client.writePump()
	go client.readPump()
}
