package websocket

import (
	"encoding/json"
	"sync"

	"github.com/KevinKickass/OpenFEACore/internal/auth"
	"github.com/KevinKickass/OpenFEACore/internal/monitor"
	"go.uber.org/zap"
)

// Hub maintains active WebSocket clients and broadcasts messages
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Inbound messages to broadcast
	broadcast chan Message

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Messages for a single client
	direct chan directMessage

	mu sync.RWMutex

	logger      *zap.Logger
	authService *auth.AuthService

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type directMessage struct {
	client *Client
	msg    Message
}

// NewHub creates a new Hub instance
func NewHub(logger *zap.Logger, authService *auth.AuthService) *Hub {
	return &Hub{
		broadcast:   make(chan Message, 256),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		direct:      make(chan directMessage, 64),
		clients:     make(map[*Client]bool),
		logger:      logger,
		authService: authService,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Run starts the hub's main event loop. It returns after Stop.
func (h *Hub) Run() {
	defer close(h.done)
	h.logger.Info("WebSocket Hub started")
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("WebSocket Hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("WebSocket client registered",
				zap.String("client_id", client.id.String()),
				zap.String("principal", client.principal),
				zap.Int("total_clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("WebSocket client unregistered",
					zap.String("client_id", client.id.String()),
					zap.Int("total_clients", len(h.clients)))
			}
			h.mu.Unlock()

		case dm := <-h.direct:
			data, err := json.Marshal(dm.msg)
			if err != nil {
				continue
			}
			h.mu.Lock()
			if _, ok := h.clients[dm.client]; ok {
				select {
				case dm.client.send <- data:
				default:
				}
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.logger.Error("Failed to marshal broadcast message",
					zap.Error(err))
				continue
			}

			h.mu.Lock()
			for client := range h.clients {
				if !client.wants(message) {
					continue
				}
				select {
				case client.send <- data:
				default:
					// Client send channel full - unregister slow/dead client
					close(client.send)
					delete(h.clients, client)
					h.logger.Warn("Client send buffer full, unregistering",
						zap.String("client_id", client.id.String()))
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop ends Run and closes all client send channels.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

// Broadcast sends a message to all connected clients
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Hub broadcast channel full, message dropped",
			zap.String("message_type", string(msg.Type)))
	}
}

func (h *Hub) join(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		close(c.send)
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) sendTo(c *Client, msg Message) {
	select {
	case h.direct <- directMessage{client: c, msg: msg}:
	case <-h.done:
	default:
	}
}

// MonitorListener forwards monitor events to all clients.
func (h *Hub) MonitorListener() monitor.Listener {
	return func(ev monitor.Event) {
		for _, msg := range EventMessages(ev) {
			h.Broadcast(msg)
		}
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
