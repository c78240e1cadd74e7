package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/soyeahso/seekchat/internal/logging"
)

const wsWriteWait = 10 * time.Second

// Client is an authenticated WebSocket connection running a chat turn.
type Client struct {
	ConnID      string
	UserID      string
	Socket      *websocket.Conn
	ConnectedAt time.Time

	mu     sync.Mutex
	closed bool
	log    *logging.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, userID string, log *logging.Logger) *Client {
	return &Client{
		ConnID:      uuid.New().String(),
		UserID:      userID,
		Socket:      conn,
		ConnectedAt: time.Now(),
		log:         log,
	}
}

// Send writes a frame to the client. Thread-safe.
func (c *Client) Send(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	c.Socket.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.Socket.WriteJSON(f)
}

func (c *Client) writeFrame(f Frame) error {
	return c.Send(f)
}

// ReadJSON reads the next message into v.
func (c *Client) ReadJSON(v any) error {
	_, msg, err := c.Socket.ReadMessage()
	if err != nil {
		return err
	}
	return json.Unmarshal(msg, v)
}

// CloseWith sends a close message with the given code and reason, then
// closes the connection.
func (c *Client) CloseWith(code int, reason string) error {
	c.mu.Lock()
	if !c.closed {
		c.Socket.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(wsWriteWait))
	}
	c.mu.Unlock()
	return c.Close()
}

// Close closes the WebSocket connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.Socket.Close()
}

// ClientRegistry tracks open WebSocket connections.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client // connID → Client
	log     *logging.Logger
}

// NewClientRegistry creates an empty client registry.
func NewClientRegistry(log *logging.Logger) *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Client),
		log:     log,
	}
}

// Add registers a connected client.
func (r *ClientRegistry) Add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ConnID] = c
	r.log.Debug().Str("connId", c.ConnID).Str("user", c.UserID).Msg("client connected")
}

// Remove unregisters a client by connection ID.
func (r *ClientRegistry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, connID)
	r.log.Debug().Str("connId", connID).Msg("client disconnected")
}

// Count returns the number of connected clients.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// CloseAll closes all connected clients.
func (r *ClientRegistry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.clients {
		c.CloseWith(websocket.CloseGoingAway, "server shutting down")
		delete(r.clients, id)
	}
}
