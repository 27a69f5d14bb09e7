// Package ws carries the room protocol over websockets.
package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tandem/api/internal/auth"
	"tandem/api/internal/realtime"
	"tandem/api/internal/util"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20

	DefaultSendBuffer = 64
)

// Hub tracks live connections and implements realtime.Notifier. Each client
// has a bounded outbound queue; a client that falls behind is disconnected
// instead of slowing down the room.
type Hub struct {
	logger     *zap.Logger
	sendBuffer int

	mu      sync.RWMutex
	clients map[string]*client
}

func NewHub(logger *zap.Logger, sendBuffer int) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	return &Hub{
		logger:     logger.Named("ws"),
		sendBuffer: sendBuffer,
		clients:    make(map[string]*client),
	}
}

func (h *Hub) Deliver(connID string, msg realtime.Message) {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("encode outbound message", zap.String("type", msg.Type), zap.Error(err))
		return
	}
	if !c.enqueue(data) {
		h.logger.Warn("client send queue full, closing connection",
			zap.String("conn_id", connID),
			zap.String("user_id", c.claims.UserID()))
	}
}

func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll stops every client. Their handlers then run the normal
// disconnect path.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) register(conn *websocket.Conn, claims auth.Claims) *client {
	c := &client{
		id:     util.NewID("conn"),
		conn:   conn,
		claims: claims,
		send:   make(chan []byte, h.sendBuffer),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	return c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	c.close()
}

type client struct {
	id     string
	conn   *websocket.Conn
	claims auth.Claims

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		c.close()
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// writePump owns all writes to the connection and closes it on exit.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
