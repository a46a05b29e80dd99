package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/opsdesk/backend/internal/config"
	"github.com/opsdesk/backend/internal/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin is enforced by the CORS middleware
	},
}

// streamClient is one connected delivery channel for one user. A user may
// hold several at once (multiple tabs/devices); the hub fans out to all of
// them.
type streamClient struct {
	id     uuid.UUID
	conn   *websocket.Conn
	send   chan []byte
	userID uuid.UUID
}

// StreamHub owns every open notification delivery channel and forwards
// newly created notifications to the recipient's connected clients. It
// implements domain.Publisher.
type StreamHub struct {
	clients     map[*streamClient]bool
	register    chan *streamClient
	unregister  chan *streamClient
	userClients map[uuid.UUID]map[*streamClient]bool
	mu          sync.RWMutex
	cfg         config.StreamConfig
	logger      *zap.Logger
}

func NewStreamHub(cfg config.StreamConfig, logger *zap.Logger) *StreamHub {
	return &StreamHub{
		clients:     make(map[*streamClient]bool),
		register:    make(chan *streamClient),
		unregister:  make(chan *streamClient),
		userClients: make(map[uuid.UUID]map[*streamClient]bool),
		cfg:         cfg,
		logger:      logger,
	}
}

func (h *StreamHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if _, ok := h.userClients[client.userID]; !ok {
				h.userClients[client.userID] = make(map[*streamClient]bool)
			}
			h.userClients[client.userID][client] = true
			h.mu.Unlock()
			h.logger.Debug("stream client registered", zap.String("user_id", client.userID.String()))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				if userMap, ok := h.userClients[client.userID]; ok {
					delete(userMap, client)
					if len(userMap) == 0 {
						delete(h.userClients, client.userID)
					}
				}
				close(client.send)
				h.logger.Debug("stream client unregistered", zap.String("user_id", client.userID.String()))
			}
			h.mu.Unlock()
		}
	}
}

// Publish forwards one notification to every connected client of the
// recipient, one record per message. A client whose send queue is full is
// skipped; it recovers the gap on its next list pull.
func (h *StreamHub) Publish(recipientID uuid.UUID, n *domain.Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients, ok := h.userClients[recipientID]
	if !ok {
		return
	}

	msg, err := json.Marshal(n)
	if err != nil {
		h.logger.Error("failed to marshal notification", zap.Error(err))
		return
	}

	for client := range clients {
		select {
		case client.send <- msg:
		default:
			h.logger.Warn("stream client send queue full, dropping message",
				zap.String("user_id", recipientID.String()),
				zap.String("notification_id", n.ID.String()),
			)
		}
	}
}

// ConnectedUsers reports how many distinct users hold an open channel.
func (h *StreamHub) ConnectedUsers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userClients)
}

func (c *streamClient) readPump(hub *StreamHub) {
	defer func() {
		hub.unregister <- c
		c.conn.Close()
	}()

	for {
		// The channel is server-push only; reads exist to observe close.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *streamClient) writePump(cfg config.StreamConfig) {
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server closing"))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
