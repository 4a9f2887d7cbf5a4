package uibridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mcdev12/pizzaday/go/internal/session"
	"github.com/rs/zerolog/log"
)

// Hub fans session notifications out to the UI WebSocket connections.
type Hub struct {
	session  Session
	config   Config
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[*connection]struct{}
	ended bool
}

// connection is one UI client.
type connection struct {
	id          string
	conn        *websocket.Conn
	send        chan []byte
	hub         *Hub
	connectedAt time.Time
}

// clientMessage is a command sent by the UI over the socket.
type clientMessage struct {
	Type    string `json:"type"`
	Visible *bool  `json:"visible,omitempty"`
}

// NewHub creates a hub for s.
func NewHub(s Session, config Config) *Hub {
	return &Hub{
		session: s,
		config:  config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.checkOrigin,
		},
		conns: make(map[*connection]struct{}),
	}
}

// Run forwards notifications until ctx is done or the session terminates.
func (h *Hub) Run(ctx context.Context) {
	notes, cancel := h.session.Subscribe()
	defer cancel()
	log.Info().Msg("ui hub started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("ui hub shutting down")
			h.closeAll()
			return
		case n, ok := <-notes:
			if !ok {
				log.Info().Msg("session terminated, closing ui connections")
				h.closeAll()
				return
			}
			h.broadcast(n)
		}
	}
}

// ServeWS upgrades the request and sends the current view first.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	view, err := h.session.View(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade ui connection")
		return
	}
	c := &connection{
		id:          uuid.New().String(),
		conn:        conn,
		send:        make(chan []byte, h.config.SendBuffer),
		hub:         h,
		connectedAt: time.Now(),
	}

	initial, err := json.Marshal(session.Notification{Kind: session.NotifyState, View: view})
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal initial view")
		conn.Close()
		return
	}
	c.send <- initial

	if !h.register(c) {
		close(c.send)
		go c.writePump()
		return
	}
	go c.writePump()
	go c.readPump()

	log.Info().Str("connection_id", c.id).Msg("ui connection established")
}

// Connections returns the number of open UI connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) register(c *connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return false
	}
	h.conns[c] = struct{}{}
	log.Debug().Str("connection_id", c.id).Int("total_connections", len(h.conns)).Msg("ui connection registered")
	return true
}

func (h *Hub) unregister(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		close(c.send)
		log.Info().
			Str("connection_id", c.id).
			Dur("connected_for", time.Since(c.connectedAt)).
			Msg("ui connection unregistered")
	}
}

func (h *Hub) broadcast(n session.Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal notification")
		return
	}

	// Sends happen under the read lock so that no channel is closed meanwhile.
	var slow []*connection
	h.mu.RLock()
	sent := len(h.conns)
	for c := range h.conns {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		log.Warn().Str("connection_id", c.id).Msg("ui connection send buffer full, closing connection")
		h.unregister(c)
	}
	log.Debug().Str("kind", string(n.Kind)).Int("connections", sent).Msg("notification broadcast")
}

// closeAll closes every connection; later upgrades are sent the view and
// closed.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ended = true
	for c := range h.conns {
		delete(h.conns, c)
		close(c.send)
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("connection_id", c.id).Msg("failed to write to ui connection")
				c.hub.unregister(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.unregister(c)
				return
			}
		}
	}
}

func (c *connection) readPump() {
	defer c.hub.unregister(c)

	c.conn.SetReadLimit(c.hub.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.id).Msg("unexpected ui connection close")
			}
			return
		}
		if err := c.handleClientMessage(message); err != nil {
			log.Warn().Err(err).Str("connection_id", c.id).Msg("ui command failed")
		}
		c.conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	}
}

// handleClientMessage runs a UI command: refresh or visibility.
func (c *connection) handleClientMessage(message []byte) error {
	var msg clientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return fmt.Errorf("malformed ui command: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.hub.config.WriteTimeout)
	defer cancel()

	switch msg.Type {
	case "refresh":
		return c.hub.session.RequestRefresh(ctx)
	case "visibility":
		if msg.Visible == nil {
			return fmt.Errorf("visibility command without visible flag")
		}
		return c.hub.session.SetVisibility(ctx, *msg.Visible)
	default:
		return fmt.Errorf("unknown ui command %q", msg.Type)
	}
}
