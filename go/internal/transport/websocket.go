package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WebSocketConfig holds configuration for the WebSocket adapter.
type WebSocketConfig struct {
	URL              string
	SessionID        string
	Identity         string
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	MaxMessageSize   int64
	SendBuffer       int
	EventBuffer      int
}

// DefaultWebSocketConfig returns default WebSocket configuration.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingInterval:     25 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		MaxMessageSize:   64 * 1024,
		SendBuffer:       64,
		EventBuffer:      256,
	}
}

// WebSocket is a Transport over a gorilla WebSocket connection.
type WebSocket struct {
	config WebSocketConfig
	dialer *websocket.Dialer
	events chan Event

	mu      sync.Mutex
	current *wsConn
	closed  bool
	closing chan struct{}
}

// wsConn is one dialed connection. A reconnect creates a new one.
type wsConn struct {
	conn     *websocket.Conn
	send     chan []byte
	stop     chan struct{}
	stopOnce sync.Once
}

// NewWebSocket creates an unconnected WebSocket transport.
func NewWebSocket(config WebSocketConfig) *WebSocket {
	return &WebSocket{
		config: config,
		dialer: &websocket.Dialer{
			HandshakeTimeout: config.HandshakeTimeout,
		},
		events:  make(chan Event, config.EventBuffer),
		closing: make(chan struct{}),
	}
}

// Events implements Transport.
func (w *WebSocket) Events() <-chan Event {
	return w.events
}

// Connect dials the configured URL. It is a no-op while a connection is up.
// The dial runs without holding the lock, so Emit and Close never wait on it.
func (w *WebSocket) Connect(ctx context.Context) error {
	w.mu.Lock()
	closed, connected := w.closed, w.current != nil
	w.mu.Unlock()
	if closed {
		return fmt.Errorf("connect after close: %w", ErrUnavailable)
	}
	if connected {
		return nil
	}

	target, err := w.dialURL()
	if err != nil {
		return err
	}
	conn, _, err := w.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w: %w", w.config.URL, ErrUnavailable, err)
	}

	c := &wsConn{
		conn: conn,
		send: make(chan []byte, w.config.SendBuffer),
		stop: make(chan struct{}),
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		conn.Close()
		return fmt.Errorf("connect after close: %w", ErrUnavailable)
	}
	if w.current != nil {
		// Another Connect finished first.
		w.mu.Unlock()
		conn.Close()
		return nil
	}
	w.current = c
	w.mu.Unlock()

	go w.writePump(c)
	go w.readPump(c)

	log.Info().
		Str("session_id", w.config.SessionID).
		Str("identity", w.config.Identity).
		Str("url", w.config.URL).
		Msg("websocket transport connected")
	return nil
}

func (w *WebSocket) dialURL() (string, error) {
	u, err := url.Parse(w.config.URL)
	if err != nil {
		return "", fmt.Errorf("parse websocket url: %w", err)
	}
	q := u.Query()
	q.Set("session_id", w.config.SessionID)
	q.Set("identity", w.config.Identity)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Emit queues ev on the current connection.
func (w *WebSocket) Emit(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}

	w.mu.Lock()
	c := w.current
	w.mu.Unlock()
	if c == nil {
		return fmt.Errorf("emit %s: not connected: %w", ev.Type, ErrUnavailable)
	}

	select {
	case c.send <- data:
		return nil
	case <-c.stop:
		return fmt.Errorf("emit %s: connection closed: %w", ev.Type, ErrUnavailable)
	case <-ctx.Done():
		return fmt.Errorf("emit %s: %w: %w", ev.Type, ErrUnavailable, ctx.Err())
	default:
		return fmt.Errorf("emit %s: send buffer full: %w", ev.Type, ErrUnavailable)
	}
}

// Close shuts the transport down for good.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closing)
	c := w.current
	w.current = nil
	w.mu.Unlock()

	if c != nil {
		c.shutdown()
	}
	log.Info().Str("session_id", w.config.SessionID).Msg("websocket transport closed")
	return nil
}

func (c *wsConn) shutdown() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.conn.Close()
	})
}

// dropped retires c after a pump failure and reports the disconnect unless
// the transport is closing or c was already replaced.
func (w *WebSocket) dropped(c *wsConn, cause error) {
	c.shutdown()

	w.mu.Lock()
	if w.current != c || w.closed {
		w.mu.Unlock()
		return
	}
	w.current = nil
	w.mu.Unlock()

	log.Warn().
		Err(cause).
		Str("session_id", w.config.SessionID).
		Msg("websocket transport disconnected")

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	ev, _ := NewEvent(EventDisconnect, w.config.SessionID, w.config.Identity, 0, ErrorPayload{Message: msg})
	w.deliver(ev)
}

func (w *WebSocket) deliver(ev Event) {
	select {
	case w.events <- ev:
	case <-w.closing:
	}
}

func (w *WebSocket) writePump(c *wsConn) {
	ticker := time.NewTicker(w.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(w.config.WriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(w.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				w.dropped(c, fmt.Errorf("write: %w", err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(w.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				w.dropped(c, fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}

func (w *WebSocket) readPump(c *wsConn) {
	c.conn.SetReadLimit(w.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(w.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(w.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().Err(err).Str("session_id", w.config.SessionID).Msg("unexpected websocket close")
			}
			w.dropped(c, err)
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(w.config.ReadTimeout))

		ev, err := DecodeEvent(message)
		if err != nil {
			log.Warn().Err(err).Str("session_id", w.config.SessionID).Msg("dropping malformed event")
			continue
		}
		w.deliver(ev)
	}
}
