package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSConfig holds configuration for the NATS adapter.
type NATSConfig struct {
	URL           string
	SessionID     string
	Identity      string
	SubjectPrefix string
	Name          string
	// MaxReconnects is handed to the NATS client. The default of zero leaves
	// reconnection to the session liveness manager.
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
	EventBuffer   int
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "pizzaday",
		Name:          "pizzaday-client",
		MaxReconnects: 0,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
		EventBuffer:   256,
	}
}

// EventsSubject is where the room authority broadcasts to every participant.
func (c NATSConfig) EventsSubject() string {
	return fmt.Sprintf("%s.%s.events", c.SubjectPrefix, c.SessionID)
}

// DirectSubject is where the room authority addresses this identity only.
func (c NATSConfig) DirectSubject() string {
	return fmt.Sprintf("%s.%s.to.%s", c.SubjectPrefix, c.SessionID, c.Identity)
}

// CommandsSubject is where this client publishes its outbound events.
func (c NATSConfig) CommandsSubject() string {
	return fmt.Sprintf("%s.%s.commands", c.SubjectPrefix, c.SessionID)
}

// NATS is a Transport over core NATS subjects.
type NATS struct {
	config NATSConfig
	events chan Event

	mu      sync.Mutex
	nc      *nats.Conn
	closed  bool
	closing chan struct{}
}

// NewNATS creates an unconnected NATS transport.
func NewNATS(config NATSConfig) *NATS {
	return &NATS{
		config:  config,
		events:  make(chan Event, config.EventBuffer),
		closing: make(chan struct{}),
	}
}

// Events implements Transport.
func (n *NATS) Events() <-chan Event {
	return n.events
}

// Connect dials NATS and subscribes to the broadcast and direct subjects.
// The dial runs without holding the lock.
func (n *NATS) Connect(ctx context.Context) error {
	n.mu.Lock()
	closed := n.closed
	connected := n.nc != nil && n.nc.IsConnected()
	n.mu.Unlock()
	if closed {
		return fmt.Errorf("connect after close: %w", ErrUnavailable)
	}
	if connected {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	opts := []nats.Option{
		nats.Name(n.config.Name),
		nats.Timeout(n.config.Timeout),
		nats.MaxReconnects(n.config.MaxReconnects),
		nats.ReconnectWait(n.config.ReconnectWait),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			n.dropped(c, err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Str("session_id", n.config.SessionID).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(c *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Str("session_id", n.config.SessionID).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(n.config.URL, opts...)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w: %w", ErrUnavailable, err)
	}

	for _, subject := range []string{n.config.EventsSubject(), n.config.DirectSubject()} {
		if _, err := nc.Subscribe(subject, n.handleMessage); err != nil {
			nc.Close()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		nc.Close()
		return fmt.Errorf("connect after close: %w", ErrUnavailable)
	}
	if n.nc != nil && n.nc.IsConnected() {
		// Another Connect finished first.
		n.mu.Unlock()
		nc.Close()
		return nil
	}
	old := n.nc
	n.nc = nc
	n.mu.Unlock()

	if old != nil {
		old.Close()
	}

	log.Info().
		Str("session_id", n.config.SessionID).
		Str("identity", n.config.Identity).
		Str("url", nc.ConnectedUrl()).
		Msg("NATS transport connected")
	return nil
}

// Emit publishes ev on the commands subject.
func (n *NATS) Emit(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("emit %s: %w: %w", ev.Type, ErrUnavailable, err)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}

	n.mu.Lock()
	nc := n.nc
	n.mu.Unlock()
	if nc == nil || !nc.IsConnected() {
		return fmt.Errorf("emit %s: not connected: %w", ev.Type, ErrUnavailable)
	}
	if err := nc.Publish(n.config.CommandsSubject(), data); err != nil {
		return fmt.Errorf("publish %s: %w: %w", ev.Type, ErrUnavailable, err)
	}
	return nil
}

// Close shuts the transport down for good.
func (n *NATS) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	close(n.closing)
	nc := n.nc
	n.nc = nil
	n.mu.Unlock()

	if nc != nil {
		nc.Close()
	}
	log.Info().Str("session_id", n.config.SessionID).Msg("NATS transport closed")
	return nil
}

func (n *NATS) handleMessage(msg *nats.Msg) {
	ev, err := DecodeEvent(msg.Data)
	if err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed event")
		return
	}
	// The broadcast subject echoes our own commands back.
	if ev.Identity == n.config.Identity && isOutbound(ev.Type) {
		return
	}
	n.deliver(ev)
}

func (n *NATS) dropped(c *nats.Conn, cause error) {
	n.mu.Lock()
	current := n.nc == c && !n.closed
	n.mu.Unlock()
	if !current {
		return
	}
	log.Warn().Err(cause).Str("session_id", n.config.SessionID).Msg("NATS transport disconnected")

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	ev, _ := NewEvent(EventDisconnect, n.config.SessionID, n.config.Identity, 0, ErrorPayload{Message: msg})
	n.deliver(ev)
}

func (n *NATS) deliver(ev Event) {
	select {
	case n.events <- ev:
	case <-n.closing:
	}
}

func isOutbound(t EventType) bool {
	switch t {
	case EventJoin, EventLeave, EventHeartbeat, EventLedgerUpdate, EventSettingsUpdate,
		EventRequestStatus, EventRequestHostCheck, EventEndSession:
		return true
	}
	return false
}
