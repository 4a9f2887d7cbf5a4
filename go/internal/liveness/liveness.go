// Package liveness keeps a session client connected, or safely degraded,
// across network interruptions.
//
// A Manager never runs concurrently with its owner: every timer callback is
// handed to the owner's post function and executed on the owner's goroutine.
package liveness

import (
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is the connection state of a session client.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDegraded     State = "degraded"
	StateReconnecting State = "reconnecting"
	StateTerminated   State = "terminated"
)

// Config holds the liveness intervals.
type Config struct {
	HeartbeatInterval time.Duration
	RefreshInterval   time.Duration
	// ReconnectBase is multiplied by the attempt number to get the delay
	// before that attempt.
	ReconnectBase time.Duration
	// AckTimeout bounds how long a join, initial or reconnect, waits for an
	// ack.
	AckTimeout  time.Duration
	MaxAttempts int
}

// DefaultConfig returns the production intervals.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		RefreshInterval:   30 * time.Second,
		ReconnectBase:     2 * time.Second,
		AckTimeout:        10 * time.Second,
		MaxAttempts:       5,
	}
}

// Hooks are the actions the manager asks its owner to perform. All hooks run
// on the owner's goroutine.
type Hooks struct {
	// Heartbeat emits a liveness signal. An error means the transport is
	// unavailable and moves the client to degraded.
	Heartbeat func() error
	// Refresh re-requests room status, host status and settings.
	Refresh func(reason string)
	// Reconnect re-opens the transport, re-sends the join request and
	// re-requests settings. Success is confirmed later through Joined.
	Reconnect func(attempt int) error
	// StateChanged observes every transition.
	StateChanged func(from, to State)
	// ConnectionLost is called once reconnection gave up after MaxAttempts.
	ConnectionLost func(attempts int)
}

// Status is a point-in-time view of the manager.
type Status struct {
	State          State `json:"state"`
	Attempts       int   `json:"attempts"`
	ConnectionLost bool  `json:"connectionLost"`
	Visible        bool  `json:"visible"`
}

type timerKind int

const (
	timerHeartbeat timerKind = iota
	timerRefresh
	timerReconnect
	timerAck
)

// armed is one scheduled timer. seq identifies the arming so that a callback
// posted before a Stop is recognised as stale when it finally runs.
type armed struct {
	timer clockwork.Timer
	seq   uint64
}

// Manager runs the liveness state machine of one session client.
type Manager struct {
	cfg    Config
	clock  clockwork.Clock
	post   func(func())
	hooks  Hooks
	logger zerolog.Logger

	state    State
	attempts int
	lost     bool
	visible  bool

	timers map[timerKind]armed
	seq    uint64
}

// New creates a manager in the connecting state. post must hand the closure
// to the owning goroutine; it may drop it once the owner is gone.
func New(sessionID string, cfg Config, clock clockwork.Clock, post func(func()), hooks Hooks) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Manager{
		cfg:     cfg,
		clock:   clock,
		post:    post,
		hooks:   hooks,
		logger:  log.With().Str("session_id", sessionID).Logger(),
		state:   StateConnecting,
		visible: true,
		timers:  make(map[timerKind]armed),
	}
}

// State returns the current state.
func (m *Manager) State() State {
	return m.state
}

// Status returns the current state and reconnect bookkeeping.
func (m *Manager) Status() Status {
	return Status{State: m.state, Attempts: m.attempts, ConnectionLost: m.lost, Visible: m.visible}
}

// ActiveTimers returns how many timers are armed.
func (m *Manager) ActiveTimers() int {
	return len(m.timers)
}

// Joined records a join acknowledgment. It moves connecting, degraded and
// reconnecting to connected, resets the attempt counter and starts the
// heartbeat and forced refresh.
func (m *Manager) Joined() {
	if m.state == StateTerminated {
		return
	}
	if m.state != StateConnected && m.attempts > 0 {
		m.logger.Info().Int("attempts", m.attempts).Msg("reconnected")
	}
	m.attempts = 0
	m.lost = false
	m.cancel(timerReconnect)
	m.cancel(timerAck)
	m.setState(StateConnected)

	if _, ok := m.timers[timerHeartbeat]; !ok {
		m.arm(timerHeartbeat, m.cfg.HeartbeatInterval, m.onHeartbeat)
	}
	if _, ok := m.timers[timerRefresh]; !ok {
		m.arm(timerRefresh, m.cfg.RefreshInterval, m.onRefresh)
	}
}

// JoinSent arms the ack timeout for the initial join. Reconnect attempts arm
// their own.
func (m *Manager) JoinSent() {
	if m.state != StateConnecting {
		return
	}
	m.arm(timerAck, m.cfg.AckTimeout, m.onAckTimeout)
}

// Disconnected records a transport disconnect and starts reconnecting with
// linear backoff.
func (m *Manager) Disconnected(cause error) {
	switch m.state {
	case StateTerminated:
		return
	case StateDegraded:
		// Already backing off; the pending attempt covers this disconnect.
		if _, ok := m.timers[timerReconnect]; ok || m.lost {
			return
		}
	}
	m.logger.Warn().Err(cause).Str("state", string(m.state)).Msg("transport disconnected")

	m.cancel(timerHeartbeat)
	m.cancel(timerRefresh)
	m.cancel(timerAck)
	m.setState(StateDegraded)
	m.scheduleAttempt()
}

// VisibilityChanged records whether the UI is in the foreground. Coming back
// to the foreground while connected triggers an immediate forced refresh.
func (m *Manager) VisibilityChanged(visible bool) {
	wasHidden := !m.visible
	m.visible = visible
	if !visible || !wasHidden {
		return
	}
	if m.state == StateConnected {
		m.logger.Debug().Msg("foregrounded, forcing refresh")
		m.hooks.refresh("foreground")
	}
}

// RetryNow starts a fresh round of reconnect attempts immediately. It is a
// no-op while connected or terminated.
func (m *Manager) RetryNow() {
	if m.state == StateTerminated || m.state == StateConnected {
		return
	}
	m.logger.Info().Bool("connection_lost", m.lost).Msg("manual reconnect")
	m.cancel(timerReconnect)
	m.cancel(timerAck)
	m.lost = false
	m.attempts = 1
	m.attempt()
}

// ForceRefresh runs the forced refresh hook right away when connected.
func (m *Manager) ForceRefresh(reason string) {
	if m.state != StateConnected {
		return
	}
	m.hooks.refresh(reason)
}

// Terminate stops every timer and moves to terminated. Further calls are
// ignored.
func (m *Manager) Terminate(reason string) {
	if m.state == StateTerminated {
		return
	}
	for kind := range m.timers {
		m.cancel(kind)
	}
	m.logger.Info().Str("reason", reason).Msg("session liveness terminated")
	m.setState(StateTerminated)
}

func (m *Manager) onHeartbeat() {
	if m.state != StateConnected {
		return
	}
	if err := m.hooks.heartbeat(); err != nil {
		m.Disconnected(err)
		return
	}
	m.arm(timerHeartbeat, m.cfg.HeartbeatInterval, m.onHeartbeat)
}

func (m *Manager) onRefresh() {
	if m.state != StateConnected {
		return
	}
	m.hooks.refresh("interval")
	m.arm(timerRefresh, m.cfg.RefreshInterval, m.onRefresh)
}

func (m *Manager) scheduleAttempt() {
	if m.attempts >= m.cfg.MaxAttempts {
		if !m.lost {
			m.lost = true
			m.logger.Error().Int("attempts", m.attempts).Msg("connection lost, giving up reconnecting")
			if m.hooks.ConnectionLost != nil {
				m.hooks.ConnectionLost(m.attempts)
			}
		}
		return
	}
	m.attempts++
	delay := m.cfg.ReconnectBase * time.Duration(m.attempts)
	m.logger.Debug().Int("attempt", m.attempts).Dur("delay", delay).Msg("scheduling reconnect")
	m.arm(timerReconnect, delay, m.attempt)
}

func (m *Manager) attempt() {
	if m.state == StateTerminated || m.state == StateConnected {
		return
	}
	m.setState(StateReconnecting)
	if err := m.hooks.reconnect(m.attempts); err != nil {
		m.logger.Warn().Err(err).Int("attempt", m.attempts).Msg("reconnect attempt failed")
		m.setState(StateDegraded)
		m.scheduleAttempt()
		return
	}
	m.arm(timerAck, m.cfg.AckTimeout, m.onAckTimeout)
}

func (m *Manager) onAckTimeout() {
	if m.state != StateReconnecting && m.state != StateConnecting {
		return
	}
	m.logger.Warn().Int("attempt", m.attempts).Msg("no join ack before timeout")
	m.setState(StateDegraded)
	m.scheduleAttempt()
}

func (m *Manager) setState(next State) {
	prev := m.state
	if prev == next {
		return
	}
	m.state = next
	m.logger.Debug().Str("from", string(prev)).Str("to", string(next)).Msg("liveness state changed")
	if m.hooks.StateChanged != nil {
		m.hooks.StateChanged(prev, next)
	}
}

// arm replaces the timer of kind with a new one firing fn after d.
func (m *Manager) arm(kind timerKind, d time.Duration, fn func()) {
	m.cancel(kind)
	m.seq++
	seq := m.seq
	timer := m.clock.AfterFunc(d, func() {
		m.post(func() {
			current, ok := m.timers[kind]
			if !ok || current.seq != seq {
				return
			}
			delete(m.timers, kind)
			fn()
		})
	})
	m.timers[kind] = armed{timer: timer, seq: seq}
}

func (m *Manager) cancel(kind timerKind) {
	if t, ok := m.timers[kind]; ok {
		t.timer.Stop()
		delete(m.timers, kind)
	}
}

// errNoHook is returned by missing heartbeat and reconnect hooks.
var errNoHook = errors.New("hook not configured")

func (h Hooks) heartbeat() error {
	if h.Heartbeat == nil {
		return nil
	}
	return h.Heartbeat()
}

func (h Hooks) refresh(reason string) {
	if h.Refresh != nil {
		h.Refresh(reason)
	}
}

func (h Hooks) reconnect(attempt int) error {
	if h.Reconnect == nil {
		return errNoHook
	}
	return h.Reconnect(attempt)
}
