// Package session runs one client session as a single actor: every mutation
// of ledger, settings and connection state happens on the goroutine running
// Coordinator.Run.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/pizzaday/go/internal/liveness"
	"github.com/mcdev12/pizzaday/go/internal/models"
	"github.com/mcdev12/pizzaday/go/internal/reconcile"
	"github.com/mcdev12/pizzaday/go/internal/snapshot"
	"github.com/mcdev12/pizzaday/go/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	inboxSize        = 64
	subscriberBuffer = 32
)

// Coordinator owns the state of one session for one local participant.
type Coordinator struct {
	cfg       Config
	transport transport.Transport
	store     SettingsStore
	snapshots snapshot.Store
	clock     clockwork.Clock
	logger    zerolog.Logger

	inbox   chan func()
	done    chan struct{}
	runOnce sync.Once

	// Owned by the actor goroutine.
	ctx            context.Context
	engine         *reconcile.Engine
	live           *liveness.Manager
	grace          clockwork.Timer
	snapshotLoaded bool
	exitErr        error
	fetches        singleflight.Group

	subsMu sync.Mutex
	subs   map[chan Notification]struct{}
}

// New validates cfg and builds a coordinator. Nothing happens until Run.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if err := models.ValidateSessionID(cfg.SessionID); err != nil {
		return nil, err
	}
	if err := models.ValidateIdentity(cfg.Identity); err != nil {
		return nil, err
	}
	if deps.Transport == nil || deps.Store == nil || deps.Snapshots == nil {
		return nil, errors.New("session: transport, store and snapshots are required")
	}
	defaults := DefaultConfig()
	if cfg.SnapshotMaxAge <= 0 {
		cfg.SnapshotMaxAge = defaults.SnapshotMaxAge
	}
	if cfg.JoinGrace <= 0 {
		cfg.JoinGrace = defaults.JoinGrace
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.Liveness == (liveness.Config{}) {
		cfg.Liveness = defaults.Liveness
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = cfg.Identity
	}
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	c := &Coordinator{
		cfg:       cfg,
		transport: deps.Transport,
		store:     deps.Store,
		snapshots: deps.Snapshots,
		clock:     clock,
		logger: log.With().
			Str("session_id", cfg.SessionID).
			Str("identity", cfg.Identity).
			Logger(),
		inbox:  make(chan func(), inboxSize),
		done:   make(chan struct{}),
		ctx:    context.Background(),
		engine: reconcile.NewEngine(),
		subs:   make(map[chan Notification]struct{}),
	}
	c.live = liveness.New(cfg.SessionID, cfg.Liveness, clock, c.post, liveness.Hooks{
		Heartbeat:      c.sendHeartbeat,
		Refresh:        c.refresh,
		Reconnect:      c.reconnect,
		StateChanged:   c.onConnectionState,
		ConnectionLost: c.onConnectionLost,
	})
	return c, nil
}

// SessionID returns the id of the session.
func (c *Coordinator) SessionID() string {
	return c.cfg.SessionID
}

// Identity returns the local participant identity.
func (c *Coordinator) Identity() string {
	return c.cfg.Identity
}

// Done is closed when Run has returned.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Run bootstraps the session and serves it until it ends. It returns
// ErrSessionEnded, ErrRoomInactive, ErrJoinRejected or ErrLeft for the
// terminal outcomes and ErrClosed when ctx is cancelled. Run may be called
// once.
func (c *Coordinator) Run(ctx context.Context) error {
	started := false
	c.runOnce.Do(func() { started = true })
	if !started {
		return fmt.Errorf("run called twice: %w", ErrClosed)
	}
	defer close(c.done)

	c.ctx = ctx
	c.logger.Info().Bool("host", c.cfg.IsHost).Msg("session starting")
	c.bootstrap()

	events := c.transport.Events()
	for c.exitErr == nil {
		select {
		case fn := <-c.inbox:
			fn()
		case ev := <-events:
			c.handleEvent(ev)
		case <-ctx.Done():
			c.terminate(fmt.Errorf("%w: %w", ErrClosed, ctx.Err()), false)
		}
	}

	c.logger.Info().Err(c.exitErr).Msg("session stopped")
	return c.exitErr
}

// post hands fn to the actor. It drops fn once the actor is gone.
func (c *Coordinator) post(fn func()) {
	select {
	case c.inbox <- fn:
	case <-c.done:
	}
}

// do runs fn on the actor and waits for its result.
func (c *Coordinator) do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	task := func() {
		if c.exitErr != nil {
			result <- c.exitErr
			return
		}
		result <- fn()
	}

	select {
	case c.inbox <- task:
	case <-c.done:
		return c.exitErr
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-c.done:
		select {
		case err := <-result:
			return err
		default:
			return c.exitErr
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// background runs work off the actor with its own timeout. The closure it
// returns is run on the actor, unless the session ended in between, in which
// case the result is discarded.
func (c *Coordinator) background(work func(ctx context.Context) func()) {
	parent := context.WithoutCancel(c.ctx)
	go func() {
		ctx, cancel := context.WithTimeout(parent, c.cfg.RequestTimeout)
		defer cancel()
		apply := work(ctx)
		if apply == nil {
			return
		}
		c.post(func() {
			if c.exitErr != nil {
				return
			}
			apply()
		})
	}()
}

// terminate ends the session: timers stop, the transport is detached and
// closed, subscribers get a final notification. purge erases the snapshot.
func (c *Coordinator) terminate(cause error, purge bool) {
	if c.exitErr != nil {
		return
	}
	c.exitErr = cause
	c.live.Terminate(cause.Error())
	if c.grace != nil {
		c.grace.Stop()
		c.grace = nil
	}

	if purge {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), c.cfg.RequestTimeout)
		if err := c.snapshots.Delete(ctx, c.cfg.SessionID, c.cfg.Identity); err != nil {
			c.logger.Error().Err(err).Msg("failed to purge snapshot")
		}
		cancel()
	}
	if err := c.transport.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("failed to close transport")
	}

	c.logger.Info().Err(cause).Bool("purged", purge).Msg("session terminated")
	c.publish(Notification{Kind: NotifyTerminated, View: c.view()})

	c.subsMu.Lock()
	for ch := range c.subs {
		close(ch)
	}
	c.subs = nil
	c.subsMu.Unlock()
}

// Subscribe returns a channel of notifications and a function that cancels
// the subscription. The channel is closed when the session terminates.
// Slow subscribers miss notifications rather than block the session.
func (c *Coordinator) Subscribe() (<-chan Notification, func()) {
	ch := make(chan Notification, subscriberBuffer)
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if c.subs == nil {
		close(ch)
		return ch, func() {}
	}
	c.subs[ch] = struct{}{}
	return ch, func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
	}
}

func (c *Coordinator) publish(n Notification) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- n:
		default:
			c.logger.Warn().Str("kind", string(n.Kind)).Msg("subscriber buffer full, dropping notification")
		}
	}
}

func (c *Coordinator) notifyState() {
	c.publish(Notification{Kind: NotifyState, View: c.view()})
}

func (c *Coordinator) notice(msg string) {
	c.publish(Notification{Kind: NotifyNotice, View: c.view(), Notice: msg})
}

func (c *Coordinator) view() View {
	settings := c.engine.Settings()
	l := settings.LedgerView()
	available := make([]int, len(settings.Items))
	for i := range settings.Items {
		available[i] = l.AvailableUnits(i)
	}
	v := View{
		SessionID:    c.cfg.SessionID,
		Identity:     c.cfg.Identity,
		IsHost:       c.engine.IsHost(c.cfg.Identity),
		Settings:     settings,
		Participants: c.engine.Participants(),
		Available:    available,
		Connection:   c.live.Status(),
	}
	if c.exitErr != nil {
		v.Ended = true
		v.EndReason = c.exitErr.Error()
	}
	return v
}

func (c *Coordinator) now() int64 {
	return c.clock.Now().UnixMilli()
}

// apply carries out the effects requested by the engine.
func (c *Coordinator) apply(res reconcile.Result) {
	if res.Rejection != nil {
		c.logger.Debug().Err(res.Rejection).Str("source", string(res.Source)).Msg("update rejected")
	}
	if res.Effects.Persist {
		c.persist()
	}
	if res.Effects.Rebroadcast {
		c.broadcastLedger()
	}
	if res.Effects.Notify {
		c.notifyState()
	}
}

func (c *Coordinator) persist() {
	snap := snapshot.Snapshot{
		SessionID:    c.cfg.SessionID,
		Identity:     c.cfg.Identity,
		Participants: c.engine.Participants(),
		Settings:     c.engine.Settings(),
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), c.cfg.RequestTimeout)
	defer cancel()
	if err := c.snapshots.Save(ctx, snap); err != nil {
		c.logger.Error().Err(err).Msg("failed to persist snapshot")
	}
}

// emit sends an event built from payload. A transport failure moves the
// connection to degraded.
func (c *Coordinator) emit(typ transport.EventType, ts int64, payload any) error {
	ev, err := transport.NewEvent(typ, c.cfg.SessionID, c.cfg.Identity, ts, payload)
	if err != nil {
		return err
	}
	if err := c.transport.Emit(c.ctx, ev); err != nil {
		c.logger.Warn().Err(err).Str("event_type", string(typ)).Msg("failed to emit event")
		if errors.Is(err, transport.ErrUnavailable) {
			c.live.Disconnected(err)
		}
		return err
	}
	return nil
}

func (c *Coordinator) broadcastLedger() {
	settings := c.engine.Settings()
	c.emit(transport.EventLedgerUpdate, settings.LastUpdated, transport.LedgerPayload{Ledger: settings.Ledger})
}

func (c *Coordinator) broadcastSettings() {
	settings := c.engine.Settings()
	c.emit(transport.EventSettingsUpdate, settings.LastUpdated, transport.SettingsPayload{Settings: settings})
}
