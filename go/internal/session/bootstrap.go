package session

import (
	"context"
	"fmt"

	"github.com/mcdev12/pizzaday/go/internal/liveness"
	"github.com/mcdev12/pizzaday/go/internal/models"
	"github.com/mcdev12/pizzaday/go/internal/reconcile"
	"github.com/mcdev12/pizzaday/go/internal/transport"
)

// bootstrap enters the session:
//
//	a. apply a snapshot younger than SnapshotMaxAge, if any
//	b. check the room is still active
//	c. fetch settings over HTTP when no snapshot was applied
//	d. open the transport and send the join request
//	e. force a refresh once JoinGrace has passed
//
// Only (a) runs inline; the rest continues as network results come back.
func (c *Coordinator) bootstrap() {
	c.loadSnapshot()
	c.ensureSelf()
	c.notifyState()

	c.background(func(ctx context.Context) func() {
		active, err := c.store.RoomStatus(ctx, c.cfg.SessionID)
		return func() {
			switch {
			case err != nil:
				c.logger.Warn().Err(err).Msg("room status unavailable, continuing")
			case !active:
				c.terminate(ErrRoomInactive, true)
				return
			}
			if !c.snapshotLoaded {
				c.fetchSettings("bootstrap")
			}
			c.connect()
		}
	})
}

func (c *Coordinator) loadSnapshot() {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), c.cfg.RequestTimeout)
	defer cancel()

	snap, ok, err := c.snapshots.Load(ctx, c.cfg.SessionID, c.cfg.Identity, c.cfg.SnapshotMaxAge)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to load snapshot, treating as absent")
		return
	}
	if !ok {
		c.logger.Debug().Msg("no fresh snapshot")
		return
	}

	c.engine.ReplaceRoster(snap.Participants)
	c.apply(c.engine.Merge(snap.Settings, reconcile.SourceSnapshot, 0))
	c.snapshotLoaded = true
	c.logger.Info().
		Time("saved_at", snap.SavedAt).
		Int("allocated_units", snap.Settings.Ledger.Total()).
		Msg("applied local snapshot")
}

// ensureSelf keeps the local participant in the roster.
func (c *Coordinator) ensureSelf() {
	me, ok := c.engine.Participant(c.cfg.Identity)
	if !ok {
		me = models.Participant{Identity: c.cfg.Identity}
	}
	me.DisplayName = c.cfg.DisplayName
	if c.cfg.IsHost {
		if _, hostKnown := c.engine.Host(); !hostKnown {
			me.IsHost = true
		}
	}
	c.engine.UpsertParticipant(me)
}

// fetchSettings loads settings over HTTP unless push already became the sole
// authority. Concurrent fetches share one request.
func (c *Coordinator) fetchSettings(reason string) {
	if !c.engine.HTTPReloadEnabled() {
		c.logger.Debug().Str("reason", reason).Msg("skipping http settings fetch, push is authoritative")
		return
	}
	c.background(func(ctx context.Context) func() {
		v, err, shared := c.fetches.Do("settings", func() (any, error) {
			return c.store.FetchSettings(ctx, c.cfg.SessionID)
		})
		return func() {
			if err != nil {
				c.logger.Warn().Err(err).Str("reason", reason).Msg("settings fetch failed")
				c.apply(c.engine.RecoverFromFailedFetch())
				return
			}
			if shared {
				c.logger.Debug().Str("reason", reason).Msg("settings fetch coalesced")
			}
			c.apply(c.engine.Merge(v.(models.Settings), reconcile.SourceHTTP, 0))
		}
	})
}

// checkRoomStatus catches a room that ended while its room-ended event was
// missed.
func (c *Coordinator) checkRoomStatus() {
	c.background(func(ctx context.Context) func() {
		active, err := c.store.RoomStatus(ctx, c.cfg.SessionID)
		if err != nil {
			c.logger.Debug().Err(err).Msg("room status check failed")
			return nil
		}
		if active {
			return nil
		}
		return func() {
			c.terminate(ErrRoomInactive, true)
		}
	})
}

// connect opens the transport off the actor, then joins.
func (c *Coordinator) connect() {
	c.background(func(ctx context.Context) func() {
		err := c.transport.Connect(ctx)
		return func() {
			if err != nil {
				c.live.Disconnected(fmt.Errorf("connect: %w", err))
				return
			}
			c.armGrace()
			c.join()
		}
	})
}

func (c *Coordinator) join() {
	isHost := c.engine.IsHost(c.cfg.Identity)
	c.live.JoinSent()
	if err := c.emit(transport.EventJoin, c.now(), transport.JoinPayload{
		DisplayName: c.cfg.DisplayName,
		IsHost:      isHost,
	}); err != nil {
		return
	}
	me, _ := c.engine.Participant(c.cfg.Identity)
	c.background(func(ctx context.Context) func() {
		if err := c.store.RegisterParticipant(ctx, c.cfg.SessionID, me); err != nil {
			c.logger.Debug().Err(err).Msg("participant registration failed")
		}
		return nil
	})
}

func (c *Coordinator) armGrace() {
	if c.grace != nil {
		return
	}
	c.grace = c.clock.AfterFunc(c.cfg.JoinGrace, func() {
		c.post(func() {
			if c.exitErr != nil {
				return
			}
			c.grace = nil
			c.refresh("join grace")
		})
	})
}

// refresh re-requests room status, host status and settings. It backs the
// liveness forced refresh and the manual refresh.
func (c *Coordinator) refresh(reason string) {
	c.logger.Debug().Str("reason", reason).Msg("forced refresh")
	c.emit(transport.EventRequestStatus, c.now(), nil)
	c.emit(transport.EventRequestHostCheck, c.now(), nil)
	c.checkRoomStatus()
	c.fetchSettings(reason)
}

// reconnect backs the liveness reconnect attempts.
func (c *Coordinator) reconnect(attempt int) error {
	c.logger.Info().Int("attempt", attempt).Msg("reconnecting")
	c.connect()
	return nil
}

func (c *Coordinator) sendHeartbeat() error {
	ev, err := transport.NewEvent(transport.EventHeartbeat, c.cfg.SessionID, c.cfg.Identity, c.now(), nil)
	if err != nil {
		return err
	}
	return c.transport.Emit(c.ctx, ev)
}

func (c *Coordinator) onConnectionState(from, to liveness.State) {
	c.notifyState()
}

func (c *Coordinator) onConnectionLost(attempts int) {
	c.notice(fmt.Sprintf("connection lost after %d attempts; your changes are kept, retry when back online", attempts))
}
