package session

import (
	"fmt"

	"github.com/mcdev12/pizzaday/go/internal/models"
	"github.com/mcdev12/pizzaday/go/internal/reconcile"
	"github.com/mcdev12/pizzaday/go/internal/transport"
)

// handleEvent applies one inbound push event.
func (c *Coordinator) handleEvent(ev transport.Event) {
	if ev.SessionID != "" && ev.SessionID != c.cfg.SessionID {
		c.logger.Debug().Str("event_type", string(ev.Type)).Str("event_session_id", ev.SessionID).Msg("ignoring event for another session")
		return
	}

	var err error
	switch ev.Type {
	case transport.EventLedgerUpdated:
		err = c.onLedgerUpdated(ev)
	case transport.EventSettingsUpdated:
		err = c.onSettingsUpdated(ev)
	case transport.EventRoomJoined:
		err = c.onRoomJoined(ev)
	case transport.EventHostStatus:
		err = c.onHostStatus(ev)
	case transport.EventHostTransferred:
		err = c.onHostTransferred(ev)
	case transport.EventRoomStatusResponse:
		err = c.onRoomStatus(ev)
	case transport.EventUserLeft:
		err = c.onUserLeft(ev)
	case transport.EventRoomEnded:
		c.terminate(ErrSessionEnded, true)
	case transport.EventJoinError:
		var p transport.ErrorPayload
		_ = ev.Decode(&p)
		c.terminate(fmt.Errorf("%w: %s", ErrJoinRejected, p.Message), false)
	case transport.EventError:
		var p transport.ErrorPayload
		if err = ev.Decode(&p); err == nil {
			c.logger.Warn().Str("message", p.Message).Msg("room authority reported an error")
			c.notice(p.Message)
		}
	case transport.EventDisconnect:
		c.live.Disconnected(transport.ErrUnavailable)
	default:
		c.logger.Debug().Str("event_type", string(ev.Type)).Msg("ignoring unknown event")
	}

	if err != nil {
		c.logger.Warn().Err(err).Str("event_type", string(ev.Type)).Str("event_id", ev.ID).Msg("dropping malformed event")
	}
}

func (c *Coordinator) onLedgerUpdated(ev transport.Event) error {
	var p transport.LedgerPayload
	if err := ev.Decode(&p); err != nil {
		return err
	}
	c.apply(c.engine.MergeLedger(p.Ledger, reconcile.SourcePush, ev.Timestamp))
	return nil
}

func (c *Coordinator) onSettingsUpdated(ev transport.Event) error {
	var p transport.SettingsPayload
	if err := ev.Decode(&p); err != nil {
		return err
	}
	c.apply(c.engine.Merge(p.Settings, reconcile.SourcePush, ev.Timestamp))
	return nil
}

// onRoomJoined handles the join acknowledgment, which may carry the roster
// and the current settings.
func (c *Coordinator) onRoomJoined(ev transport.Event) error {
	var p transport.RoomJoinedPayload
	if len(ev.Data) > 0 {
		if err := ev.Decode(&p); err != nil {
			return err
		}
	}

	c.live.Joined()
	if len(p.Participants) > 0 {
		c.engine.ReplaceRoster(p.Participants)
		c.ensureSelf()
	}
	if p.Settings != nil {
		c.apply(c.engine.Merge(*p.Settings, reconcile.SourcePush, ev.Timestamp))
	}
	c.emit(transport.EventRequestHostCheck, c.now(), nil)
	c.notifyState()
	return nil
}

func (c *Coordinator) onHostStatus(ev transport.Event) error {
	var p transport.HostStatusPayload
	if err := ev.Decode(&p); err != nil {
		return err
	}
	identity := p.Identity
	if identity == "" {
		identity = c.cfg.Identity
	}
	if c.engine.IsHost(identity) == p.IsHost {
		return nil
	}
	if _, ok := c.engine.Participant(identity); !ok {
		c.engine.UpsertParticipant(models.Participant{Identity: identity})
	}
	c.engine.SetHost(identity, p.IsHost)
	c.persist()
	c.notifyState()
	return nil
}

func (c *Coordinator) onHostTransferred(ev transport.Event) error {
	var p transport.HostTransferredPayload
	if err := ev.Decode(&p); err != nil {
		return err
	}
	if _, ok := c.engine.Participant(p.To); !ok {
		c.engine.UpsertParticipant(models.Participant{Identity: p.To})
	}
	c.engine.SetHost(p.To, true)
	c.persist()

	if p.To == c.cfg.Identity {
		c.notice("you are now the host")
	} else {
		name := p.To
		if np, ok := c.engine.Participant(p.To); ok && np.DisplayName != "" {
			name = np.DisplayName
		}
		c.notice(fmt.Sprintf("%s is now the host", name))
	}
	return nil
}

func (c *Coordinator) onRoomStatus(ev transport.Event) error {
	var p transport.RoomStatusPayload
	if err := ev.Decode(&p); err != nil {
		return err
	}
	if !p.IsActive {
		c.terminate(ErrRoomInactive, true)
	}
	return nil
}

// onUserLeft drops the participant and its allocations. Only the host
// re-broadcasts the purged ledger; everyone else waits for it.
func (c *Coordinator) onUserLeft(ev transport.Event) error {
	var p transport.UserLeftPayload
	if err := ev.Decode(&p); err != nil {
		return err
	}
	if p.Identity == "" || p.Identity == c.cfg.Identity {
		return nil
	}
	res := c.engine.RemoveParticipant(p.Identity, c.now())
	if !c.engine.IsHost(c.cfg.Identity) {
		res.Effects.Rebroadcast = false
	}
	c.logger.Info().Str("participant", p.Identity).Bool("ledger_changed", res.LedgerAccepted).Msg("participant left")
	c.apply(res)
	return nil
}
