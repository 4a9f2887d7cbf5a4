package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/mcdev12/pizzaday/go/internal/bill"
	"github.com/mcdev12/pizzaday/go/internal/ledger"
	"github.com/mcdev12/pizzaday/go/internal/liveness"
	"github.com/mcdev12/pizzaday/go/internal/models"
	"github.com/mcdev12/pizzaday/go/internal/reconcile"
	"github.com/mcdev12/pizzaday/go/internal/transport"
)

// View returns the current view of the session.
func (c *Coordinator) View(ctx context.Context) (View, error) {
	var v View
	err := c.do(ctx, func() error {
		v = c.view()
		return nil
	})
	return v, err
}

// Bill splits the current settings between the roster.
func (c *Coordinator) Bill(ctx context.Context) (bill.Bill, error) {
	var b bill.Bill
	err := c.do(ctx, func() error {
		people := c.engine.Participants()
		ids := make([]string, len(people))
		for i, p := range people {
			ids[i] = p.Identity
		}
		b = bill.Compute(c.engine.Settings(), ids)
		return nil
	})
	return b, err
}

// AddUnit takes one unit of item for the local participant.
func (c *Coordinator) AddUnit(ctx context.Context, item int) error {
	return c.do(ctx, func() error {
		return c.editLedger("add unit", func(l *ledger.Ledger) error {
			return l.AddUnit(item, c.cfg.Identity)
		})
	})
}

// RemoveUnit gives back one unit of item held by the local participant.
func (c *Coordinator) RemoveUnit(ctx context.Context, item int) error {
	return c.do(ctx, func() error {
		return c.editLedger("remove unit", func(l *ledger.Ledger) error {
			return l.RemoveUnit(item, c.cfg.Identity)
		})
	})
}

// RemoveUnitFor removes one unit of item held by identity. Removing from
// someone else is a host correction unless the room allows guest removal.
func (c *Coordinator) RemoveUnitFor(ctx context.Context, item int, identity string) error {
	return c.do(ctx, func() error {
		if identity != c.cfg.Identity && !c.engine.Settings().AllowGuestRemoval {
			if err := c.requireHost("remove another participant's unit"); err != nil {
				return err
			}
		}
		return c.editLedger("remove unit for", func(l *ledger.Ledger) error {
			return l.RemoveUnit(item, identity)
		})
	})
}

// AdjustUnits changes the units of item held by identity by delta. Host only.
func (c *Coordinator) AdjustUnits(ctx context.Context, item int, identity string, delta int) error {
	return c.do(ctx, func() error {
		if err := c.requireHost("adjust units"); err != nil {
			return err
		}
		if _, ok := c.engine.Participant(identity); !ok {
			return fmt.Errorf("adjust units for %s: %w", identity, ErrUnknownParticipant)
		}
		return c.editLedger("adjust units", func(l *ledger.Ledger) error {
			return l.Adjust(item, identity, delta)
		})
	})
}

func (c *Coordinator) editLedger(op string, fn func(*ledger.Ledger) error) error {
	res, err := c.engine.ApplyLocal(c.now(), fn)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrExhausted):
			c.notice("no slices left of that item")
		case errors.Is(err, ledger.ErrNothingToRemove):
			c.notice("nothing to remove")
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	c.apply(res)
	return nil
}

// UpdateSettings applies a host edit to the settings. The result must pass
// validation; it is broadcast and saved to the settings store.
func (c *Coordinator) UpdateSettings(ctx context.Context, fn func(*models.Settings) error) error {
	return c.do(ctx, func() error {
		return c.editSettings(fn)
	})
}

// RemoveItem deletes item i and its allocations. Host only.
func (c *Coordinator) RemoveItem(ctx context.Context, i int) error {
	return c.UpdateSettings(ctx, func(s *models.Settings) error {
		l := s.LedgerView()
		if err := l.RemoveItem(i); err != nil {
			return err
		}
		*s = s.WithLedger(l)
		return nil
	})
}

// SetDivision changes the division policy. Host only.
func (c *Coordinator) SetDivision(ctx context.Context, policy models.DivisionPolicy) error {
	return c.UpdateSettings(ctx, func(s *models.Settings) error {
		s.Division = policy
		return nil
	})
}

func (c *Coordinator) editSettings(fn func(*models.Settings) error) error {
	if err := c.requireHost("update settings"); err != nil {
		return err
	}
	res, err := c.engine.UpdateSettings(c.now(), func(s *models.Settings) error {
		if err := fn(s); err != nil {
			return err
		}
		return s.Validate()
	})
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}

	res.Effects.Rebroadcast = false
	c.apply(res)
	c.broadcastSettings()

	settings := c.engine.Settings()
	c.background(func(ctx context.Context) func() {
		if err := c.store.SaveSettings(ctx, c.cfg.SessionID, settings); err != nil {
			c.logger.Warn().Err(err).Msg("failed to save settings")
		}
		return nil
	})
	return nil
}

// EndSession ends the session for everyone. Host only. The local session
// terminates immediately; the store is told in the background.
func (c *Coordinator) EndSession(ctx context.Context) error {
	return c.do(ctx, func() error {
		if err := c.requireHost("end session"); err != nil {
			return err
		}
		c.emit(transport.EventEndSession, c.now(), nil)

		store, id, logger := c.store, c.cfg.SessionID, c.logger
		parent := context.WithoutCancel(c.ctx)
		timeout := c.cfg.RequestTimeout
		go func() {
			ctx, cancel := context.WithTimeout(parent, timeout)
			defer cancel()
			if err := store.EndRoom(ctx, id); err != nil {
				logger.Warn().Err(err).Msg("failed to end room in settings store")
			}
		}()

		c.terminate(ErrSessionEnded, true)
		return nil
	})
}

// Leave leaves the session and forgets its snapshot.
func (c *Coordinator) Leave(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.emit(transport.EventLeave, c.now(), nil)
		c.terminate(ErrLeft, true)
		return nil
	})
}

// TransferHost hands the host role to identity. Host only. The roster
// changes once the store confirms.
func (c *Coordinator) TransferHost(ctx context.Context, identity string) error {
	return c.do(ctx, func() error {
		if err := c.requireHost("transfer host"); err != nil {
			return err
		}
		if identity == c.cfg.Identity {
			return nil
		}
		if _, ok := c.engine.Participant(identity); !ok {
			return fmt.Errorf("transfer host to %s: %w", identity, ErrUnknownParticipant)
		}
		c.background(func(ctx context.Context) func() {
			err := c.store.SetHost(ctx, c.cfg.SessionID, identity)
			return func() {
				if err != nil {
					c.logger.Warn().Err(err).Str("new_host", identity).Msg("host transfer failed")
					c.notice("host transfer failed")
					return
				}
				c.engine.SetHost(identity, true)
				c.persist()
				c.notifyState()
			}
		})
		return nil
	})
}

// RequestRefresh re-requests everything when connected, or starts a new
// round of reconnect attempts otherwise.
func (c *Coordinator) RequestRefresh(ctx context.Context) error {
	return c.do(ctx, func() error {
		if c.live.State() == liveness.StateConnected {
			c.refresh("manual")
			return nil
		}
		c.live.RetryNow()
		return nil
	})
}

// RetryNow starts a new round of reconnect attempts.
func (c *Coordinator) RetryNow(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.live.RetryNow()
		return nil
	})
}

// SetVisibility records whether the UI is in the foreground.
func (c *Coordinator) SetVisibility(ctx context.Context, visible bool) error {
	return c.do(ctx, func() error {
		c.live.VisibilityChanged(visible)
		c.notifyState()
		return nil
	})
}

// ApplyIncoming merges a settings payload obtained outside the coordinator.
// The merge outcome is reported; a stale payload is not an error.
func (c *Coordinator) ApplyIncoming(ctx context.Context, source reconcile.Source, settings models.Settings, tsHint int64) (reconcile.Result, error) {
	var res reconcile.Result
	err := c.do(ctx, func() error {
		res = c.engine.Merge(settings, source, tsHint)
		c.apply(res)
		return nil
	})
	return res, err
}

func (c *Coordinator) requireHost(action string) error {
	if c.engine.IsHost(c.cfg.Identity) {
		return nil
	}
	c.notice("only the host can " + action)
	return fmt.Errorf("%s: %w", action, ErrPermissionDenied)
}
