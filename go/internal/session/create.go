package session

import (
	"context"
	"fmt"
	"time"

	"github.com/mcdev12/pizzaday/go/internal/models"
	"github.com/rs/zerolog/log"
)

// CreateRoom creates a session hosted by host with the given settings and
// returns its id together with the stored settings. The host should then run
// a coordinator with Config.IsHost set.
func CreateRoom(ctx context.Context, store SettingsStore, host models.Participant, settings models.Settings, now time.Time) (string, models.Settings, error) {
	if err := models.ValidateIdentity(host.Identity); err != nil {
		return "", models.Settings{}, err
	}
	if err := settings.Validate(); err != nil {
		return "", models.Settings{}, err
	}

	id, err := models.NewSessionID()
	if err != nil {
		return "", models.Settings{}, fmt.Errorf("generate session id: %w", err)
	}

	created := settings.Clone()
	created.Ledger = nil
	created.CreatedBy = host.Identity
	created.CreatedAt = now.UnixMilli()
	created.LastUpdated = now.UnixMilli()

	if err := store.SaveSettings(ctx, id, created); err != nil {
		return "", models.Settings{}, fmt.Errorf("save settings for %s: %w", id, err)
	}

	host.IsHost = true
	host.Total = 0
	if err := store.RegisterParticipant(ctx, id, host); err != nil {
		log.Warn().Err(err).Str("session_id", id).Msg("failed to register host participant")
	}

	log.Info().
		Str("session_id", id).
		Str("host", host.Identity).
		Int("items", len(created.Items)).
		Msg("room created")
	return id, created, nil
}
