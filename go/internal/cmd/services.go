package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/pizzaday/go/internal/models"
	"github.com/mcdev12/pizzaday/go/internal/session"
	"github.com/mcdev12/pizzaday/go/internal/settingsstore"
	"github.com/mcdev12/pizzaday/go/internal/snapshot"
	"github.com/mcdev12/pizzaday/go/internal/templates"
	"github.com/mcdev12/pizzaday/go/internal/transport"
	"github.com/mcdev12/pizzaday/go/internal/uibridge"
	"github.com/rs/zerolog/log"
)

type Services struct {
	Coordinator *session.Coordinator
	Hub         *uibridge.Hub
	Transport   transport.Transport
}

// setupServices wires transport, settings store and snapshots into the
// session coordinator, and the coordinator into the UI hub.
func setupServices(cfg Config, store *settingsstore.Client, snaps snapshot.Store, clock clockwork.Clock) (*Services, error) {
	tr := setupTransport(cfg)

	sessionCfg := session.DefaultConfig()
	sessionCfg.SessionID = cfg.SessionID
	sessionCfg.Identity = cfg.Identity
	sessionCfg.DisplayName = cfg.DisplayName
	sessionCfg.IsHost = cfg.Host
	sessionCfg.SnapshotMaxAge = cfg.SnapshotMaxAge

	coordinator, err := session.New(sessionCfg, session.Deps{
		Transport: tr,
		Store:     store,
		Snapshots: snaps,
		Clock:     clock,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return &Services{
		Coordinator: coordinator,
		Hub:         uibridge.NewHub(coordinator, bridgeConfig(cfg)),
		Transport:   tr,
	}, nil
}

func setupTransport(cfg Config) transport.Transport {
	if cfg.Transport == "nats" {
		natsCfg := transport.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		natsCfg.SessionID = cfg.SessionID
		natsCfg.Identity = cfg.Identity
		return transport.NewNATS(natsCfg)
	}
	wsCfg := transport.DefaultWebSocketConfig()
	wsCfg.URL = cfg.WebSocketURL
	wsCfg.SessionID = cfg.SessionID
	wsCfg.Identity = cfg.Identity
	return transport.NewWebSocket(wsCfg)
}

// createRoom creates a room from the configured template and returns its id.
func createRoom(ctx context.Context, cfg Config, store *settingsstore.Client, now time.Time) (string, error) {
	lib, err := templates.Load(cfg.Templates)
	if err != nil {
		return "", err
	}
	tpl, err := lib.Get(cfg.Template)
	if err != nil {
		return "", err
	}

	host := models.Participant{Identity: cfg.Identity, DisplayName: cfg.DisplayName}
	id, _, err := session.CreateRoom(ctx, store, host, tpl.Settings(), now)
	if err != nil {
		return "", fmt.Errorf("failed to create room: %w", err)
	}
	log.Info().
		Str("session_id", id).
		Str("template", tpl.Name).
		Str("join_link", models.JoinLink(cfg.JoinBaseURL, id)).
		Msg("room ready, share the join link")
	return id, nil
}
