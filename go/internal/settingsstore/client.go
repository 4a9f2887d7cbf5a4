// Package settingsstore is the HTTP client of the room settings store.
package settingsstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/mcdev12/pizzaday/go/clients"
	"github.com/mcdev12/pizzaday/go/internal/models"
	"github.com/rs/zerolog/log"
)

// ErrFetchMalformed is returned when the store answers with a non-2xx status
// or a body that is not the expected JSON. It is a failed fetch, never an
// empty-settings signal.
var ErrFetchMalformed = errors.New("settings store response malformed")

// Config holds the settings store client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:3000",
		Timeout: 10 * time.Second,
	}
}

// Client talks to the settings store.
type Client struct {
	base *clients.BaseClient
}

// New creates a client for cfg.
func New(cfg Config) *Client {
	base := clients.NewBaseClient(cfg.BaseURL)
	if cfg.Timeout > 0 {
		base.SetTimeout(cfg.Timeout)
	}
	return &Client{base: base}
}

type roomStatusResponse struct {
	IsActive *bool `json:"isActive"`
}

// SaveSettingsRequest is the body of POST /room-settings.
type SaveSettingsRequest struct {
	SessionID string          `json:"sessionId"`
	Settings  models.Settings `json:"settings"`
}

// SetHostRequest is the body of POST /set-host.
type SetHostRequest struct {
	SessionID string `json:"sessionId"`
	Identity  string `json:"identity"`
}

// RegisterParticipantRequest is the body of POST /participants.
type RegisterParticipantRequest struct {
	SessionID   string `json:"sessionId"`
	Identity    string `json:"identity"`
	DisplayName string `json:"displayName"`
	IsHost      bool   `json:"isHost"`
}

// RoomStatus reports whether the session is still active.
func (c *Client) RoomStatus(ctx context.Context, sessionID string) (bool, error) {
	body, err := c.get(ctx, "/room-status/"+url.PathEscape(sessionID))
	if err != nil {
		return false, err
	}
	var resp roomStatusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("room status: %w: %w", ErrFetchMalformed, err)
	}
	if resp.IsActive == nil {
		return false, fmt.Errorf("room status: isActive missing: %w", ErrFetchMalformed)
	}
	return *resp.IsActive, nil
}

// FetchSettings returns the stored settings snapshot of the session.
func (c *Client) FetchSettings(ctx context.Context, sessionID string) (models.Settings, error) {
	body, err := c.get(ctx, "/room-settings/"+url.PathEscape(sessionID))
	if err != nil {
		return models.Settings{}, err
	}
	var settings models.Settings
	if err := json.Unmarshal(body, &settings); err != nil {
		return models.Settings{}, fmt.Errorf("room settings: %w: %w", ErrFetchMalformed, err)
	}
	// null and {} decode cleanly but carry no settings.
	if settings.Division == "" && len(settings.Items) == 0 {
		return models.Settings{}, fmt.Errorf("room settings: no division or items: %w", ErrFetchMalformed)
	}

	log.Debug().
		Str("session_id", sessionID).
		Int("items", len(settings.Items)).
		Int("allocated_units", settings.Ledger.Total()).
		Int64("last_updated", settings.LastUpdated).
		Msg("fetched room settings")
	return settings, nil
}

// SaveSettings persists a host-authored snapshot.
func (c *Client) SaveSettings(ctx context.Context, sessionID string, settings models.Settings) error {
	return c.post(ctx, "/room-settings", SaveSettingsRequest{SessionID: sessionID, Settings: settings})
}

// EndRoom terminates the session.
func (c *Client) EndRoom(ctx context.Context, sessionID string) error {
	return c.post(ctx, "/end-room/"+url.PathEscape(sessionID), nil)
}

// SetHost requests a host transfer to identity.
func (c *Client) SetHost(ctx context.Context, sessionID, identity string) error {
	return c.post(ctx, "/set-host", SetHostRequest{SessionID: sessionID, Identity: identity})
}

// RegisterParticipant records a participant with the store.
func (c *Client) RegisterParticipant(ctx context.Context, sessionID string, p models.Participant) error {
	return c.post(ctx, "/participants", RegisterParticipantRequest{
		SessionID:   sessionID,
		Identity:    p.Identity,
		DisplayName: p.DisplayName,
		IsHost:      p.IsHost,
	})
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	body, _, err := c.base.Get(ctx, endpoint)
	if err != nil {
		return nil, wrapStatus(endpoint, err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("GET %s: empty body: %w", endpoint, ErrFetchMalformed)
	}
	return body, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any) error {
	var reader *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", endpoint, err)
		}
		reader = bytes.NewReader(data)
	}

	var err error
	if reader != nil {
		_, _, err = c.base.Post(ctx, endpoint, reader)
	} else {
		_, _, err = c.base.Post(ctx, endpoint, nil)
	}
	if err != nil {
		return wrapStatus(endpoint, err)
	}
	return nil
}

func wrapStatus(endpoint string, err error) error {
	var statusErr *clients.StatusError
	if errors.As(err, &statusErr) {
		return fmt.Errorf("%s: %w: %w", endpoint, ErrFetchMalformed, err)
	}
	return fmt.Errorf("%s: %w", endpoint, err)
}
