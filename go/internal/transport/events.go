package transport

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcdev12/pizzaday/go/internal/ledger"
	"github.com/mcdev12/pizzaday/go/internal/models"
)

// Event is the envelope of every message on the push channel.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Identity  string    `json:"identity,omitempty"`
	// Timestamp is unix milliseconds. On ledger and settings events it is the
	// merge hint; zero means the sender did not stamp the payload.
	Timestamp int64           `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventType names an event on the push channel.
type EventType string

// Outbound events, sent by this client.
const (
	EventJoin             EventType = "join"
	EventLeave            EventType = "leave"
	EventHeartbeat        EventType = "heartbeat"
	EventLedgerUpdate     EventType = "ledger-update"
	EventSettingsUpdate   EventType = "settings-update"
	EventRequestStatus    EventType = "request-status"
	EventRequestHostCheck EventType = "request-host-check"
	EventEndSession       EventType = "end-session"
)

// Inbound events, delivered by the channel.
const (
	EventLedgerUpdated      EventType = "ledger-updated"
	EventSettingsUpdated    EventType = "settings-updated"
	EventRoomJoined         EventType = "room-joined"
	EventHostStatus         EventType = "host-status"
	EventRoomStatusResponse EventType = "room-status-response"
	EventUserLeft           EventType = "user-left"
	EventRoomEnded          EventType = "room-ended"
	EventJoinError          EventType = "join-error"
	EventError              EventType = "error"
	EventHostTransferred    EventType = "host-transferred"
	// EventDisconnect is synthesized by an adapter when its connection drops.
	EventDisconnect EventType = "disconnect"
)

// JoinPayload accompanies a join request.
type JoinPayload struct {
	DisplayName string `json:"displayName"`
	IsHost      bool   `json:"isHost,omitempty"`
}

// LedgerPayload carries a full allocation ledger.
type LedgerPayload struct {
	Ledger ledger.Allocations `json:"ledger"`
}

// SettingsPayload carries a full settings snapshot.
type SettingsPayload struct {
	Settings models.Settings `json:"settings"`
}

// RoomJoinedPayload acknowledges a join.
type RoomJoinedPayload struct {
	Participants []models.Participant `json:"participants,omitempty"`
	Settings     *models.Settings     `json:"settings,omitempty"`
}

// HostStatusPayload answers a host check.
type HostStatusPayload struct {
	Identity string `json:"identity"`
	IsHost   bool   `json:"isHost"`
}

// RoomStatusPayload answers a status request.
type RoomStatusPayload struct {
	IsActive bool `json:"isActive"`
}

// UserLeftPayload announces a departure.
type UserLeftPayload struct {
	Identity string `json:"identity"`
}

// HostTransferredPayload announces a new host.
type HostTransferredPayload struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
}

// ErrorPayload describes join-error and error events.
type ErrorPayload struct {
	Message string `json:"message"`
}

// NewEvent builds an event with a fresh id and payload encoded as data.
// payload may be nil.
func NewEvent(typ EventType, sessionID, identity string, timestamp int64, payload any) (Event, error) {
	ev := Event{
		ID:        uuid.New().String(),
		Type:      typ,
		SessionID: sessionID,
		Identity:  identity,
		Timestamp: timestamp,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		ev.Data = data
	}
	return ev, nil
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s event has no data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", e.Type, err)
	}
	return nil
}

// DecodeEvent parses a wire message.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("unmarshal event envelope: %w", err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("event envelope without type")
	}
	return ev, nil
}
