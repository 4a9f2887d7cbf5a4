package session

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/pizzaday/go/internal/liveness"
	"github.com/mcdev12/pizzaday/go/internal/models"
	"github.com/mcdev12/pizzaday/go/internal/snapshot"
	"github.com/mcdev12/pizzaday/go/internal/transport"
)

// Config identifies the session and the local participant.
type Config struct {
	SessionID   string
	Identity    string
	DisplayName string
	// IsHost marks the local participant as host before the room authority
	// confirms it, as for the participant who just created the room.
	IsHost bool

	SnapshotMaxAge time.Duration
	// JoinGrace is how long after the join request the first forced refresh
	// runs.
	JoinGrace      time.Duration
	RequestTimeout time.Duration
	Liveness       liveness.Config
}

// DefaultConfig returns the default timings. Identity fields are left empty.
func DefaultConfig() Config {
	return Config{
		SnapshotMaxAge: snapshot.DefaultMaxAge,
		JoinGrace:      2 * time.Second,
		RequestTimeout: 10 * time.Second,
		Liveness:       liveness.DefaultConfig(),
	}
}

// SettingsStore is the HTTP settings store as seen by the coordinator.
type SettingsStore interface {
	RoomStatus(ctx context.Context, sessionID string) (bool, error)
	FetchSettings(ctx context.Context, sessionID string) (models.Settings, error)
	SaveSettings(ctx context.Context, sessionID string, settings models.Settings) error
	EndRoom(ctx context.Context, sessionID string) error
	SetHost(ctx context.Context, sessionID, identity string) error
	RegisterParticipant(ctx context.Context, sessionID string, p models.Participant) error
}

// Deps are the external collaborators of a coordinator.
type Deps struct {
	Transport transport.Transport
	Store     SettingsStore
	Snapshots snapshot.Store
	// Clock defaults to the real clock.
	Clock clockwork.Clock
}
