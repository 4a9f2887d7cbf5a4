// Package snapshot persists a client's view of a session so the UI has
// something to show while the network catches up.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/pizzaday/go/internal/codec"
	"github.com/mcdev12/pizzaday/go/internal/models"
)

// DefaultMaxAge is how long a saved snapshot stays usable.
const DefaultMaxAge = time.Hour

// ErrInvalidKey is returned when the session id or identity is blank.
var ErrInvalidKey = errors.New("snapshot key requires session id and identity")

// Snapshot is the locally persisted state of one participant in one session.
type Snapshot struct {
	SessionID    string               `json:"sessionId" cbor:"sessionId"`
	Identity     string               `json:"identity" cbor:"identity"`
	Participants []models.Participant `json:"participants" cbor:"participants"`
	Settings     models.Settings      `json:"settings" cbor:"settings"`
	SavedAt      time.Time            `json:"savedAt" cbor:"-"`
}

// Store saves and restores snapshots keyed by (session id, identity).
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	// Load returns the snapshot when one exists and is no older than maxAge.
	Load(ctx context.Context, sessionID, identity string, maxAge time.Duration) (Snapshot, bool, error)
	Delete(ctx context.Context, sessionID, identity string) error
}

// Key returns the storage key of a (session id, identity) pair.
func Key(sessionID, identity string) string {
	return sessionID + ":" + identity
}

func checkKey(sessionID, identity string) error {
	if strings.TrimSpace(sessionID) == "" || strings.TrimSpace(identity) == "" {
		return ErrInvalidKey
	}
	return nil
}

func expired(clock clockwork.Clock, savedAt time.Time, maxAge time.Duration) bool {
	return maxAge > 0 && clock.Since(savedAt) > maxAge
}

// MemoryStore keeps encoded snapshots in memory.
type MemoryStore struct {
	clock clockwork.Clock

	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	payload []byte
	savedAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		clock:   clock,
		entries: make(map[string]memoryEntry),
	}
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, snap Snapshot) error {
	if err := checkKey(snap.SessionID, snap.Identity); err != nil {
		return err
	}
	if snap.SavedAt.IsZero() {
		snap.SavedAt = s.clock.Now()
	}
	payload, err := codec.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[Key(snap.SessionID, snap.Identity)] = memoryEntry{payload: payload, savedAt: snap.SavedAt}
	return nil
}

// Load implements Store.
func (s *MemoryStore) Load(ctx context.Context, sessionID, identity string, maxAge time.Duration) (Snapshot, bool, error) {
	if err := checkKey(sessionID, identity); err != nil {
		return Snapshot{}, false, err
	}
	key := Key(sessionID, identity)

	s.mu.Lock()
	entry, ok := s.entries[key]
	if ok && expired(s.clock, entry.savedAt, maxAge) {
		delete(s.entries, key)
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		return Snapshot{}, false, nil
	}

	var snap Snapshot
	if err := codec.Unmarshal(entry.payload, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	snap.SavedAt = entry.savedAt
	return snap, true, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, sessionID, identity string) error {
	if err := checkKey(sessionID, identity); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, Key(sessionID, identity))
	return nil
}
