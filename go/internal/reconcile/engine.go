// Package reconcile merges session settings arriving from unordered sources
// (push channel, HTTP store, local snapshot, local edits) into one working
// state without letting empty or stale payloads erase what is already known.
package reconcile

import (
	"errors"
	"fmt"
	"sort"

	"github.com/mcdev12/pizzaday/go/internal/ledger"
	"github.com/mcdev12/pizzaday/go/internal/models"
)

// Source labels where a payload came from.
type Source string

const (
	SourcePush     Source = "push"
	SourceHTTP     Source = "http"
	SourceSnapshot Source = "snapshot"
	SourceLocal    Source = "local"
)

// ErrStaleRejected marks a payload, or its ledger, that lost the merge.
// It is logged and never shown to the user.
var ErrStaleRejected = errors.New("stale update rejected")

// ErrInvalidLedger marks an incoming ledger that allocates more units of an
// item than the item holds.
var ErrInvalidLedger = errors.New("invalid ledger rejected")

// Effects are the side effects the owner of the engine must carry out.
type Effects struct {
	Persist     bool
	Notify      bool
	Rebroadcast bool
}

// Result describes the outcome of a merge or local edit.
type Result struct {
	Source         Source
	LedgerAccepted bool
	// Rejection wraps ErrStaleRejected or ErrInvalidLedger when the ledger
	// (or the whole payload) was kept from the working state.
	Rejection error
	Effects   Effects
}

// SyncState is the local-only bookkeeping of the merge.
type SyncState struct {
	LastGoodSettings  *models.Settings
	LastLedgerUpdate  int64
	HTTPReloadEnabled bool
	SettingsChanged   bool
}

// Engine owns the working settings and roster of one session. It is not safe
// for concurrent use; the session actor serializes every call.
type Engine struct {
	settings     models.Settings
	participants map[string]*models.Participant
	sync         SyncState
}

// NewEngine returns an engine with empty state and HTTP reloads enabled.
func NewEngine() *Engine {
	return &Engine{
		participants: make(map[string]*models.Participant),
		sync:         SyncState{HTTPReloadEnabled: true},
	}
}

// Settings returns a copy of the working settings.
func (e *Engine) Settings() models.Settings {
	return e.settings.Clone()
}

// Sync returns a copy of the sync state.
func (e *Engine) Sync() SyncState {
	s := e.sync
	if s.LastGoodSettings != nil {
		good := s.LastGoodSettings.Clone()
		s.LastGoodSettings = &good
	}
	return s
}

// HTTPReloadEnabled reports whether HTTP settings fetches are still useful.
// It latches false once a push settings payload has been accepted.
func (e *Engine) HTTPReloadEnabled() bool {
	return e.sync.HTTPReloadEnabled
}

// Ledger returns a ledger over the working items and allocations.
func (e *Engine) Ledger() *ledger.Ledger {
	return e.settings.LedgerView()
}

// Merge folds a full settings payload into the working state.
//
// tsHint overrides incoming.LastUpdated when non-zero. An empty incoming
// ledger never replaces a non-empty one, and a ledger strictly older than the
// newest accepted one never wins. All other fields are taken from incoming.
func (e *Engine) Merge(incoming models.Settings, source Source, tsHint int64) Result {
	if source == SourceHTTP && !e.sync.HTTPReloadEnabled {
		return Result{
			Source:    source,
			Rejection: fmt.Errorf("http payload ignored, push channel is authoritative: %w", ErrStaleRejected),
		}
	}

	res := e.merge(incoming, source, tsHint)
	if source == SourcePush {
		e.sync.HTTPReloadEnabled = false
	}
	return res
}

// MergeLedger folds a ledger-only payload (ledger-updated event) into the
// working state, keeping every other field as it is.
func (e *Engine) MergeLedger(alloc ledger.Allocations, source Source, tsHint int64) Result {
	incoming := e.settings.Clone()
	incoming.Ledger = alloc
	incoming.LastUpdated = 0
	return e.merge(incoming, source, tsHint)
}

func (e *Engine) merge(incoming models.Settings, source Source, tsHint int64) Result {
	res := Result{Source: source, LedgerAccepted: true}

	ts := tsHint
	if ts == 0 {
		ts = incoming.LastUpdated
	}

	current := e.settings
	currentTotal := current.Ledger.Total()
	incomingTotal := incoming.Ledger.Total()

	emptySuppressed := false
	switch {
	case incomingTotal == 0 && currentTotal > 0:
		emptySuppressed = true
		res.LedgerAccepted = false
		res.Rejection = fmt.Errorf("empty %s ledger would replace %d allocated units: %w", source, currentTotal, ErrStaleRejected)
	case e.sync.LastLedgerUpdate != 0 && ts != 0 && ts < e.sync.LastLedgerUpdate:
		res.LedgerAccepted = false
		res.Rejection = fmt.Errorf("%s ledger at %d is older than %d: %w", source, ts, e.sync.LastLedgerUpdate, ErrStaleRejected)
	default:
		if err := incoming.Ledger.CheckAgainst(incoming.Items); err != nil {
			res.LedgerAccepted = false
			res.Rejection = fmt.Errorf("%s ledger: %w: %w", source, ErrInvalidLedger, err)
		}
	}

	next := incoming.Clone()
	if res.LedgerAccepted {
		next.Ledger = ledger.New(incoming.Items, incoming.Ledger).Allocations()
		if ts > e.sync.LastLedgerUpdate {
			e.sync.LastLedgerUpdate = ts
		}
	} else {
		next.Ledger = current.Ledger.Clone()
		if emptySuppressed && len(incoming.Items) == 0 {
			next.Items = append([]ledger.Item(nil), current.Items...)
		}
	}
	if next.Division == "" {
		next.Division = current.Division
	}
	if next.CreatedBy == "" {
		next.CreatedBy = current.CreatedBy
		next.CreatedAt = current.CreatedAt
	}
	next.LastUpdated = maxInt64(current.LastUpdated, incoming.LastUpdated)
	if res.LedgerAccepted {
		next.LastUpdated = maxInt64(next.LastUpdated, ts)
	}

	e.settings = next
	e.recomputeTotals()
	e.markGood()
	e.sync.SettingsChanged = false

	res.Effects = Effects{Persist: true, Notify: true}
	return res
}

// RecoverFromFailedFetch is called when a settings fetch failed. If nothing
// has been loaded yet the last good settings are restored; otherwise the
// working state already is the best known state and nothing changes.
func (e *Engine) RecoverFromFailedFetch() Result {
	res := Result{Source: SourceHTTP}
	if e.sync.LastGoodSettings == nil || !e.settings.IsZero() {
		return res
	}
	e.settings = e.sync.LastGoodSettings.Clone()
	e.recomputeTotals()
	res.Effects = Effects{Notify: true}
	return res
}

// ApplyLocal runs a ledger mutation made by this client. On success the
// change is stamped with ts and must be re-broadcast. On error the working
// state is untouched.
func (e *Engine) ApplyLocal(ts int64, fn func(*ledger.Ledger) error) (Result, error) {
	l := e.settings.LedgerView()
	if err := fn(l); err != nil {
		return Result{Source: SourceLocal}, err
	}
	e.settings = e.settings.WithLedger(l)
	return e.stampLocal(ts), nil
}

// UpdateSettings runs a settings mutation made by this client (host edits).
func (e *Engine) UpdateSettings(ts int64, fn func(*models.Settings) error) (Result, error) {
	next := e.settings.Clone()
	if err := fn(&next); err != nil {
		return Result{Source: SourceLocal}, err
	}
	if err := next.Ledger.CheckAgainst(next.Items); err != nil {
		return Result{Source: SourceLocal}, err
	}
	next.Ledger = ledger.New(next.Items, next.Ledger).Allocations()
	e.settings = next
	return e.stampLocal(ts), nil
}

func (e *Engine) stampLocal(ts int64) Result {
	e.settings.LastUpdated = maxInt64(e.settings.LastUpdated, ts)
	if ts > e.sync.LastLedgerUpdate {
		e.sync.LastLedgerUpdate = ts
	}
	e.sync.SettingsChanged = true
	e.recomputeTotals()
	e.markGood()
	return Result{
		Source:         SourceLocal,
		LedgerAccepted: true,
		Effects:        Effects{Persist: true, Notify: true, Rebroadcast: true},
	}
}

// Participants returns the roster, host first and then by identity.
func (e *Engine) Participants() []models.Participant {
	out := make([]models.Participant, 0, len(e.participants))
	for _, p := range e.participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsHost != out[j].IsHost {
			return out[i].IsHost
		}
		return out[i].Identity < out[j].Identity
	})
	return out
}

// Participant returns one roster entry.
func (e *Engine) Participant(identity string) (models.Participant, bool) {
	p, ok := e.participants[identity]
	if !ok {
		return models.Participant{}, false
	}
	return *p, true
}

// ReplaceRoster sets the roster from an authoritative list. Totals always
// come from the working ledger.
func (e *Engine) ReplaceRoster(list []models.Participant) {
	e.participants = make(map[string]*models.Participant, len(list))
	for _, p := range list {
		e.UpsertParticipant(p)
	}
}

// UpsertParticipant adds or updates one roster entry. A host entry demotes
// every other participant.
func (e *Engine) UpsertParticipant(p models.Participant) {
	if p.Identity == "" {
		return
	}
	if existing, ok := e.participants[p.Identity]; ok && p.DisplayName == "" {
		p.DisplayName = existing.DisplayName
	}
	cp := p
	cp.Total = e.settings.Ledger.TotalFor(p.Identity)
	e.participants[p.Identity] = &cp
	if cp.IsHost {
		e.SetHost(cp.Identity, true)
	}
}

// RemoveParticipant drops identity from the roster and purges its ledger
// entries. Rebroadcast is set when the ledger changed.
func (e *Engine) RemoveParticipant(identity string, ts int64) Result {
	delete(e.participants, identity)

	l := e.settings.LedgerView()
	if !l.RemoveParticipant(identity) {
		return Result{Source: SourceLocal, Effects: Effects{Notify: true}}
	}
	e.settings = e.settings.WithLedger(l)
	return e.stampLocal(ts)
}

// SetHost records the host flag of identity. There is at most one host.
func (e *Engine) SetHost(identity string, isHost bool) {
	if isHost {
		for id, p := range e.participants {
			p.IsHost = id == identity
		}
		return
	}
	if p, ok := e.participants[identity]; ok {
		p.IsHost = false
	}
}

// IsHost reports whether identity is the current host.
func (e *Engine) IsHost(identity string) bool {
	p, ok := e.participants[identity]
	return ok && p.IsHost
}

// Host returns the identity of the host, if known.
func (e *Engine) Host() (string, bool) {
	for id, p := range e.participants {
		if p.IsHost {
			return id, true
		}
	}
	return "", false
}

func (e *Engine) recomputeTotals() {
	for id, p := range e.participants {
		p.Total = e.settings.Ledger.TotalFor(id)
	}
}

func (e *Engine) markGood() {
	good := e.settings.Clone()
	e.sync.LastGoodSettings = &good
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
