package reconcile

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/mcdev12/pizzaday/go/internal/ledger"
	"github.com/mcdev12/pizzaday/go/internal/models"
)

func items() []ledger.Item {
	return []ledger.Item{
		{Label: "margherita", Units: 8, PriceCents: 15000},
		{Label: "calabresa", Units: 8, PriceCents: 14000},
	}
}

func settingsWith(alloc ledger.Allocations, ts int64) models.Settings {
	return models.Settings{
		Division:    models.DivisionByConsumption,
		Items:       items(),
		Ledger:      alloc,
		LastUpdated: ts,
	}
}

func TestMergeAcceptsIntoEmptyState(t *testing.T) {
	e := NewEngine()
	res := e.Merge(settingsWith(ledger.Allocations{0: {"ana": 2}}, 100), SourceHTTP, 0)

	if !res.LedgerAccepted || res.Rejection != nil {
		t.Fatalf("result = %+v", res)
	}
	if !res.Effects.Persist || !res.Effects.Notify || res.Effects.Rebroadcast {
		t.Fatalf("effects = %+v", res.Effects)
	}
	if got := e.Settings().Ledger.Total(); got != 2 {
		t.Fatalf("total = %d", got)
	}
	sync := e.Sync()
	if sync.LastLedgerUpdate != 100 || sync.LastGoodSettings == nil || sync.SettingsChanged {
		t.Fatalf("sync = %+v", sync)
	}
	if !e.HTTPReloadEnabled() {
		t.Fatal("http reload disabled by an http payload")
	}
}

func TestEmptyLedgerNeverOverwritesNonEmpty(t *testing.T) {
	e := NewEngine()
	e.Merge(settingsWith(ledger.Allocations{0: {"ana": 3}, 1: {"bruno": 1}}, 100), SourceSnapshot, 0)

	// Newer timestamp, empty ledger, no items: nothing visible may regress.
	res := e.Merge(models.Settings{LastUpdated: 500}, SourceHTTP, 0)
	if res.LedgerAccepted || !errors.Is(res.Rejection, ErrStaleRejected) {
		t.Fatalf("result = %+v", res)
	}
	got := e.Settings()
	if got.Ledger.Total() != 4 {
		t.Fatalf("total = %d, want 4", got.Ledger.Total())
	}
	if len(got.Items) != 2 {
		t.Fatalf("items wiped: %+v", got.Items)
	}
	if got.Division != models.DivisionByConsumption {
		t.Fatalf("division = %q", got.Division)
	}
	if got.LastUpdated != 500 {
		t.Fatalf("last updated = %d, want non-decreasing 500", got.LastUpdated)
	}
}

func TestEmptyLedgerKeepsLedgerButTakesIncomingItems(t *testing.T) {
	e := NewEngine()
	e.Merge(settingsWith(ledger.Allocations{0: {"ana": 3}}, 100), SourcePush, 0)

	incoming := settingsWith(nil, 200)
	incoming.Items = append(incoming.Items, ledger.Item{Label: "portuguesa", Units: 8, PriceCents: 16000})
	incoming.Division = models.DivisionEqualSplit
	e.Merge(incoming, SourcePush, 0)

	got := e.Settings()
	if len(got.Items) != 3 || got.Division != models.DivisionEqualSplit {
		t.Fatalf("host fields not replaced: %+v", got)
	}
	if got.Ledger.Total() != 3 {
		t.Fatalf("ledger total = %d", got.Ledger.Total())
	}
}

func TestOlderTimestampNeverWins(t *testing.T) {
	e := NewEngine()
	e.Merge(settingsWith(ledger.Allocations{0: {"ana": 2}}, 1000), SourcePush, 0)

	res := e.MergeLedger(ledger.Allocations{0: {"ana": 7}}, SourcePush, 999)
	if res.LedgerAccepted || !errors.Is(res.Rejection, ErrStaleRejected) {
		t.Fatalf("older ledger accepted: %+v", res)
	}
	if got := e.Settings().Ledger[0]["ana"]; got != 2 {
		t.Fatalf("ana = %d, want 2", got)
	}

	// Ties are not older: they are accepted.
	res = e.MergeLedger(ledger.Allocations{0: {"ana": 5}}, SourcePush, 1000)
	if !res.LedgerAccepted {
		t.Fatalf("equal timestamp rejected: %+v", res)
	}

	// Untimestamped payloads cannot be ordered and are accepted.
	res = e.MergeLedger(ledger.Allocations{0: {"ana": 4}}, SourcePush, 0)
	if !res.LedgerAccepted {
		t.Fatalf("untimestamped ledger rejected: %+v", res)
	}
	if e.Sync().LastLedgerUpdate != 1000 {
		t.Fatalf("last ledger update = %d", e.Sync().LastLedgerUpdate)
	}
}

func TestTimestampHintOverridesPayloadTimestamp(t *testing.T) {
	e := NewEngine()
	e.Merge(settingsWith(ledger.Allocations{0: {"ana": 2}}, 1000), SourcePush, 0)

	res := e.Merge(settingsWith(ledger.Allocations{0: {"ana": 6}}, 2000), SourcePush, 10)
	if res.LedgerAccepted {
		t.Fatal("hint ignored")
	}
}

func TestPushThenEmptyOlderHTTPKeepsPushLedger(t *testing.T) {
	e := NewEngine()

	// HTTP fetch starts, push arrives first with five slices.
	push := e.MergeLedger(ledger.Allocations{0: {"ana": 3, "bruno": 2}}, SourcePush, 2000)
	if !push.LedgerAccepted {
		t.Fatalf("push rejected: %+v", push)
	}

	// The fetch resolves afterwards with an empty, older ledger.
	e.Merge(settingsWith(nil, 1500), SourceHTTP, 0)

	if got := e.Settings().Ledger.Total(); got != 5 {
		t.Fatalf("total = %d, want 5", got)
	}
}

func TestPushSettingsLatchesHTTPReload(t *testing.T) {
	e := NewEngine()
	e.Merge(settingsWith(ledger.Allocations{0: {"ana": 1}}, 100), SourcePush, 0)
	if e.HTTPReloadEnabled() {
		t.Fatal("push settings did not disable http reload")
	}

	newer := settingsWith(ledger.Allocations{0: {"ana": 4}}, 900)
	newer.Division = models.DivisionEqualSplit
	res := e.Merge(newer, SourceHTTP, 0)
	if !errors.Is(res.Rejection, ErrStaleRejected) || res.Effects.Notify {
		t.Fatalf("http payload merged after latch: %+v", res)
	}
	if got := e.Settings(); got.Division != models.DivisionByConsumption || got.Ledger.Total() != 1 {
		t.Fatalf("settings = %+v", got)
	}
}

func TestLedgerOnlyPushDoesNotLatch(t *testing.T) {
	e := NewEngine()
	e.MergeLedger(ledger.Allocations{0: {"ana": 1}}, SourcePush, 100)
	if !e.HTTPReloadEnabled() {
		t.Fatal("ledger-only push disabled http reload")
	}
}

// Flicker suppression must hold for any interleaving of sources.
func TestEmptyPayloadNeverChangesTotalProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	sources := []Source{SourcePush, SourceHTTP, SourceSnapshot}
	people := []string{"ana", "bruno", "carla"}

	for run := 0; run < 200; run++ {
		e := NewEngine()
		for step := 0; step < 30; step++ {
			src := sources[rng.Intn(len(sources))]
			ts := int64(rng.Intn(5000))
			if rng.Intn(3) == 0 {
				before := e.Settings().Ledger.Total()
				e.Merge(models.Settings{LastUpdated: ts}, src, 0)
				after := e.Settings().Ledger.Total()
				if before > 0 && after != before {
					t.Fatalf("run %d step %d: empty %s payload changed total %d -> %d", run, step, src, before, after)
				}
				continue
			}
			alloc := ledger.Allocations{}
			for i := range items() {
				for _, p := range people {
					if n := rng.Intn(3); n > 0 {
						if alloc[i] == nil {
							alloc[i] = map[string]int{}
						}
						alloc[i][p] = n
					}
				}
			}
			beforeLedger := e.Settings().Ledger
			res := e.Merge(settingsWith(alloc, ts), src, 0)
			if !res.LedgerAccepted && e.Settings().Ledger.Total() != beforeLedger.Total() {
				t.Fatalf("run %d step %d: rejected ledger still changed total", run, step)
			}
			if last := e.Sync().LastLedgerUpdate; res.LedgerAccepted && last < ts {
				t.Fatalf("last ledger update %d behind accepted %d", last, ts)
			}
		}
	}
}

func TestRecoverFromFailedFetch(t *testing.T) {
	e := NewEngine()
	if res := e.RecoverFromFailedFetch(); res.Effects.Notify {
		t.Fatalf("recovery without last good settings notified: %+v", res)
	}

	e.Merge(settingsWith(ledger.Allocations{0: {"ana": 2}}, 100), SourceSnapshot, 0)
	e.settings = models.Settings{}
	res := e.RecoverFromFailedFetch()
	if !res.Effects.Notify {
		t.Fatalf("result = %+v", res)
	}
	if got := e.Settings().Ledger.Total(); got != 2 {
		t.Fatalf("total after recovery = %d", got)
	}
}

func TestApplyLocal(t *testing.T) {
	e := NewEngine()
	e.Merge(settingsWith(nil, 100), SourceHTTP, 0)
	e.UpsertParticipant(models.Participant{Identity: "ana", DisplayName: "Ana"})

	res, err := e.ApplyLocal(300, func(l *ledger.Ledger) error { return l.AddUnit(0, "ana") })
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Effects.Rebroadcast || !res.Effects.Persist {
		t.Fatalf("effects = %+v", res.Effects)
	}
	sync := e.Sync()
	if !sync.SettingsChanged || sync.LastLedgerUpdate != 300 {
		t.Fatalf("sync = %+v", sync)
	}
	if p, _ := e.Participant("ana"); p.Total != 1 {
		t.Fatalf("ana total = %d", p.Total)
	}

	before := e.Settings()
	_, err = e.ApplyLocal(400, func(l *ledger.Ledger) error { return l.RemoveUnit(1, "ana") })
	if !errors.Is(err, ledger.ErrNothingToRemove) {
		t.Fatalf("err = %v", err)
	}
	if after := e.Settings(); after.LastUpdated != before.LastUpdated || after.Ledger.Total() != 1 {
		t.Fatalf("failed edit changed state: %+v", after)
	}

	// A merge treats the incoming payload as canonical again.
	e.Merge(settingsWith(ledger.Allocations{0: {"ana": 1}}, 500), SourcePush, 0)
	if e.Sync().SettingsChanged {
		t.Fatal("settings still marked changed after merge")
	}
}

func TestUpdateSettingsDropsAllocationsOfRemovedItems(t *testing.T) {
	e := NewEngine()
	e.Merge(settingsWith(ledger.Allocations{0: {"ana": 1}, 1: {"ana": 0}}, 100), SourceHTTP, 0)

	_, err := e.UpdateSettings(200, func(s *models.Settings) error {
		l := s.LedgerView()
		if err := l.RemoveItem(0); err != nil {
			return err
		}
		*s = s.WithLedger(l)
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	got := e.Settings()
	if len(got.Items) != 1 || got.Ledger.Total() != 0 {
		t.Fatalf("settings = %+v", got)
	}
}

func TestMergeRejectsOverallocatedLedger(t *testing.T) {
	e := NewEngine()
	e.Merge(settingsWith(ledger.Allocations{0: {"ana": 2}}, 100), SourceHTTP, 0)

	incoming := settingsWith(ledger.Allocations{0: {"x": 20}}, 200)
	incoming.Division = models.DivisionEqualSplit
	res := e.Merge(incoming, SourcePush, 0)
	if res.LedgerAccepted || !errors.Is(res.Rejection, ErrInvalidLedger) || !errors.Is(res.Rejection, ledger.ErrOverallocated) {
		t.Fatalf("result = %+v", res)
	}
	got := e.Settings()
	if got.Ledger.Total() != 2 || got.Ledger[0]["ana"] != 2 {
		t.Fatalf("ledger = %v, want the previous one", got.Ledger)
	}
	if got.Division != models.DivisionEqualSplit {
		t.Fatalf("division = %q, host fields should still merge", got.Division)
	}
	if e.Sync().LastLedgerUpdate != 100 {
		t.Fatalf("last ledger update = %d", e.Sync().LastLedgerUpdate)
	}

	res = e.MergeLedger(ledger.Allocations{1: {"bruno": 9}}, SourcePush, 300)
	if res.LedgerAccepted || !errors.Is(res.Rejection, ErrInvalidLedger) {
		t.Fatalf("ledger-only overallocation = %+v", res)
	}
}

func TestUpdateSettingsRejectsShrinkBelowAllocation(t *testing.T) {
	e := NewEngine()
	e.Merge(settingsWith(ledger.Allocations{0: {"ana": 5, "bruno": 3}}, 100), SourceHTTP, 0)

	_, err := e.UpdateSettings(200, func(s *models.Settings) error {
		s.Items[0].Units = 4
		return nil
	})
	if !errors.Is(err, ledger.ErrOverallocated) {
		t.Fatalf("err = %v, want ErrOverallocated", err)
	}
	got := e.Settings()
	if got.Items[0].Units != 8 || got.LastUpdated != 100 {
		t.Fatalf("rejected edit changed state: %+v", got)
	}
}

func TestRosterHostAndRemoval(t *testing.T) {
	e := NewEngine()
	e.Merge(settingsWith(ledger.Allocations{0: {"ana": 2, "bruno": 1}}, 100), SourcePush, 0)
	e.ReplaceRoster([]models.Participant{
		{Identity: "bruno", DisplayName: "Bruno", Total: 99},
		{Identity: "ana", DisplayName: "Ana", IsHost: true},
		{Identity: "carla", DisplayName: "Carla"},
	})

	list := e.Participants()
	if list[0].Identity != "ana" || !list[0].IsHost {
		t.Fatalf("host not first: %+v", list)
	}
	if p, _ := e.Participant("bruno"); p.Total != 1 {
		t.Fatalf("bruno total = %d, want ledger total", p.Total)
	}

	e.SetHost("carla", true)
	if e.IsHost("ana") || !e.IsHost("carla") {
		t.Fatal("host not transferred")
	}
	if host, ok := e.Host(); !ok || host != "carla" {
		t.Fatalf("host = %q", host)
	}

	res := e.RemoveParticipant("bruno", 200)
	if !res.Effects.Rebroadcast {
		t.Fatalf("ledger change not flagged: %+v", res)
	}
	if e.Settings().Ledger.TotalFor("bruno") != 0 {
		t.Fatal("bruno allocations survived")
	}
	res = e.RemoveParticipant("carla", 300)
	if res.Effects.Rebroadcast {
		t.Fatal("removal without allocations flagged for rebroadcast")
	}
	if len(e.Participants()) != 1 {
		t.Fatalf("roster = %+v", e.Participants())
	}
}
