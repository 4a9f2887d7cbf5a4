package ledger

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrExhausted is returned when every unit of an item is already allocated.
	ErrExhausted = errors.New("no units left")
	// ErrNothingToRemove is returned when a participant holds no units of an item.
	ErrNothingToRemove = errors.New("nothing to remove")
	// ErrUnknownItem is returned for an item index outside the item list.
	ErrUnknownItem = errors.New("unknown item")
	// ErrOverallocated is returned when an item has more units allocated than
	// it holds.
	ErrOverallocated = errors.New("item overallocated")
)

// Item is a shareable good (a pizza) divided into a fixed number of units.
type Item struct {
	Label      string `json:"label"`
	Units      int    `json:"units"`
	PriceCents int64  `json:"priceCents"`
}

// Ledger tracks how many units of each item every participant holds.
// Counts are always positive; a count that drops to zero is deleted.
type Ledger struct {
	items []Item
	alloc Allocations
}

// New builds a ledger over copies of items and alloc. Non-positive counts in
// alloc are dropped.
func New(items []Item, alloc Allocations) *Ledger {
	l := &Ledger{
		items: append([]Item(nil), items...),
		alloc: make(Allocations),
	}
	for idx, byParticipant := range alloc {
		for participant, n := range byParticipant {
			if n > 0 {
				l.set(idx, participant, n)
			}
		}
	}
	return l
}

// Items returns a copy of the item list.
func (l *Ledger) Items() []Item {
	return append([]Item(nil), l.items...)
}

// Allocations returns a copy of the allocation map.
func (l *Ledger) Allocations() Allocations {
	return l.alloc.Clone()
}

// Clone returns an independent copy of the ledger.
func (l *Ledger) Clone() *Ledger {
	return New(l.items, l.alloc)
}

// AddUnit allocates one unit of item i to participant.
func (l *Ledger) AddUnit(i int, participant string) error {
	if err := l.checkIndex(i); err != nil {
		return err
	}
	if l.AvailableUnits(i) == 0 {
		return fmt.Errorf("item %d: %w", i, ErrExhausted)
	}
	l.set(i, participant, l.UnitsFor(i, participant)+1)
	return nil
}

// RemoveUnit releases one unit of item i held by participant.
func (l *Ledger) RemoveUnit(i int, participant string) error {
	if err := l.checkIndex(i); err != nil {
		return err
	}
	n := l.UnitsFor(i, participant)
	if n == 0 {
		return fmt.Errorf("item %d, participant %s: %w", i, participant, ErrNothingToRemove)
	}
	l.set(i, participant, n-1)
	return nil
}

// Adjust changes the units of item i held by participant by delta. It fails
// without changing anything when the result would exceed the item or drop
// below zero.
func (l *Ledger) Adjust(i int, participant string, delta int) error {
	if err := l.checkIndex(i); err != nil {
		return err
	}
	n := l.UnitsFor(i, participant)
	switch {
	case delta > 0 && delta > l.AvailableUnits(i):
		return fmt.Errorf("item %d: adding %d: %w", i, delta, ErrExhausted)
	case delta < 0 && -delta > n:
		return fmt.Errorf("item %d, participant %s: removing %d of %d: %w", i, participant, -delta, n, ErrNothingToRemove)
	}
	l.set(i, participant, n+delta)
	return nil
}

// RemoveItem deletes item i. Allocations for i are discarded and allocations
// for every higher index shift down by one.
func (l *Ledger) RemoveItem(i int) error {
	if err := l.checkIndex(i); err != nil {
		return err
	}
	l.items = append(l.items[:i], l.items[i+1:]...)

	reindexed := make(Allocations, len(l.alloc))
	for idx, byParticipant := range l.alloc {
		switch {
		case idx < i:
			reindexed[idx] = byParticipant
		case idx > i:
			reindexed[idx-1] = byParticipant
		}
	}
	l.alloc = reindexed
	return nil
}

// AddItem appends an item and returns its index.
func (l *Ledger) AddItem(item Item) int {
	l.items = append(l.items, item)
	return len(l.items) - 1
}

// SetItems replaces the item list. Allocations pointing past the new list
// are dropped.
func (l *Ledger) SetItems(items []Item) {
	l.items = append([]Item(nil), items...)
	for idx := range l.alloc {
		if idx >= len(l.items) {
			delete(l.alloc, idx)
		}
	}
}

// RemoveParticipant purges every allocation held by participant and reports
// whether anything changed.
func (l *Ledger) RemoveParticipant(participant string) bool {
	changed := false
	for idx, byParticipant := range l.alloc {
		if _, ok := byParticipant[participant]; !ok {
			continue
		}
		delete(byParticipant, participant)
		if len(byParticipant) == 0 {
			delete(l.alloc, idx)
		}
		changed = true
	}
	return changed
}

// UnitsFor returns the units of item i held by participant.
func (l *Ledger) UnitsFor(i int, participant string) int {
	return l.alloc[i][participant]
}

// TotalFor returns the units held by participant across all items.
func (l *Ledger) TotalFor(participant string) int {
	return l.alloc.TotalFor(participant)
}

// Total returns the number of allocated units across all items.
func (l *Ledger) Total() int {
	return l.alloc.Total()
}

// AvailableUnits returns max(0, units of item i - allocated units of item i).
// Unknown items have no available units.
func (l *Ledger) AvailableUnits(i int) int {
	if i < 0 || i >= len(l.items) {
		return 0
	}
	left := l.items[i].Units - l.alloc.ItemTotal(i)
	if left < 0 {
		return 0
	}
	return left
}

func (l *Ledger) checkIndex(i int) error {
	if i < 0 || i >= len(l.items) {
		return fmt.Errorf("item %d of %d: %w", i, len(l.items), ErrUnknownItem)
	}
	return nil
}

func (l *Ledger) set(i int, participant string, n int) {
	if n <= 0 {
		if byParticipant, ok := l.alloc[i]; ok {
			delete(byParticipant, participant)
			if len(byParticipant) == 0 {
				delete(l.alloc, i)
			}
		}
		return
	}
	if l.alloc[i] == nil {
		l.alloc[i] = make(map[string]int)
	}
	l.alloc[i][participant] = n
}

// Allocations maps an item index to the units each participant holds of it.
type Allocations map[int]map[string]int

// Clone returns a deep copy.
func (a Allocations) Clone() Allocations {
	out := make(Allocations, len(a))
	for idx, byParticipant := range a {
		inner := make(map[string]int, len(byParticipant))
		for participant, n := range byParticipant {
			inner[participant] = n
		}
		out[idx] = inner
	}
	return out
}

// Total sums every positive count.
func (a Allocations) Total() int {
	total := 0
	for idx := range a {
		total += a.ItemTotal(idx)
	}
	return total
}

// CheckAgainst returns ErrOverallocated for the first item whose allocated
// total exceeds its units. Indices past items are not checked.
func (a Allocations) CheckAgainst(items []Item) error {
	for i, item := range items {
		if n := a.ItemTotal(i); n > item.Units {
			return fmt.Errorf("item %d: %d of %d units allocated: %w", i, n, item.Units, ErrOverallocated)
		}
	}
	return nil
}

// IsEmpty reports whether no units are allocated.
func (a Allocations) IsEmpty() bool {
	return a.Total() == 0
}

// ItemTotal sums the counts of item i.
func (a Allocations) ItemTotal(i int) int {
	total := 0
	for _, n := range a[i] {
		if n > 0 {
			total += n
		}
	}
	return total
}

// TotalFor sums the counts held by participant.
func (a Allocations) TotalFor(participant string) int {
	total := 0
	for _, byParticipant := range a {
		if n := byParticipant[participant]; n > 0 {
			total += n
		}
	}
	return total
}

// Participants returns every identity holding at least one unit, sorted.
func (a Allocations) Participants() []string {
	seen := make(map[string]struct{})
	for _, byParticipant := range a {
		for participant, n := range byParticipant {
			if n > 0 {
				seen[participant] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for participant := range seen {
		out = append(out, participant)
	}
	sort.Strings(out)
	return out
}
