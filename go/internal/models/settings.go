package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mcdev12/pizzaday/go/internal/ledger"
)

// AddOn is a non-divisible extra shared by the table (drinks, delivery fee).
type AddOn struct {
	Label      string `json:"label"`
	Quantity   int    `json:"quantity"`
	PriceCents int64  `json:"priceCents"`
}

// Settings is the externally synchronized session bundle.
type Settings struct {
	Items             []ledger.Item      `json:"items"`
	Ledger            ledger.Allocations `json:"ledger,omitempty"`
	Division          DivisionPolicy     `json:"division"`
	AddOns            []AddOn            `json:"addOns,omitempty"`
	LastUpdated       int64              `json:"lastUpdated"` // unix milliseconds
	CreatedBy         string             `json:"createdBy,omitempty"`
	CreatedAt         int64              `json:"createdAt,omitempty"`
	AllowGuestRemoval bool               `json:"allowGuestRemoval"`
	ShowQRCode        bool               `json:"showQRCode"`
	AutoCalculate     bool               `json:"autoCalculate"`
}

// Clone returns a deep copy of s.
func (s Settings) Clone() Settings {
	out := s
	out.Items = append([]ledger.Item(nil), s.Items...)
	out.AddOns = append([]AddOn(nil), s.AddOns...)
	if s.Ledger != nil {
		out.Ledger = s.Ledger.Clone()
	}
	return out
}

// IsZero reports whether s carries no information at all, as produced by an
// empty default.
func (s Settings) IsZero() bool {
	return len(s.Items) == 0 && s.Ledger.IsEmpty() && len(s.AddOns) == 0 &&
		s.Division == "" && s.LastUpdated == 0
}

// LedgerView returns a ledger over the items and allocations of s.
func (s Settings) LedgerView() *ledger.Ledger {
	return ledger.New(s.Items, s.Ledger)
}

// WithLedger returns a copy of s whose items and allocations come from l.
func (s Settings) WithLedger(l *ledger.Ledger) Settings {
	out := s.Clone()
	out.Items = l.Items()
	out.Ledger = l.Allocations()
	return out
}

const (
	MinItemUnits = 1
	MaxItemUnits = 50
)

// ErrInvalidSettings is returned by Validate.
var ErrInvalidSettings = errors.New("invalid settings")

// Validate checks the constraints a host must satisfy when creating or
// editing a session.
func (s Settings) Validate() error {
	if !s.Division.Valid() {
		return fmt.Errorf("division %q: %w", s.Division, ErrInvalidSettings)
	}
	if len(s.Items) == 0 {
		return fmt.Errorf("at least one item is required: %w", ErrInvalidSettings)
	}
	for i, item := range s.Items {
		if strings.TrimSpace(item.Label) == "" {
			return fmt.Errorf("item %d: label is required: %w", i, ErrInvalidSettings)
		}
		if item.Units < MinItemUnits || item.Units > MaxItemUnits {
			return fmt.Errorf("item %d: units must be between %d and %d: %w", i, MinItemUnits, MaxItemUnits, ErrInvalidSettings)
		}
		if item.PriceCents < 1 {
			return fmt.Errorf("item %d: price must be positive: %w", i, ErrInvalidSettings)
		}
	}
	if err := s.Ledger.CheckAgainst(s.Items); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	for i, addOn := range s.AddOns {
		if addOn.Quantity < 0 || addOn.PriceCents < 0 {
			return fmt.Errorf("add-on %d: negative quantity or price: %w", i, ErrInvalidSettings)
		}
	}
	return nil
}
