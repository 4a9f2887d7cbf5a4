package codec

import (
	"bytes"
	"testing"

	"github.com/mcdev12/pizzaday/go/internal/ledger"
	"github.com/mcdev12/pizzaday/go/internal/models"
)

func TestMarshalIsDeterministic(t *testing.T) {
	s := models.Settings{
		Division: models.DivisionByConsumption,
		Items:    []ledger.Item{{Label: "margherita", Units: 8, PriceCents: 15000}},
		Ledger:   ledger.Allocations{0: {"ana": 2, "bruno": 1, "carla": 4}},
	}
	first, err := Marshal(s)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Marshal(s.Clone())
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatal("encoding is not deterministic")
		}
	}
}

func TestRoundTripKeepsIntegerLedgerKeys(t *testing.T) {
	s := models.Settings{
		Items:       []ledger.Item{{Label: "a", Units: 4, PriceCents: 1}, {Label: "b", Units: 4, PriceCents: 1}},
		Ledger:      ledger.Allocations{1: {"ana": 3}},
		LastUpdated: 1700000000000,
	}
	data, err := Marshal(s)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded models.Settings
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Ledger[1]["ana"] != 3 || decoded.LastUpdated != s.LastUpdated {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	var decoded models.Settings
	if err := Unmarshal([]byte{0xff, 0x00, 0x13}, &decoded); err == nil {
		t.Fatal("expected error")
	}
}
