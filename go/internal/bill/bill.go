// Package bill splits the cost of a session between its participants.
package bill

import (
	"sort"

	"github.com/mcdev12/pizzaday/go/internal/models"
)

// Share is what a single participant owes.
type Share struct {
	Identity    string `json:"identity"`
	Units       int    `json:"units"`
	AmountCents int64  `json:"amountCents"`
}

// Bill is the split of a session's total.
type Bill struct {
	Division        models.DivisionPolicy `json:"division"`
	TotalCents      int64                 `json:"totalCents"`
	UnassignedCents int64                 `json:"unassignedCents"`
	Shares          []Share               `json:"shares"`
}

// Compute splits the cost of s between participants. Allocation holders
// missing from participants are billed as well.
//
// By consumption, every item's price is divided between its holders in
// proportion to the units they took; an item nobody took stays unassigned.
// Add-ons are always split equally. Under equal split the whole total is
// divided evenly. Rounding leftovers go to the largest fractional remainders,
// so shares always add up to the assigned amount.
func Compute(s models.Settings, participants []string) Bill {
	people := roster(s, participants)
	owed := make(map[string]int64, len(people))

	b := Bill{Division: s.Division}
	var itemsTotal, addOnsTotal int64
	for _, item := range s.Items {
		itemsTotal += item.PriceCents
	}
	for _, addOn := range s.AddOns {
		addOnsTotal += int64(addOn.Quantity) * addOn.PriceCents
	}
	b.TotalCents = itemsTotal + addOnsTotal

	if len(people) == 0 {
		b.UnassignedCents = b.TotalCents
		return b
	}

	switch s.Division {
	case models.DivisionEqualSplit:
		addTo(owed, split(b.TotalCents, equalWeights(people)))
	default:
		for i, item := range s.Items {
			weights := make(map[string]int64)
			for identity, n := range s.Ledger[i] {
				if n > 0 {
					weights[identity] = int64(n)
				}
			}
			if len(weights) == 0 {
				b.UnassignedCents += item.PriceCents
				continue
			}
			addTo(owed, split(item.PriceCents, weights))
		}
		addTo(owed, split(addOnsTotal, equalWeights(people)))
	}

	for _, identity := range people {
		b.Shares = append(b.Shares, Share{
			Identity:    identity,
			Units:       s.Ledger.TotalFor(identity),
			AmountCents: owed[identity],
		})
	}
	return b
}

// ShareOf returns the share of identity, or a zero share.
func (b Bill) ShareOf(identity string) Share {
	for _, share := range b.Shares {
		if share.Identity == identity {
			return share
		}
	}
	return Share{Identity: identity}
}

// PricePerUnit returns the cost of one consumed unit of item i under
// by-consumption, or zero when nothing was taken.
func PricePerUnit(s models.Settings, i int) float64 {
	if i < 0 || i >= len(s.Items) {
		return 0
	}
	taken := s.Ledger.ItemTotal(i)
	if taken == 0 {
		return 0
	}
	return float64(s.Items[i].PriceCents) / float64(taken)
}

func roster(s models.Settings, participants []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, identity := range append(append([]string(nil), participants...), s.Ledger.Participants()...) {
		if _, ok := seen[identity]; ok || identity == "" {
			continue
		}
		seen[identity] = struct{}{}
		out = append(out, identity)
	}
	sort.Strings(out)
	return out
}

func equalWeights(people []string) map[string]int64 {
	weights := make(map[string]int64, len(people))
	for _, identity := range people {
		weights[identity] = 1
	}
	return weights
}

func addTo(dst, src map[string]int64) {
	for identity, amount := range src {
		dst[identity] += amount
	}
}

// split divides amount in proportion to weights using the largest remainder
// method. Ties are broken by identity.
func split(amount int64, weights map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(weights))
	var total int64
	for _, w := range weights {
		total += w
	}
	if amount == 0 || total == 0 {
		return out
	}

	type remainder struct {
		identity string
		rem      int64
	}
	rems := make([]remainder, 0, len(weights))
	var assigned int64
	for identity, w := range weights {
		q := amount * w / total
		out[identity] = q
		assigned += q
		rems = append(rems, remainder{identity: identity, rem: amount * w % total})
	}
	sort.Slice(rems, func(i, j int) bool {
		if rems[i].rem != rems[j].rem {
			return rems[i].rem > rems[j].rem
		}
		return rems[i].identity < rems[j].identity
	})
	for i := 0; assigned < amount; i++ {
		out[rems[i%len(rems)].identity]++
		assigned++
	}
	return out
}
