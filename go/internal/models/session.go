package models

import (
	"time"
)

// DivisionPolicy defines how the bill is split.
type DivisionPolicy string

const (
	DivisionByConsumption DivisionPolicy = "by-consumption"
	DivisionEqualSplit    DivisionPolicy = "equal-split"
)

// Valid reports whether p is a known policy.
func (p DivisionPolicy) Valid() bool {
	return p == DivisionByConsumption || p == DivisionEqualSplit
}

// Session represents a live bill-splitting session.
type Session struct {
	ID        string         `json:"id"`
	Division  DivisionPolicy `json:"division"`
	Active    bool           `json:"active"`
	CreatedBy string         `json:"createdBy"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Participant represents someone consuming in a session. Identity is unique
// within a session.
type Participant struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"displayName"`
	IsHost      bool   `json:"isHost"`
	Total       int    `json:"total"`
}
