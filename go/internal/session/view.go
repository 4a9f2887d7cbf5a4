package session

import (
	"github.com/mcdev12/pizzaday/go/internal/liveness"
	"github.com/mcdev12/pizzaday/go/internal/models"
)

// View is what the UI renders.
type View struct {
	SessionID    string               `json:"sessionId"`
	Identity     string               `json:"identity"`
	IsHost       bool                 `json:"isHost"`
	Settings     models.Settings      `json:"settings"`
	Participants []models.Participant `json:"participants"`
	// Available holds the unallocated units per item index.
	Available  []int           `json:"available"`
	Connection liveness.Status `json:"connection"`
	Ended      bool            `json:"ended"`
	EndReason  string          `json:"endReason,omitempty"`
}

// NotificationKind classifies a notification.
type NotificationKind string

const (
	// NotifyState means the view changed.
	NotifyState NotificationKind = "state"
	// NotifyNotice carries a user-visible message.
	NotifyNotice NotificationKind = "notice"
	// NotifyTerminated is the last notification of a session.
	NotifyTerminated NotificationKind = "terminated"
)

// Notification is delivered to subscribers after every visible change.
type Notification struct {
	Kind   NotificationKind `json:"kind"`
	View   View             `json:"view"`
	Notice string           `json:"notice,omitempty"`
}
