// Package transport is the push channel between a session client and the
// room authority.
package transport

import (
	"context"
	"errors"
)

// ErrUnavailable is returned by Emit when the channel cannot carry the event
// right now. The caller treats it as a degraded connection, not a fatal error.
var ErrUnavailable = errors.New("transport unavailable")

// Transport is a bidirectional event channel scoped to one session and
// identity.
//
// Events returns the same channel for the lifetime of the transport, across
// reconnections. When a connection drops the adapter delivers an
// EventDisconnect on it; Connect may then be called again.
type Transport interface {
	Connect(ctx context.Context) error
	Emit(ctx context.Context, ev Event) error
	Events() <-chan Event
	Close() error
}
