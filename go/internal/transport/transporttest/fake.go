// Package transporttest provides an in-memory transport for tests.
package transporttest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mcdev12/pizzaday/go/internal/transport"
)

// Fake is an in-memory transport.Transport. Inbound events are injected with
// Deliver; outbound events are recorded.
type Fake struct {
	events  chan transport.Event
	emitted chan transport.Event

	mu         sync.Mutex
	sent       []transport.Event
	connected  bool
	closed     bool
	connects   int
	connectErr error
	emitErr    error
}

// NewFake returns a disconnected fake.
func NewFake() *Fake {
	return &Fake{
		events:  make(chan transport.Event, 256),
		emitted: make(chan transport.Event, 256),
	}
}

// Connect implements transport.Transport.
func (f *Fake) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.closed {
		return fmt.Errorf("connect after close: %w", transport.ErrUnavailable)
	}
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

// Emit implements transport.Transport.
func (f *Fake) Emit(ctx context.Context, ev transport.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	if !f.connected {
		return fmt.Errorf("emit %s: not connected: %w", ev.Type, transport.ErrUnavailable)
	}
	f.sent = append(f.sent, ev)
	select {
	case f.emitted <- ev:
	default:
	}
	return nil
}

// Events implements transport.Transport.
func (f *Fake) Events() <-chan transport.Event {
	return f.events
}

// Close implements transport.Transport.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.connected = false
	return nil
}

// Deliver injects an inbound event.
func (f *Fake) Deliver(ev transport.Event) {
	f.events <- ev
}

// Drop simulates a lost connection: emits fail and a disconnect is delivered.
func (f *Fake) Drop() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.events <- transport.Event{Type: transport.EventDisconnect}
}

// FailConnect makes every following Connect return err (nil clears it).
func (f *Fake) FailConnect(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

// FailEmit makes every following Emit return err (nil clears it).
func (f *Fake) FailEmit(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitErr = err
}

// Sent returns every emitted event of the given types, or all when none given.
func (f *Fake) Sent(types ...transport.EventType) []transport.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(types) == 0 {
		return append([]transport.Event(nil), f.sent...)
	}
	var out []transport.Event
	for _, ev := range f.sent {
		for _, t := range types {
			if ev.Type == t {
				out = append(out, ev)
				break
			}
		}
	}
	return out
}

// Connects returns how many times Connect was called.
func (f *Fake) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// WaitFor blocks until an event of type typ is emitted and returns it.
// Events of other types emitted meanwhile are skipped.
func (f *Fake) WaitFor(t testing.TB, typ transport.EventType) transport.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-f.emitted:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s to be emitted; sent so far: %v", typ, types(f.Sent()))
			return transport.Event{}
		}
	}
}

func types(events []transport.Event) []transport.EventType {
	out := make([]transport.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}
