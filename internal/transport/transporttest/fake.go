// Package transporttest provides an in-memory Channel for component tests.
package transporttest

import (
	"encoding/json"
	"fmt"

	"github.com/example/ride-sync/internal/protocol"
	"github.com/example/ride-sync/internal/transport"
)

// Emitted is one frame a component sent.
type Emitted struct {
	Event   string
	Payload any
}

// Fake is a transport.Channel that records emits and lets tests deliver
// inbound events synchronously.
type Fake struct {
	transport.Router
	Online  bool
	Emitted []Emitted
}

func NewFake() *Fake { return &Fake{Online: true} }

func (f *Fake) Emit(event string, payload any) bool {
	if !f.Online {
		return false
	}
	f.Emitted = append(f.Emitted, Emitted{Event: event, Payload: payload})
	return true
}

func (f *Fake) Connected() bool { return f.Online }

// Deliver marshals payload and dispatches it as an inbound event. It
// returns how many handlers ran.
func (f *Fake) Deliver(event string, payload any) int {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			panic(fmt.Sprintf("transporttest: encode %s: %v", event, err))
		}
		data = b
	}
	return f.Dispatch(event, data)
}

// Reconnect flips the fake online and dispatches $connected.
func (f *Fake) Reconnect() {
	f.Online = true
	f.Dispatch(protocol.Connected, nil)
}

// Disconnect flips the fake offline and dispatches $disconnected.
func (f *Fake) Disconnect() {
	f.Online = false
	f.Dispatch(protocol.Disconnected, nil)
}

// Count returns how many times event was emitted.
func (f *Fake) Count(event string) int {
	n := 0
	for _, e := range f.Emitted {
		if e.Event == event {
			n++
		}
	}
	return n
}

// Events lists emitted event names in order.
func (f *Fake) Events() []string {
	out := make([]string, 0, len(f.Emitted))
	for _, e := range f.Emitted {
		out = append(out, e.Event)
	}
	return out
}

// Last returns the most recent emit of event.
func (f *Fake) Last(event string) (Emitted, bool) {
	for i := len(f.Emitted) - 1; i >= 0; i-- {
		if f.Emitted[i].Event == event {
			return f.Emitted[i], true
		}
	}
	return Emitted{}, false
}

func (f *Fake) Reset() { f.Emitted = nil }
