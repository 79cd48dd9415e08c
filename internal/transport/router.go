package transport

import (
	"encoding/json"
	"sync"
	"sync/atomic"
)

// Handler receives the raw data of one inbound event.
type Handler func(data json.RawMessage)

// Router fans each event out to every registered handler in registration
// order. Handlers are removed individually through their Subscription.
type Router struct {
	mu       sync.Mutex
	handlers map[string][]*Subscription
}

type Subscription struct {
	r     *Router
	event string
	fn    Handler
	off   atomic.Bool
}

func (r *Router) On(event string, fn Handler) *Subscription {
	sub := &Subscription{r: r, event: event, fn: fn}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = make(map[string][]*Subscription)
	}
	r.handlers[event] = append(r.handlers[event], sub)
	return sub
}

// Off removes the handler. Safe to call more than once, and from inside a
// dispatch: a handler removed mid-dispatch is not invoked afterwards.
func (s *Subscription) Off() {
	if s == nil || s.off.Swap(true) {
		return
	}
	r := s.r
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.handlers[s.event]
	for i, cur := range list {
		if cur == s {
			next := make([]*Subscription, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(r.handlers, s.event)
			} else {
				r.handlers[s.event] = next
			}
			return
		}
	}
}

func (s *Subscription) Event() string { return s.event }

// Dispatch invokes the handlers registered for event and returns how many
// ran.
func (r *Router) Dispatch(event string, data json.RawMessage) int {
	r.mu.Lock()
	list := r.handlers[event]
	r.mu.Unlock()

	n := 0
	for _, sub := range list {
		if sub.off.Load() {
			continue
		}
		sub.fn(data)
		n++
	}
	return n
}

// Handlers counts the live handlers for event.
func (r *Router) Handlers(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers[event])
}

// Channel is the view of the transport that components depend on.
type Channel interface {
	// Emit sends an event. It reports false when the frame was dropped
	// because the channel is not connected; nothing is queued.
	Emit(event string, payload any) bool
	On(event string, fn Handler) *Subscription
	Connected() bool
}

// Group collects the subscriptions of one logical subscription window so
// they can be torn down together.
type Group struct {
	ch   Channel
	subs []*Subscription
}

func NewGroup(ch Channel) *Group { return &Group{ch: ch} }

func (g *Group) On(event string, fn Handler) *Subscription {
	sub := g.ch.On(event, fn)
	g.subs = append(g.subs, sub)
	return sub
}

// Off removes every subscription added through the group.
func (g *Group) Off() {
	for _, sub := range g.subs {
		sub.Off()
	}
	g.subs = nil
}

func (g *Group) Len() int { return len(g.subs) }

// Decode unmarshals data into v. Empty data leaves v untouched.
func Decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
