package httpapi

import (
	"sync"

	"github.com/example/ride-sync/internal/engine"
)

// stateful events are replayed to new subscribers so a UI that connects
// late starts from the current state.
var stateful = map[string]bool{
	engine.EventConnection: true,
	engine.EventSuspended:  true,
	engine.EventRide:       true,
	engine.EventCountdown:  true,
	engine.EventOffers:     true,
	engine.EventMessages:   true,
	engine.EventUnread:     true,
}

// Feed holds the UI event stream subscribers. Publish never blocks: a
// subscriber that falls behind loses events.
type Feed struct {
	mu     sync.RWMutex
	subs   map[int]chan engine.Event
	nextID int
	last   map[string]engine.Event
	order  []string
	buffer int
}

func NewFeed(buffer int) *Feed {
	if buffer <= 0 {
		buffer = 64
	}
	return &Feed{subs: make(map[int]chan engine.Event), last: make(map[string]engine.Event), buffer: buffer}
}

func (f *Feed) Publish(ev engine.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remember(ev)
	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (f *Feed) remember(ev engine.Event) {
	if ev.Type == engine.EventRideExit {
		f.forget(engine.EventRide)
		f.forget(engine.EventCountdown)
		return
	}
	if !stateful[ev.Type] {
		return
	}
	if _, ok := f.last[ev.Type]; !ok {
		f.order = append(f.order, ev.Type)
	}
	f.last[ev.Type] = ev
}

func (f *Feed) forget(typ string) {
	if _, ok := f.last[typ]; !ok {
		return
	}
	delete(f.last, typ)
	for i, t := range f.order {
		if t == typ {
			f.order = append(f.order[:i:i], f.order[i+1:]...)
			break
		}
	}
}

// Subscribe returns a channel primed with the current state and a func that
// removes the subscription.
func (f *Feed) Subscribe() (<-chan engine.Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan engine.Event, f.buffer+len(f.order))
	for _, t := range f.order {
		ch <- f.last[t]
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
}

func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
