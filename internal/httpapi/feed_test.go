package httpapi

import (
	"testing"

	"github.com/example/ride-sync/internal/engine"
)

func drain(ch <-chan engine.Event) []string {
	var out []string
	for {
		select {
		case ev := <-ch:
			out = append(out, ev.Type)
		default:
			return out
		}
	}
}

func TestFeedReplaysLatestState(t *testing.T) {
	f := NewFeed(4)
	f.Publish(engine.Event{Type: engine.EventUnread, Data: 1})
	f.Publish(engine.Event{Type: engine.EventRide})
	f.Publish(engine.Event{Type: engine.EventNotice})
	f.Publish(engine.Event{Type: engine.EventUnread, Data: 2})

	ch, unsubscribe := f.Subscribe()
	defer unsubscribe()
	got := drain(ch)
	if len(got) != 2 || got[0] != engine.EventUnread || got[1] != engine.EventRide {
		t.Fatalf("unexpected replay %v", got)
	}

	f.Publish(engine.Event{Type: engine.EventRideExit})
	if got := drain(ch); len(got) != 1 || got[0] != engine.EventRideExit {
		t.Fatalf("live event not delivered: %v", got)
	}

	late, stop := f.Subscribe()
	defer stop()
	if got := drain(late); len(got) != 1 || got[0] != engine.EventUnread {
		t.Fatalf("ride state should be gone after exit, got %v", got)
	}
}

func TestFeedDropsForSlowSubscriber(t *testing.T) {
	f := NewFeed(1)
	ch, unsubscribe := f.Subscribe()
	f.Publish(engine.Event{Type: engine.EventNotice})
	f.Publish(engine.Event{Type: engine.EventNotice})

	if got := drain(ch); len(got) != 1 {
		t.Fatalf("expected one buffered event, got %v", got)
	}
	unsubscribe()
	if f.Subscribers() != 0 {
		t.Fatal("subscriber not removed")
	}
}
