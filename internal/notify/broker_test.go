package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-sync/internal/chat"
	"github.com/example/ride-sync/internal/eventloop"
	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/protocol"
	"github.com/example/ride-sync/internal/transport/transporttest"
)

type fakeLister struct {
	convs []models.Conversation
	err   error
	calls int
}

func (f *fakeLister) ListConversations(context.Context) ([]models.Conversation, error) {
	f.calls++
	return f.convs, f.err
}

var self = models.Identity{ID: "u1", Role: models.RoleRequester}

func newBroker(lister ConversationLister) (*Broker, *eventloop.Manual) {
	m := eventloop.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewBroker(m, lister, self, logging.Discard()), m
}

func TestSubscribeReceivesCurrentThenChanges(t *testing.T) {
	b, _ := newBroker(&fakeLister{})
	b.SetCount(3)

	var seen []int
	unsub := b.Subscribe(func(n int) { seen = append(seen, n) })
	b.Increment()
	b.SetCount(4)
	unsub()
	b.Increment()

	if len(seen) != 2 || seen[0] != 3 || seen[1] != 4 {
		t.Fatalf("unexpected notifications %v", seen)
	}
}

func TestCounterNeverNegative(t *testing.T) {
	b, _ := newBroker(&fakeLister{})
	var seen []int
	b.Subscribe(func(n int) { seen = append(seen, n) })

	ops := []func(){
		func() { b.Decrement(1) },
		b.Increment,
		func() { b.Decrement(5) },
		func() { b.Decrement(0) },
		b.Increment,
		b.Increment,
		func() { b.Decrement(-3) },
		func() { b.SetCount(-7) },
	}
	for _, op := range ops {
		op()
		if b.Count() < 0 {
			t.Fatalf("count went negative: %d", b.Count())
		}
	}
	for _, n := range seen {
		if n < 0 {
			t.Fatalf("listener saw negative value in %v", seen)
		}
	}
	if b.Count() != 0 {
		t.Fatalf("expected 0, got %d", b.Count())
	}
}

func TestRefreshOverwritesDriftAndSwallowsErrors(t *testing.T) {
	lister := &fakeLister{convs: []models.Conversation{
		{ID: "c1", RequesterUnread: 2, FulfillerUnread: 9},
		{ID: "c2", RequesterUnread: 1},
	}}
	b, m := newBroker(lister)
	b.SetCount(10)

	b.Refresh()
	if b.Count() != 10 {
		t.Fatal("refresh applied before the fetch completed")
	}
	m.RunPending()
	if b.Count() != 3 {
		t.Fatalf("expected authoritative 3, got %d", b.Count())
	}

	lister.err = errors.New("timeout")
	b.Increment()
	b.Refresh()
	m.RunPending()
	if b.Count() != 4 {
		t.Fatalf("failed refresh should keep the count, got %d", b.Count())
	}
}

type listerFunc func(ctx context.Context) ([]models.Conversation, error)

func (f listerFunc) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	return f(ctx)
}

func TestOnlyNewestRefreshApplies(t *testing.T) {
	calls := 0
	lister := listerFunc(func(context.Context) ([]models.Conversation, error) {
		calls++
		if calls == 1 {
			return []models.Conversation{{ID: "c1", RequesterUnread: 5}}, nil
		}
		return []models.Conversation{{ID: "c1", RequesterUnread: 2}}, nil
	})
	b, m := newBroker(lister)

	b.Refresh()
	b.Refresh()
	m.RunPending()
	if calls != 2 {
		t.Fatalf("expected 2 fetches, got %d", calls)
	}
	if b.Count() != 2 {
		t.Fatalf("expected newest result 2, got %d", b.Count())
	}
}

func TestBindCountsCounterpartyMessagesOnce(t *testing.T) {
	b, _ := newBroker(&fakeLister{})
	ch := transporttest.NewFake()
	g := b.Bind(ch)

	msg := models.Message{ID: "m1", ConversationID: "c1", SenderID: "u2", Text: "hi"}
	ch.Deliver(protocol.NewMessage, msg)
	ch.Deliver(protocol.NewMessage, msg)
	ch.Deliver(protocol.NewMessage, models.Message{ID: "m2", ConversationID: "c1", SenderID: "u1"})
	if b.Count() != 1 {
		t.Fatalf("expected 1, got %d", b.Count())
	}

	ch.Deliver(protocol.UnreadCountUpdate, protocol.UnreadCount{Count: 6})
	ch.Deliver(protocol.MessagesMarkedRead, protocol.MarkedRead{ConversationID: "c1", ReaderID: "u1", Count: 2})
	ch.Deliver(protocol.MessagesMarkedRead, protocol.MarkedRead{ConversationID: "c1", ReaderID: "u2", Count: 2})
	if b.Count() != 4 {
		t.Fatalf("expected 4, got %d", b.Count())
	}

	g.Off()
	ch.Deliver(protocol.UnreadCountUpdate, protocol.UnreadCount{Count: 0})
	if b.Count() != 4 {
		t.Fatal("unbound broker still reacting")
	}
}

func TestSuppressedConversationIsNotCounted(t *testing.T) {
	b, _ := newBroker(&fakeLister{})
	ch := transporttest.NewFake()
	b.Bind(ch)

	release := b.Suppress("c1")
	ch.Deliver(protocol.NewMessage, models.Message{ID: "m1", ConversationID: "c1", SenderID: "u2"})
	ch.Deliver(protocol.NewMessage, models.Message{ID: "m2", ConversationID: "c2", SenderID: "u2"})
	if b.Count() != 1 {
		t.Fatalf("expected only c2 counted, got %d", b.Count())
	}
	release()
	release()
	ch.Deliver(protocol.NewMessage, models.Message{ID: "m3", ConversationID: "c1", SenderID: "u2"})
	if b.Count() != 2 {
		t.Fatalf("released conversation not counted, got %d", b.Count())
	}
}

type nopRoomObserver struct{}

func (nopRoomObserver) MessagesChanged(string, []models.Message) {}

func (nopRoomObserver) TypingChanged(string, string, bool) {}

func TestOwnReadOfOpenConversationRefreshes(t *testing.T) {
	lister := &fakeLister{convs: []models.Conversation{{ID: "c1", RequesterUnread: 3}}}
	b, m := newBroker(lister)
	ch := transporttest.NewFake()
	b.Bind(ch)
	b.SetCount(3)

	room := chat.NewRoom(ch, m, self, b, nopRoomObserver{}, chat.Options{}, logging.Discard())
	room.Open("c1")
	// the list is fetched before the server has applied the mark-read
	m.RunPending()
	if b.Count() != 3 {
		t.Fatalf("expected stale count 3, got %d", b.Count())
	}

	lister.convs = []models.Conversation{{ID: "c1"}}
	ch.Deliver(protocol.MessagesMarkedRead, protocol.MarkedRead{ConversationID: "c1", ReaderID: "u1", Count: 3})
	if m.PendingJobs() != 1 {
		t.Fatalf("expected a refresh after the read ack, got %d jobs", m.PendingJobs())
	}
	m.RunPending()
	if b.Count() != 0 {
		t.Fatalf("badge not cleared after read ack, got %d", b.Count())
	}
}

func TestMarkedReadWithoutCountRefreshes(t *testing.T) {
	lister := &fakeLister{convs: []models.Conversation{{ID: "c2", RequesterUnread: 2}}}
	b, m := newBroker(lister)
	ch := transporttest.NewFake()
	b.Bind(ch)
	b.SetCount(4)

	ch.Deliver(protocol.MessagesMarkedRead, protocol.MarkedRead{ConversationID: "c1", ReaderID: "u1"})
	if b.Count() != 4 {
		t.Fatalf("zero-count ack moved the badge to %d", b.Count())
	}
	m.RunPending()
	if b.Count() != 2 {
		t.Fatalf("expected refreshed count 2, got %d", b.Count())
	}
}
