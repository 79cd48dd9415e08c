package chat

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/example/ride-sync/internal/eventloop"
	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/protocol"
	"github.com/example/ride-sync/internal/transport/transporttest"
)

type recorder struct {
	snapshots [][]models.Message
	typing    []bool
}

func (r *recorder) MessagesChanged(_ string, m []models.Message) { r.snapshots = append(r.snapshots, m) }

func (r *recorder) TypingChanged(_, _ string, typing bool) { r.typing = append(r.typing, typing) }

type fakeUnread struct {
	suppressed map[string]int
	refreshes  int
}

func (f *fakeUnread) Suppress(id string) func() {
	f.suppressed[id]++
	return func() { f.suppressed[id]-- }
}

func (f *fakeUnread) Refresh() { f.refreshes++ }

type harness struct {
	ch     *transporttest.Fake
	clock  *eventloop.Manual
	obs    *recorder
	unread *fakeUnread
	room   *Room
}

var rider = models.Identity{ID: "u1", Role: models.RoleRequester}

func newHarness() *harness {
	h := &harness{
		ch:     transporttest.NewFake(),
		clock:  eventloop.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		obs:    &recorder{},
		unread: &fakeUnread{suppressed: map[string]int{}},
	}
	h.room = NewRoom(h.ch, h.clock, rider, h.unread, h.obs, Options{TypingIdle: 3 * time.Second}, logging.Discard())
	n := 0
	h.room.newID = func() string {
		n++
		return fmt.Sprintf("local-%d", n)
	}
	return h
}

func TestOpenJoinsMarksReadAndSuppresses(t *testing.T) {
	h := newHarness()
	h.room.Open("c1")

	events := h.ch.Events()
	if len(events) != 2 || events[0] != protocol.JoinConversation || events[1] != protocol.MarkRead {
		t.Fatalf("unexpected emits %v", events)
	}
	if h.unread.suppressed["c1"] != 1 || h.unread.refreshes != 1 {
		t.Fatalf("broker not suppressed/refreshed: %+v", h.unread)
	}

	h.room.Leave()
	if _, ok := h.ch.Last(protocol.LeaveConversation); !ok {
		t.Fatal("leave-conversation not emitted")
	}
	if h.unread.suppressed["c1"] != 0 {
		t.Fatal("suppression not released on leave")
	}
	if n := h.ch.Deliver(protocol.NewMessage, models.Message{ID: "m1", ConversationID: "c1"}); n != 0 {
		t.Fatalf("handlers still registered after leave: %d", n)
	}
}

func TestEchoReplacesPendingByLocalID(t *testing.T) {
	h := newHarness()
	h.room.Open("c1")

	first, err := h.room.Send("on my way")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.room.Send("on my way"); err != nil {
		t.Fatal(err)
	}
	if !first.Pending || first.LocalID != "local-1" {
		t.Fatalf("unexpected optimistic message %+v", first)
	}

	// Same text twice: only the key decides which pending entry is confirmed.
	h.ch.Deliver(protocol.NewMessage, models.Message{ID: "m2", LocalID: "local-2", ConversationID: "c1", SenderID: "u1", Text: "on my way"})

	msgs := h.room.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %+v", msgs)
	}
	if !msgs[0].Pending || msgs[0].ID != "" {
		t.Fatalf("first message should still be pending: %+v", msgs[0])
	}
	if msgs[1].Pending || msgs[1].ID != "m2" {
		t.Fatalf("second message should be confirmed: %+v", msgs[1])
	}
}

func TestSendWhileOfflineFailsThenRetries(t *testing.T) {
	h := newHarness()
	h.room.Open("c1")
	h.ch.Online = false

	m, err := h.room.Send("hello")
	if !errors.Is(err, ErrNotConnected) || !m.Failed {
		t.Fatalf("expected failed message, got %+v / %v", m, err)
	}

	h.ch.Online = true
	got, err := h.room.Retry(m.LocalID)
	if err != nil || !got.Pending || got.Failed {
		t.Fatalf("retry: %+v / %v", got, err)
	}
	last, _ := h.ch.Last(protocol.SendMessage)
	if p := last.Payload.(protocol.OutgoingMessage); p.LocalID != m.LocalID {
		t.Fatalf("retry must reuse the local id, got %+v", p)
	}

	if _, err := h.room.Retry("nope"); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected unknown message, got %v", err)
	}
}

func TestCounterpartyMessageTriggersReadReceipt(t *testing.T) {
	h := newHarness()
	h.room.Open("c1")
	h.ch.Reset()

	h.ch.Deliver(protocol.NewMessage, models.Message{ID: "m1", ConversationID: "c1", SenderID: "f1", Text: "here"})
	h.ch.Deliver(protocol.NewMessage, models.Message{ID: "m1", ConversationID: "c1", SenderID: "f1", Text: "here"})
	h.ch.Deliver(protocol.NewMessage, models.Message{ID: "x1", ConversationID: "c2", SenderID: "f1", Text: "elsewhere"})

	if h.ch.Count(protocol.MarkRead) != 1 {
		t.Fatalf("expected one mark-read, got %v", h.ch.Events())
	}
	if len(h.room.Messages()) != 1 {
		t.Fatalf("duplicate or foreign message kept: %+v", h.room.Messages())
	}
}

func TestCounterpartyReadMarksOwnMessages(t *testing.T) {
	h := newHarness()
	h.room.Open("c1")
	for i, id := range []string{"m1", "m2", "m3"} {
		h.ch.Deliver(protocol.NewMessage, models.Message{ID: id, LocalID: fmt.Sprintf("x%d", i), ConversationID: "c1", SenderID: "u1"})
	}

	h.ch.Deliver(protocol.MessagesMarkedRead, protocol.MarkedRead{ConversationID: "c1", ReaderID: "u1", Count: 3})
	for _, m := range h.room.Messages() {
		if m.Read {
			t.Fatal("own read receipt must not mark own messages read")
		}
	}

	h.ch.Deliver(protocol.MessagesMarkedRead, protocol.MarkedRead{ConversationID: "c1", ReaderID: "f1", UpTo: "m2"})
	msgs := h.room.Messages()
	if !msgs[0].Read || !msgs[1].Read || msgs[2].Read {
		t.Fatalf("unexpected read flags %+v", msgs)
	}
}

func TestTypingDebounce(t *testing.T) {
	h := newHarness()
	h.room.Open("c1")
	h.ch.Reset()

	for i := 0; i < 3; i++ {
		if err := h.room.Typing(); err != nil {
			t.Fatal(err)
		}
		h.clock.Advance(time.Second)
	}
	if h.ch.Count(protocol.SetTyping) != 1 {
		t.Fatalf("typing=true should go out once per burst, got %d", h.ch.Count(protocol.SetTyping))
	}

	h.clock.Advance(2 * time.Second)
	last, _ := h.ch.Last(protocol.SetTyping)
	if p := last.Payload.(protocol.TypingRequest); p.Typing || h.ch.Count(protocol.SetTyping) != 2 {
		t.Fatalf("expected debounced typing=false, got %v", h.ch.Events())
	}
}

func TestTypingIndicatorIgnoresSelfAndOtherRooms(t *testing.T) {
	h := newHarness()
	h.room.Open("c1")

	h.ch.Deliver(protocol.TypingIndicator, protocol.TypingState{ConversationID: "c1", PartyID: "u1", Typing: true})
	h.ch.Deliver(protocol.TypingIndicator, protocol.TypingState{ConversationID: "c2", PartyID: "f1", Typing: true})
	h.ch.Deliver(protocol.TypingIndicator, protocol.TypingState{ConversationID: "c1", PartyID: "f1", Typing: true})

	if len(h.obs.typing) != 1 || !h.obs.typing[0] {
		t.Fatalf("unexpected typing notifications %v", h.obs.typing)
	}
}

func TestReconnectRejoinsAndResendsPending(t *testing.T) {
	h := newHarness()
	h.room.Open("c1")
	h.ch.Online = false
	failed, _ := h.room.Send("late")
	h.ch.Reset()

	h.ch.Reconnect()

	if h.ch.Count(protocol.JoinConversation) != 1 || h.ch.Count(protocol.SendMessage) != 1 {
		t.Fatalf("unexpected emits after reconnect %v", h.ch.Events())
	}
	msgs := h.room.Messages()
	if msgs[0].LocalID != failed.LocalID || !msgs[0].Pending || msgs[0].Failed {
		t.Fatalf("message should be pending again: %+v", msgs[0])
	}
}
