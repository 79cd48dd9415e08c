// Package notify tracks the unread-message counter of one identity and
// publishes it to any number of listeners.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/example/ride-sync/internal/eventloop"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/observability"
	"github.com/example/ride-sync/internal/protocol"
	"github.com/example/ride-sync/internal/transport"
)

const seenCap = 512

// ConversationLister returns the caller's conversations with unread counts.
type ConversationLister interface {
	ListConversations(ctx context.Context) ([]models.Conversation, error)
}

type listener struct {
	fn      func(int)
	removed bool
}

// Broker owns the unread counter. The server is authoritative; local
// adjustments are optimistic and overwritten by Refresh. All methods must
// run on the event loop.
type Broker struct {
	sched  eventloop.Scheduler
	lister ConversationLister
	self   models.Identity
	log    *slog.Logger

	count     int
	listeners []*listener

	seen     map[string]struct{}
	seenFIFO []string

	suppressed map[string]int
	refreshSeq int
}

func NewBroker(sched eventloop.Scheduler, lister ConversationLister, self models.Identity, log *slog.Logger) *Broker {
	return &Broker{
		sched:      sched,
		lister:     lister,
		self:       self,
		log:        log.With("component", "notify"),
		seen:       make(map[string]struct{}),
		suppressed: make(map[string]int),
	}
}

// Subscribe calls fn with the current count now and after every change. The
// returned func removes the listener.
func (b *Broker) Subscribe(fn func(count int)) (unsubscribe func()) {
	l := &listener{fn: fn}
	b.listeners = append(b.listeners, l)
	fn(b.count)
	return func() {
		if l.removed {
			return
		}
		l.removed = true
		for i, cur := range b.listeners {
			if cur == l {
				b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
				break
			}
		}
	}
}

func (b *Broker) Count() int { return b.count }

// SetCount overwrites the counter. Negative values clamp to zero and
// unchanged values notify nobody.
func (b *Broker) SetCount(n int) {
	if n < 0 {
		n = 0
	}
	if n == b.count {
		return
	}
	b.count = n
	observability.UnreadCount.Set(float64(n))
	for _, l := range append([]*listener(nil), b.listeners...) {
		if !l.removed {
			l.fn(n)
		}
	}
}

func (b *Broker) Increment() { b.SetCount(b.count + 1) }

// Decrement lowers the counter by amount, 1 when amount < 1, never below
// zero.
func (b *Broker) Decrement(amount int) {
	if amount < 1 {
		amount = 1
	}
	b.SetCount(b.count - amount)
}

// Refresh recomputes the count from the conversation list in the
// background. Errors are logged and the current count is kept; only the
// newest refresh may apply its result.
func (b *Broker) Refresh() {
	b.refreshSeq++
	seq := b.refreshSeq
	role := b.self.Role
	b.sched.Go(func(ctx context.Context) func() {
		convs, err := b.lister.ListConversations(ctx)
		return func() {
			if seq != b.refreshSeq {
				return
			}
			if err != nil {
				b.log.Error("unread refresh failed, keeping current count", "error", err, "count", b.count)
				return
			}
			total := 0
			for _, c := range convs {
				total += c.UnreadFor(role)
			}
			b.SetCount(total)
		}
	})
}

// Suppress excludes a conversation from live counting while a chat room has
// it open. The returned func releases the suppression.
func (b *Broker) Suppress(conversationID string) (release func()) {
	b.suppressed[conversationID]++
	released := false
	return func() {
		if released {
			return
		}
		released = true
		if b.suppressed[conversationID]--; b.suppressed[conversationID] <= 0 {
			delete(b.suppressed, conversationID)
		}
	}
}

func (b *Broker) isSuppressed(conversationID string) bool {
	return b.suppressed[conversationID] > 0
}

// Bind consumes the live counter events of ch. Off on the returned group
// unbinds.
func (b *Broker) Bind(ch transport.Channel) *transport.Group {
	g := transport.NewGroup(ch)
	g.On(protocol.NewMessage, b.onNewMessage)
	g.On(protocol.UnreadCountUpdate, b.onUnreadCount)
	g.On(protocol.MessagesMarkedRead, b.onMarkedRead)
	return g
}

func (b *Broker) onNewMessage(data json.RawMessage) {
	var m models.Message
	if err := transport.Decode(data, &m); err != nil {
		b.log.Debug("bad new-message payload", "error", err)
		return
	}
	if m.SenderID == b.self.ID || b.isSuppressed(m.ConversationID) {
		return
	}
	if m.ID != "" && !b.remember(m.ID) {
		observability.EventsDiscarded.WithLabelValues("notify", protocol.NewMessage).Inc()
		return
	}
	b.Increment()
}

func (b *Broker) onUnreadCount(data json.RawMessage) {
	var p protocol.UnreadCount
	if err := transport.Decode(data, &p); err != nil {
		b.log.Debug("bad unread-count-update payload", "error", err)
		return
	}
	b.SetCount(p.Count)
}

func (b *Broker) onMarkedRead(data json.RawMessage) {
	var p protocol.MarkedRead
	if err := transport.Decode(data, &p); err != nil {
		b.log.Debug("bad messages-marked-read payload", "error", err)
		return
	}
	if p.ReaderID != b.self.ID {
		return
	}
	// An open room's read may race its own refresh, and a zero count says
	// nothing about how far to move; the server list settles both.
	if b.isSuppressed(p.ConversationID) || p.Count <= 0 {
		b.Refresh()
		return
	}
	b.Decrement(p.Count)
}

// remember records a message ID and reports whether it was new.
func (b *Broker) remember(id string) bool {
	if _, ok := b.seen[id]; ok {
		return false
	}
	b.seen[id] = struct{}{}
	b.seenFIFO = append(b.seenFIFO, id)
	if len(b.seenFIFO) > seenCap {
		delete(b.seen, b.seenFIFO[0])
		b.seenFIFO = b.seenFIFO[1:]
	}
	return true
}
