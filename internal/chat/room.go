// Package chat runs the conversation screen: one open conversation at a time,
// optimistic sends matched back by client key, typing state and read receipts.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-sync/internal/eventloop"
	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/observability"
	"github.com/example/ride-sync/internal/protocol"
	"github.com/example/ride-sync/internal/transport"
)

var (
	ErrNotOpen        = errors.New("no conversation open")
	ErrEmptyMessage   = errors.New("message text is empty")
	ErrUnknownMessage = errors.New("unknown message")
	ErrNotConnected   = errors.New("not connected")
)

// Observer receives room output on the event loop.
type Observer interface {
	MessagesChanged(conversationID string, messages []models.Message)
	TypingChanged(conversationID, partyID string, typing bool)
}

// Unread is the part of the notification broker a room needs.
type Unread interface {
	Suppress(conversationID string) (release func())
	Refresh()
}

type Options struct {
	// TypingIdle is the inactivity window after which typing=false is sent.
	TypingIdle time.Duration
}

// Room must only be used on the event loop.
type Room struct {
	ch     transport.Channel
	sched  eventloop.Scheduler
	self   models.Identity
	unread Unread
	obs    Observer
	log    *slog.Logger
	opts   Options
	newID  func() string

	gen         int
	convID      string
	logCtx      context.Context
	group       *transport.Group
	release     func()
	messages    []models.Message
	typing      bool
	typingTimer eventloop.Timer
}

func NewRoom(ch transport.Channel, sched eventloop.Scheduler, self models.Identity, unread Unread, obs Observer, opts Options, log *slog.Logger) *Room {
	if opts.TypingIdle <= 0 {
		opts.TypingIdle = 3 * time.Second
	}
	return &Room{
		ch:     ch,
		sched:  sched,
		self:   self,
		unread: unread,
		obs:    obs,
		log:    log.With("component", "chat"),
		opts:   opts,
		newID:  uuid.NewString,
		logCtx: context.Background(),
	}
}

func (r *Room) ConversationID() string { return r.convID }

// Messages returns a copy of the open conversation's messages.
func (r *Room) Messages() []models.Message {
	return append([]models.Message(nil), r.messages...)
}

// Open joins a conversation, leaving any other one first.
func (r *Room) Open(conversationID string) {
	if conversationID == r.convID {
		return
	}
	if r.convID != "" {
		r.Leave()
	}
	r.gen++
	gen := r.gen
	r.convID = conversationID
	r.messages = nil
	r.logCtx = logging.WithConversationID(logging.WithAction(context.Background(), "chat_room"), conversationID)

	g := transport.NewGroup(r.ch)
	g.On(protocol.NewMessage, r.bind(gen, r.onMessage))
	g.On(protocol.MessagesMarkedRead, r.bind(gen, r.onMarkedRead))
	g.On(protocol.TypingIndicator, r.bind(gen, r.onTyping))
	g.On(protocol.Connected, r.bind(gen, func(json.RawMessage) { r.onReconnected() }))
	r.group = g

	r.log.InfoContext(r.logCtx, "joining conversation")
	r.join()
	if r.unread != nil {
		r.release = r.unread.Suppress(conversationID)
		r.unread.Refresh()
	}
	r.publish()
}

// Leave is the mirror of Open. It is a no-op when nothing is open.
func (r *Room) Leave() {
	if r.convID == "" {
		return
	}
	r.stopTyping()
	r.ch.Emit(protocol.LeaveConversation, protocol.ConversationRequest{ConversationID: r.convID})
	r.group.Off()
	r.group = nil
	if r.release != nil {
		r.release()
		r.release = nil
		r.unread.Refresh()
	}
	r.log.InfoContext(r.logCtx, "left conversation")
	r.gen++
	r.convID = ""
	r.messages = nil
	r.logCtx = context.Background()
}

func (r *Room) join() {
	req := protocol.ConversationRequest{ConversationID: r.convID}
	r.ch.Emit(protocol.JoinConversation, req)
	r.ch.Emit(protocol.MarkRead, req)
}

// onReconnected rejoins and resends every message still waiting for its echo.
// The server deduplicates by local ID.
func (r *Room) onReconnected() {
	r.join()
	changed := false
	for i := range r.messages {
		m := &r.messages[i]
		if !m.Pending && !m.Failed {
			continue
		}
		if r.emitMessage(*m) {
			changed = changed || m.Failed
			m.Pending, m.Failed = true, false
		}
	}
	if changed {
		r.publish()
	}
}

// Send appends a pending message and emits it. When the socket is down the
// message is kept as failed and ErrNotConnected is returned; Retry resends it.
func (r *Room) Send(text string) (models.Message, error) {
	if r.convID == "" {
		return models.Message{}, ErrNotOpen
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Message{}, ErrEmptyMessage
	}
	r.stopTyping()
	m := models.Message{
		LocalID:        r.newID(),
		ConversationID: r.convID,
		SenderID:       r.self.ID,
		Text:           text,
		SentAt:         r.sched.Now(),
		Pending:        true,
	}
	var err error
	if !r.emitMessage(m) {
		m.Pending, m.Failed = false, true
		err = ErrNotConnected
	}
	r.messages = append(r.messages, m)
	r.publish()
	return m, err
}

// Retry resends a message that failed or is still waiting for its echo.
func (r *Room) Retry(localID string) (models.Message, error) {
	if r.convID == "" {
		return models.Message{}, ErrNotOpen
	}
	i := r.indexByLocalID(localID)
	if i < 0 || (!r.messages[i].Pending && !r.messages[i].Failed) {
		return models.Message{}, ErrUnknownMessage
	}
	m := &r.messages[i]
	if !r.emitMessage(*m) {
		return *m, ErrNotConnected
	}
	m.Pending, m.Failed = true, false
	r.publish()
	return *m, nil
}

func (r *Room) emitMessage(m models.Message) bool {
	return r.ch.Emit(protocol.SendMessage, protocol.OutgoingMessage{ConversationID: m.ConversationID, LocalID: m.LocalID, Text: m.Text})
}

// Typing reports a keystroke. typing=true goes out once per burst; typing=false
// follows after TypingIdle without another call.
func (r *Room) Typing() error {
	if r.convID == "" {
		return ErrNotOpen
	}
	if !r.typing {
		if !r.ch.Emit(protocol.SetTyping, protocol.TypingRequest{ConversationID: r.convID, Typing: true}) {
			return ErrNotConnected
		}
		r.typing = true
	}
	if r.typingTimer != nil {
		r.typingTimer.Stop()
	}
	gen := r.gen
	r.typingTimer = r.sched.AfterFunc(r.opts.TypingIdle, func() {
		if gen != r.gen {
			return
		}
		r.stopTyping()
	})
	return nil
}

func (r *Room) stopTyping() {
	if r.typingTimer != nil {
		r.typingTimer.Stop()
		r.typingTimer = nil
	}
	if !r.typing {
		return
	}
	r.typing = false
	r.ch.Emit(protocol.SetTyping, protocol.TypingRequest{ConversationID: r.convID, Typing: false})
}

func (r *Room) bind(gen int, fn transport.Handler) transport.Handler {
	return func(data json.RawMessage) {
		if gen != r.gen {
			return
		}
		fn(data)
	}
}

func (r *Room) discard(event, otherID string) {
	observability.EventsDiscarded.WithLabelValues("chat", event).Inc()
	r.log.DebugContext(r.logCtx, "event discarded", "event", event, "other_conversation_id", otherID)
}

func (r *Room) onMessage(data json.RawMessage) {
	var m models.Message
	if err := transport.Decode(data, &m); err != nil {
		r.log.DebugContext(r.logCtx, "bad new-message payload", "error", err)
		return
	}
	if m.ConversationID != r.convID {
		r.discard(protocol.NewMessage, m.ConversationID)
		return
	}
	m.Pending, m.Failed = false, false

	if m.SenderID == r.self.ID {
		if i := r.indexByLocalID(m.LocalID); m.LocalID != "" && i >= 0 {
			r.messages[i] = m
			r.publish()
			return
		}
	}
	if m.ID != "" && r.indexByID(m.ID) >= 0 {
		r.discard(protocol.NewMessage, m.ConversationID)
		return
	}
	r.messages = append(r.messages, m)
	if m.SenderID != r.self.ID {
		r.ch.Emit(protocol.MarkRead, protocol.ConversationRequest{ConversationID: r.convID})
		r.obs.TypingChanged(r.convID, m.SenderID, false)
	}
	r.publish()
}

// onMarkedRead marks own messages read once the counterparty has read them,
// up to UpTo when the server names a message.
func (r *Room) onMarkedRead(data json.RawMessage) {
	var p protocol.MarkedRead
	if err := transport.Decode(data, &p); err != nil {
		r.log.DebugContext(r.logCtx, "bad messages-marked-read payload", "error", err)
		return
	}
	if p.ConversationID != r.convID {
		r.discard(protocol.MessagesMarkedRead, p.ConversationID)
		return
	}
	if p.ReaderID == r.self.ID {
		return
	}
	last := len(r.messages) - 1
	if p.UpTo != "" {
		if i := r.indexByID(p.UpTo); i >= 0 {
			last = i
		}
	}
	changed := false
	for i := 0; i <= last; i++ {
		m := &r.messages[i]
		if m.SenderID == r.self.ID && m.ID != "" && !m.Read {
			m.Read = true
			changed = true
		}
	}
	if changed {
		r.publish()
	}
}

func (r *Room) onTyping(data json.RawMessage) {
	var p protocol.TypingState
	if err := transport.Decode(data, &p); err != nil {
		return
	}
	if p.ConversationID != r.convID {
		r.discard(protocol.TypingIndicator, p.ConversationID)
		return
	}
	if p.PartyID == r.self.ID {
		return
	}
	r.obs.TypingChanged(r.convID, p.PartyID, p.Typing)
}

func (r *Room) indexByLocalID(localID string) int {
	if localID == "" {
		return -1
	}
	for i := range r.messages {
		if r.messages[i].LocalID == localID {
			return i
		}
	}
	return -1
}

func (r *Room) indexByID(id string) int {
	for i := range r.messages {
		if r.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *Room) publish() {
	r.obs.MessagesChanged(r.convID, r.Messages())
}
