// Package engine composes the per-identity sync components on one event loop
// and exposes them to the UI bridge as blocking, goroutine-safe calls.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-sync/internal/chat"
	"github.com/example/ride-sync/internal/eventloop"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/notify"
	"github.com/example/ride-sync/internal/offers"
	"github.com/example/ride-sync/internal/protocol"
	"github.com/example/ride-sync/internal/ride"
	"github.com/example/ride-sync/internal/storage"
	"github.com/example/ride-sync/internal/transport"
)

var (
	ErrNotFulfiller = errors.New("only fulfillers receive offers")
	ErrSuspended    = errors.New("account suspended")
	ErrNotConnected = errors.New("not connected")
)

// API is the REST surface the components fall back to.
type API interface {
	offers.Fetcher
	ride.RideLister
	notify.ConversationLister
}

// Publisher receives UI events. It is called on the event loop and must not
// block.
type Publisher interface {
	Publish(ev Event)
}

// Recorder receives journal entries. It must not block.
type Recorder interface {
	Write(e storage.Entry) bool
}

type Options struct {
	Ride   ride.Options
	Offers offers.Options
	Chat   chat.Options
}

type Engine struct {
	ch    transport.Channel
	sched eventloop.Scheduler
	call  func(ctx context.Context, fn func()) error
	self  models.Identity
	pub   Publisher
	rec   Recorder
	log   *slog.Logger

	broker *notify.Broker
	rides  *ride.Controller
	offers *offers.Reconciler
	room   *chat.Room

	conn      *transport.Group
	available bool
	suspended bool
	started   bool
}

func New(ch transport.Channel, sched eventloop.Scheduler, api API, self models.Identity, opts Options, pub Publisher, rec Recorder, log *slog.Logger) *Engine {
	e := &Engine{
		ch:    ch,
		sched: sched,
		self:  self,
		pub:   pub,
		rec:   rec,
		log:   log,
	}
	e.call = callOn(sched)
	e.broker = notify.NewBroker(sched, api, self, log)
	e.rides = ride.NewController(ch, sched, api, self, rideObserver{e}, opts.Ride, log)
	if self.Role == models.RoleFulfiller {
		e.offers = offers.NewReconciler(ch, sched, api, self, offerObserver{e}, opts.Offers, log)
	}
	e.room = chat.NewRoom(ch, sched, self, e.broker, chatObserver{e}, opts.Chat, log)
	return e
}

// callOn runs fn on the loop and waits when the scheduler supports it. Other
// schedulers run posted tasks inline.
func callOn(sched eventloop.Scheduler) func(ctx context.Context, fn func()) error {
	if c, ok := sched.(interface {
		Call(ctx context.Context, fn func()) error
	}); ok {
		return c.Call
	}
	return func(_ context.Context, fn func()) error {
		sched.Post(fn)
		return nil
	}
}

// Start binds the session-wide handlers. It must run on the loop.
func (e *Engine) Start() {
	if e.started {
		return
	}
	e.started = true
	e.broker.Bind(e.ch)
	e.broker.Subscribe(e.unreadChanged)

	g := transport.NewGroup(e.ch)
	g.On(protocol.Connected, func(json.RawMessage) {
		e.publish(EventConnection, ConnectionState{Connected: true})
		e.broker.Refresh()
	})
	g.On(protocol.Disconnected, func(json.RawMessage) {
		e.publish(EventConnection, ConnectionState{Connected: false})
	})
	e.conn = g
	e.broker.Refresh()
}

func (e *Engine) do(ctx context.Context, fn func() error) error {
	var err error
	if cerr := e.call(ctx, func() {
		if e.suspended {
			err = ErrSuspended
			return
		}
		err = fn()
	}); cerr != nil {
		return cerr
	}
	return err
}

// Health is a point-in-time summary for the UI.
type Health struct {
	Connected      bool           `json:"connected"`
	Suspended      bool           `json:"suspended"`
	Role           models.Role    `json:"role"`
	Available      bool           `json:"available"`
	Offers         *offers.Health `json:"offers,omitempty"`
	RideID         string         `json:"ride_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Unread         int            `json:"unread"`
}

func (e *Engine) Health(ctx context.Context) (Health, error) {
	var h Health
	err := e.call(ctx, func() {
		h = Health{
			Connected:      e.ch.Connected(),
			Suspended:      e.suspended,
			Role:           e.self.Role,
			Available:      e.available,
			RideID:         e.rides.RideID(),
			ConversationID: e.room.ConversationID(),
			Unread:         e.broker.Count(),
		}
		if e.offers != nil && e.offers.Active() {
			oh := e.offers.Health()
			h.Offers = &oh
		}
	})
	return h, err
}

// SetAvailable starts or stops receiving offers.
func (e *Engine) SetAvailable(ctx context.Context, available bool) error {
	return e.do(ctx, func() error {
		if e.offers == nil {
			return ErrNotFulfiller
		}
		e.available = available
		if !available {
			e.offers.Deactivate()
			return nil
		}
		if e.rides.RideID() == "" {
			e.offers.Activate()
		}
		return nil
	})
}

func (e *Engine) Offers(ctx context.Context) ([]models.PendingOffer, error) {
	var out []models.PendingOffer
	err := e.do(ctx, func() error {
		if e.offers == nil {
			return ErrNotFulfiller
		}
		out = e.offers.Offers()
		return nil
	})
	return out, err
}

func (e *Engine) AcceptOffer(ctx context.Context, rideID string) error {
	return e.do(ctx, func() error {
		if e.offers == nil {
			return ErrNotFulfiller
		}
		return e.offers.Accept(rideID)
	})
}

func (e *Engine) DismissOffer(ctx context.Context, rideID string) error {
	return e.do(ctx, func() error {
		if e.offers == nil {
			return ErrNotFulfiller
		}
		return e.offers.Dismiss(rideID)
	})
}

// SubscribeRide shows a ride. Offers pause while a ride is on screen.
func (e *Engine) SubscribeRide(ctx context.Context, rideID string) error {
	return e.do(ctx, func() error {
		e.openRide(rideID)
		return nil
	})
}

func (e *Engine) openRide(rideID string) {
	if e.offers != nil {
		e.offers.Deactivate()
	}
	e.rides.Subscribe(rideID)
}

func (e *Engine) LeaveRide(ctx context.Context) error {
	return e.do(ctx, func() error {
		if e.rides.RideID() == "" {
			return ride.ErrNotSubscribed
		}
		e.rides.Unsubscribe()
		e.resumeOffers()
		return nil
	})
}

func (e *Engine) CancelRide(ctx context.Context, reason string) error {
	return e.do(ctx, func() error { return e.rides.Cancel(reason) })
}

func (e *Engine) CurrentRide(ctx context.Context) (models.Ride, bool, error) {
	var (
		r  models.Ride
		ok bool
	)
	err := e.call(ctx, func() { r, ok = e.rides.Ride() })
	return r, ok, err
}

func (e *Engine) OpenChat(ctx context.Context, conversationID string) error {
	return e.do(ctx, func() error {
		e.room.Open(conversationID)
		return nil
	})
}

func (e *Engine) LeaveChat(ctx context.Context) error {
	return e.do(ctx, func() error {
		if e.room.ConversationID() == "" {
			return chat.ErrNotOpen
		}
		e.room.Leave()
		return nil
	})
}

func (e *Engine) SendMessage(ctx context.Context, text string) (models.Message, error) {
	var m models.Message
	err := e.do(ctx, func() error {
		var err error
		m, err = e.room.Send(text)
		return err
	})
	return m, err
}

func (e *Engine) RetryMessage(ctx context.Context, localID string) (models.Message, error) {
	var m models.Message
	err := e.do(ctx, func() error {
		var err error
		m, err = e.room.Retry(localID)
		return err
	})
	return m, err
}

func (e *Engine) Typing(ctx context.Context) error {
	return e.do(ctx, e.room.Typing)
}

func (e *Engine) Messages(ctx context.Context) (string, []models.Message, error) {
	var (
		conv string
		msgs []models.Message
	)
	err := e.call(ctx, func() {
		conv = e.room.ConversationID()
		msgs = e.room.Messages()
	})
	return conv, msgs, err
}

func (e *Engine) Unread(ctx context.Context) (int, error) {
	var n int
	err := e.call(ctx, func() { n = e.broker.Count() })
	return n, err
}

// ReportLocation sends the caller's own position to the server. Fulfillers
// also use it as the origin for pickup estimates.
func (e *Engine) ReportLocation(ctx context.Context, loc models.Location) error {
	return e.do(ctx, func() error {
		if loc.At.IsZero() {
			loc.At = e.sched.Now()
		}
		if e.offers != nil {
			e.offers.SetOrigin(loc.Coord)
		}
		if !e.ch.Emit(protocol.UpdateOwnLocation, protocol.LocationReport{Location: loc}) {
			return ErrNotConnected
		}
		return nil
	})
}

// OnSuspended tears every component down. It runs on the loop.
func (e *Engine) OnSuspended(reason string) {
	if e.suspended {
		return
	}
	e.suspended = true
	e.rides.Unsubscribe()
	if e.offers != nil {
		e.offers.Deactivate()
	}
	e.room.Leave()
	e.available = false
	e.log.Warn("account suspended, components stopped", "reason", reason)
	e.publish(EventSuspended, protocol.Suspension{Reason: reason})
	e.record(storage.KindNotice, "", "", map[string]string{"suspended": reason})
}

func (e *Engine) resumeOffers() {
	if e.offers != nil && e.available && !e.suspended {
		e.offers.Activate()
	}
}

func (e *Engine) unreadChanged(n int) {
	e.publish(EventUnread, protocol.UnreadCount{Count: n})
	e.record(storage.KindUnreadChanged, "", "", protocol.UnreadCount{Count: n})
}

func (e *Engine) publish(typ string, data any) {
	if e.pub == nil {
		return
	}
	e.pub.Publish(Event{Type: typ, At: e.sched.Now(), Data: data})
}

func (e *Engine) record(kind storage.Kind, rideID, conversationID string, data any) {
	if e.rec == nil {
		return
	}
	b, err := json.Marshal(data)
	if err != nil {
		e.log.Error("journal encode failed", "kind", kind, "error", err)
		return
	}
	e.rec.Write(storage.Entry{
		ID:             uuid.NewString(),
		At:             e.sched.Now(),
		UserID:         e.self.ID,
		Kind:           kind,
		RideID:         rideID,
		ConversationID: conversationID,
		Payload:        b,
	})
}

type rideObserver struct{ e *Engine }

func (o rideObserver) RideUpdated(r models.Ride) {
	o.e.publish(EventRide, r)
	o.e.record(storage.KindRideUpdated, r.ID, "", r)
}

func (o rideObserver) CounterpartyLocation(partyID string, loc models.Location) {
	o.e.publish(EventLocation, protocol.CounterpartyLocationUpdate{PartyID: partyID, Location: loc})
}

func (o rideObserver) CountdownStarted(r models.Ride, d time.Duration) {
	o.e.publish(EventCountdown, Countdown{Ride: r, Seconds: d.Seconds()})
}

func (o rideObserver) Notice(rideID, message string) {
	o.e.publish(EventNotice, Notice{RideID: rideID, Message: message})
	o.e.record(storage.KindNotice, rideID, "", Notice{RideID: rideID, Message: message})
}

func (o rideObserver) Exit(x ride.Exit) {
	o.e.publish(EventRideExit, x)
	o.e.record(storage.KindRideExit, x.RideID, "", x)
	o.e.resumeOffers()
}

type offerObserver struct{ e *Engine }

func (o offerObserver) OffersChanged(list []models.PendingOffer) {
	o.e.publish(EventOffers, list)
	points := make([]storage.OfferPoint, 0, len(list))
	for _, p := range list {
		points = append(points, storage.OfferPoint{
			RideID:          p.RideID(),
			Pickup:          p.Ride.Pickup.Coord,
			VehicleCategory: p.Ride.VehicleCategory,
			Actionable:      p.Actionable,
		})
	}
	o.e.record(storage.KindOffersChanged, "", "", points)
}

func (o offerObserver) OfferExpired(rideID string) {
	o.e.publish(EventOfferExpired, protocol.RideRequest{RideID: rideID})
	o.e.record(storage.KindOfferExpired, rideID, "", protocol.RideRequest{RideID: rideID})
}

// OfferAccepted moves the fulfiller from the offer list onto the ride. The
// switch is posted so the reconciler finishes its current event first.
func (o offerObserver) OfferAccepted(p models.PendingOffer) {
	o.e.publish(EventOfferAccepted, p)
	o.e.record(storage.KindOfferAccepted, p.RideID(), "", p)
	id := p.RideID()
	o.e.sched.Post(func() {
		if o.e.suspended {
			return
		}
		o.e.openRide(id)
	})
}

func (o offerObserver) Notice(message string) {
	o.e.publish(EventNotice, Notice{Message: message})
}

type chatObserver struct{ e *Engine }

func (o chatObserver) MessagesChanged(conversationID string, msgs []models.Message) {
	o.e.publish(EventMessages, Conversation{ConversationID: conversationID, Messages: msgs})
}

func (o chatObserver) TypingChanged(conversationID, partyID string, typing bool) {
	o.e.publish(EventTyping, protocol.TypingState{ConversationID: conversationID, PartyID: partyID, Typing: typing})
}
