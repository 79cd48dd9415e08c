// Package ride keeps the local view of one ride in step with the dispatch
// server for as long as a screen shows it.
package ride

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-sync/internal/eventloop"
	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/observability"
	"github.com/example/ride-sync/internal/protocol"
	"github.com/example/ride-sync/internal/transport"
)

var (
	ErrNotSubscribed = errors.New("no ride subscribed")
	ErrRideFinished  = errors.New("ride already finished")
	ErrNotConnected  = errors.New("not connected")
)

type ExitReason string

const (
	// ExitAlreadyFinished: the first snapshot was already terminal.
	ExitAlreadyFinished ExitReason = "already_finished"
	ExitFinished        ExitReason = "finished"
	ExitCancelled       ExitReason = "cancelled"
	ExitError           ExitReason = "error"
)

// Exit tells the UI to navigate away from the ride.
type Exit struct {
	Reason ExitReason   `json:"reason"`
	RideID string       `json:"ride_id"`
	Ride   *models.Ride `json:"ride,omitempty"`
	Notice string       `json:"notice,omitempty"`
}

// Observer receives controller output. Calls happen on the event loop.
type Observer interface {
	RideUpdated(r models.Ride)
	CounterpartyLocation(partyID string, loc models.Location)
	CountdownStarted(r models.Ride, d time.Duration)
	Notice(rideID, message string)
	Exit(e Exit)
}

// RideLister fetches the caller's own active rides over REST.
type RideLister interface {
	FetchActiveRides(ctx context.Context) ([]models.Ride, error)
}

type Options struct {
	// ProbeInterval is how often subscribe-to-ride is re-sent while the ride
	// is searching.
	ProbeInterval time.Duration
	// Countdown delays the exit after a terminal status reached mid-session.
	Countdown time.Duration
}

// Controller is the per-ride state machine. It is bound to at most one ride
// at a time and must only be used on the event loop.
type Controller struct {
	ch    transport.Channel
	sched eventloop.Scheduler
	rides RideLister
	self  models.Identity
	obs   Observer
	log   *slog.Logger
	opts  Options

	gen         int
	rideID      string
	logCtx      context.Context
	ride        *models.Ride
	gotSnapshot bool
	group       *transport.Group
	probe       eventloop.Timer
	countdowns  *eventloop.Countdowns

	counterpartyID  string
	counterpartySub *transport.Subscription
}

func NewController(ch transport.Channel, sched eventloop.Scheduler, rides RideLister, self models.Identity, obs Observer, opts Options, log *slog.Logger) *Controller {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 4 * time.Second
	}
	if opts.Countdown <= 0 {
		opts.Countdown = 5 * time.Second
	}
	return &Controller{
		ch:         ch,
		sched:      sched,
		rides:      rides,
		self:       self,
		obs:        obs,
		log:        log.With("component", "ride"),
		opts:       opts,
		logCtx:     context.Background(),
		countdowns: eventloop.NewCountdowns(sched),
	}
}

// RideID returns the subscribed ride, or "".
func (c *Controller) RideID() string { return c.rideID }

// Ride returns the latest known state of the subscribed ride.
func (c *Controller) Ride() (models.Ride, bool) {
	if c.ride == nil {
		return models.Ride{}, false
	}
	return *c.ride, true
}

// Subscribe binds the controller to rideID, leaving any previous ride first.
func (c *Controller) Subscribe(rideID string) {
	if c.rideID != "" {
		c.Unsubscribe()
	}
	c.gen++
	gen := c.gen
	c.rideID = rideID
	c.logCtx = logging.WithRideID(logging.WithAction(context.Background(), "ride_session"), rideID)
	c.ride = nil
	c.gotSnapshot = false

	g := transport.NewGroup(c.ch)
	g.On(protocol.RideSnapshot, c.bind(gen, c.onSnapshot))
	g.On(protocol.RideUpdate, c.bind(gen, c.onUpdate))
	g.On(protocol.AssignmentConfirmed, c.bind(gen, c.onAssignment))
	g.On(protocol.RideCompleted, c.bind(gen, c.onCompleted))
	g.On(protocol.RideCancelled, c.bind(gen, c.onCancelled))
	g.On(protocol.GenericError, c.bind(gen, c.onError))
	g.On(protocol.Connected, c.bind(gen, c.onReconnected))
	c.group = g

	c.log.InfoContext(c.logCtx, "subscribing")
	c.emitSubscribe()
	c.armProbe(gen)
}

// Unsubscribe leaves the ride room, then the counterparty location stream,
// then removes every handler. In-flight async work is invalidated.
func (c *Controller) Unsubscribe() {
	if c.rideID == "" {
		return
	}
	c.ch.Emit(protocol.LeaveRide, protocol.RideRequest{RideID: c.rideID})
	c.dropCounterparty()
	if c.group != nil {
		c.group.Off()
		c.group = nil
	}
	c.stopProbe()
	c.countdowns.CancelAll()

	c.log.InfoContext(c.logCtx, "unsubscribed")
	c.gen++
	c.rideID = ""
	c.logCtx = context.Background()
	c.ride = nil
	c.gotSnapshot = false
}

// Cancel asks the server to cancel the subscribed ride. Local state only
// changes when the server confirms with ride-cancelled.
func (c *Controller) Cancel(reason string) error {
	if c.rideID == "" {
		return ErrNotSubscribed
	}
	if c.ride != nil && c.ride.Status.Terminal() {
		return ErrRideFinished
	}
	if !c.ch.Emit(protocol.CancelRide, protocol.CancelRequest{RideID: c.rideID, Reason: reason}) {
		return ErrNotConnected
	}
	return nil
}

// Resync fetches the caller's active rides over REST and applies the
// subscribed one if the subscription is still current when the call returns.
func (c *Controller) Resync() {
	if c.rideID == "" || c.rides == nil {
		return
	}
	gen, rideID := c.gen, c.rideID
	c.sched.Go(func(ctx context.Context) func() {
		rides, err := c.rides.FetchActiveRides(ctx)
		return func() {
			if gen != c.gen {
				observability.EventsDiscarded.WithLabelValues("ride", "rest_active_rides").Inc()
				return
			}
			if err != nil {
				c.log.WarnContext(c.logCtx, "active rides fetch failed", "error", err)
				return
			}
			for _, r := range rides {
				if r.ID == rideID {
					c.applyRide(r)
					return
				}
			}
		}
	})
}

func (c *Controller) bind(gen int, fn transport.Handler) transport.Handler {
	return func(data json.RawMessage) {
		if gen != c.gen {
			return
		}
		fn(data)
	}
}

func (c *Controller) emitSubscribe() {
	c.ch.Emit(protocol.SubscribeRide, protocol.RideRequest{RideID: c.rideID})
}

// armProbe re-sends subscribe-to-ride every ProbeInterval while the status
// is unknown or searching.
func (c *Controller) armProbe(gen int) {
	c.stopProbe()
	c.probe = c.sched.AfterFunc(c.opts.ProbeInterval, func() {
		if gen != c.gen {
			return
		}
		c.probe = nil
		if c.ride != nil && c.ride.Status != models.StatusSearching {
			return
		}
		c.log.DebugContext(c.logCtx, "freshness probe")
		c.emitSubscribe()
		c.armProbe(gen)
	})
}

func (c *Controller) stopProbe() {
	if c.probe != nil {
		c.probe.Stop()
		c.probe = nil
	}
}

func (c *Controller) discard(event, why, otherID string) {
	observability.EventsDiscarded.WithLabelValues("ride", event).Inc()
	c.log.DebugContext(c.logCtx, "event discarded", "event", event, "why", why, "other_ride_id", otherID)
}

func (c *Controller) onSnapshot(data json.RawMessage) {
	var ref protocol.RideRef
	if err := transport.Decode(data, &ref); err != nil || ref.Ride == nil {
		c.discard(protocol.RideSnapshot, "malformed", "")
		return
	}
	if id := ref.ID(); id != c.rideID {
		c.discard(protocol.RideSnapshot, "other ride", id)
		return
	}
	r := *ref.Ride
	r.ID = c.rideID
	c.applyRide(r)
}

// applyRide handles a full ride object from a snapshot or REST resync.
func (c *Controller) applyRide(r models.Ride) {
	if !c.gotSnapshot {
		c.gotSnapshot = true
		if r.Status.Terminal() {
			c.exitNow(ExitAlreadyFinished, &r, "")
			return
		}
	}
	if c.ride != nil && !c.ride.Status.Advances(r.Status) {
		c.discard(protocol.RideSnapshot, "status regression", "")
		return
	}
	c.setRide(r)
}

func (c *Controller) onUpdate(data json.RawMessage) {
	var p protocol.RidePatch
	if err := transport.Decode(data, &p); err != nil {
		c.discard(protocol.RideUpdate, "malformed", "")
		return
	}
	if p.RideID != c.rideID {
		c.discard(protocol.RideUpdate, "other ride", p.RideID)
		return
	}
	if c.ride == nil {
		// Nothing to patch yet; ask for a snapshot.
		c.discard(protocol.RideUpdate, "no snapshot yet", "")
		c.emitSubscribe()
		return
	}
	if p.Status != nil && !c.ride.Status.Advances(*p.Status) {
		c.discard(protocol.RideUpdate, "status regression", "")
		return
	}
	c.setRide(p.Apply(*c.ride))
}

func (c *Controller) onAssignment(data json.RawMessage) {
	var a protocol.Assignment
	if err := transport.Decode(data, &a); err != nil {
		c.discard(protocol.AssignmentConfirmed, "malformed", "")
		return
	}
	if id := a.ID(); id != c.rideID {
		c.discard(protocol.AssignmentConfirmed, "other ride", id)
		return
	}
	var next models.Ride
	switch {
	case a.Ride != nil && (c.ride == nil || c.ride.Status.Advances(a.Ride.Status)):
		next = *a.Ride
		next.ID = c.rideID
	case c.ride != nil:
		next = *c.ride
	default:
		c.discard(protocol.AssignmentConfirmed, "no snapshot yet", "")
		c.emitSubscribe()
		return
	}
	if a.Fulfiller.ID != "" {
		f := a.Fulfiller
		next.Fulfiller = &f
	}
	if c.ride == nil {
		c.applyRide(next)
		return
	}
	c.setRide(next)
}

func (c *Controller) onCompleted(data json.RawMessage) {
	var ref protocol.RideRef
	if err := transport.Decode(data, &ref); err != nil {
		c.discard(protocol.RideCompleted, "malformed", "")
		return
	}
	if id := ref.ID(); id != c.rideID {
		c.discard(protocol.RideCompleted, "other ride", id)
		return
	}
	c.terminal(protocol.RideCompleted, ref, models.StatusCompleted, "")
}

func (c *Controller) onCancelled(data json.RawMessage) {
	var p protocol.Cancellation
	if err := transport.Decode(data, &p); err != nil {
		c.discard(protocol.RideCancelled, "malformed", "")
		return
	}
	if id := p.ID(); id != c.rideID {
		c.discard(protocol.RideCancelled, "other ride", id)
		return
	}
	if p.Actor == string(c.self.Role) {
		ride := c.snapshotWith(p.RideRef, models.StatusCancelled)
		c.exitNow(ExitCancelled, ride, p.Reason)
		return
	}
	notice := fmt.Sprintf("ride cancelled by %s", p.Actor)
	if p.Reason != "" {
		notice += ": " + p.Reason
	}
	c.terminal(protocol.RideCancelled, p.RideRef, models.StatusCancelled, notice)
}

// terminal applies a terminal status carried by a dedicated event. Before
// the first snapshot it counts as the initial load.
func (c *Controller) terminal(event string, ref protocol.RideRef, status models.RideStatus, notice string) {
	ride := c.snapshotWith(ref, status)
	if !c.gotSnapshot {
		c.gotSnapshot = true
		c.exitNow(ExitAlreadyFinished, ride, notice)
		return
	}
	if c.ride != nil && !c.ride.Status.Advances(status) {
		c.discard(event, "already terminal", "")
		return
	}
	c.setRideWithNotice(*ride, notice)
}

// snapshotWith builds the ride a terminal event implies: the nested ride if
// present, else the current one, with status forced to the event's status.
func (c *Controller) snapshotWith(ref protocol.RideRef, status models.RideStatus) *models.Ride {
	var r models.Ride
	switch {
	case ref.Ride != nil:
		r = *ref.Ride
	case c.ride != nil:
		r = *c.ride
	}
	r.ID = c.rideID
	r.Status = status
	return &r
}

func (c *Controller) onError(data json.RawMessage) {
	var p protocol.ErrorPayload
	if err := transport.Decode(data, &p); err != nil {
		c.discard(protocol.GenericError, "malformed", "")
		return
	}
	if p.RideID != "" && p.RideID != c.rideID {
		c.discard(protocol.GenericError, "other ride", p.RideID)
		return
	}
	if protocol.IsRejection(p.Code) {
		c.log.InfoContext(c.logCtx, "action rejected", "code", p.Code, "message", p.Message)
		c.obs.Notice(c.rideID, p.Message)
		return
	}
	c.log.ErrorContext(c.logCtx, "server error, leaving ride", "code", p.Code, "message", p.Message)
	c.exitNow(ExitError, c.ride, p.Error())
}

// onReconnected restores the server-side subscriptions lost with the
// previous connection and catches up over REST.
func (c *Controller) onReconnected(json.RawMessage) {
	c.emitSubscribe()
	if c.counterpartyID != "" {
		c.ch.Emit(protocol.SubscribeCounterpartyLoc, protocol.PartyRequest{PartyID: c.counterpartyID})
	}
	c.Resync()
}

func (c *Controller) setRide(r models.Ride) { c.setRideWithNotice(r, "") }

func (c *Controller) setRideWithNotice(r models.Ride, notice string) {
	wasTerminal := c.ride != nil && c.ride.Status.Terminal()
	c.ride = &r
	c.syncCounterparty(r)
	c.obs.RideUpdated(r)

	if r.Status != models.StatusSearching {
		c.stopProbe()
	}
	if r.Status.Terminal() && !wasTerminal {
		c.startCountdown(r, notice)
	}
}

func (c *Controller) startCountdown(r models.Ride, notice string) {
	reason := ExitFinished
	if r.Status == models.StatusCancelled {
		reason = ExitCancelled
	}
	gen := c.gen
	c.countdowns.Start(r.ID, c.opts.Countdown, func() {
		if gen != c.gen {
			return
		}
		c.exitNow(reason, &r, notice)
	})
	c.log.InfoContext(c.logCtx, "terminal status, exit countdown started", "status", r.Status, "countdown", c.opts.Countdown)
	c.obs.CountdownStarted(r, c.opts.Countdown)
}

func (c *Controller) exitNow(reason ExitReason, r *models.Ride, notice string) {
	rideID := c.rideID
	var snapshot *models.Ride
	if r != nil {
		cp := *r
		snapshot = &cp
	}
	c.Unsubscribe()
	observability.RideExits.WithLabelValues(string(reason)).Inc()
	c.obs.Exit(Exit{Reason: reason, RideID: rideID, Ride: snapshot, Notice: notice})
}

// syncCounterparty follows the counterparty's location stream while the
// ride is live, switching streams when the counterparty changes.
func (c *Controller) syncCounterparty(r models.Ride) {
	id := ""
	if cp, ok := r.Counterparty(c.self.Role); ok && !r.Status.Terminal() {
		id = cp.ID
	}
	if id == c.counterpartyID {
		return
	}
	c.dropCounterparty()
	if id == "" {
		return
	}
	c.counterpartyID = id
	gen := c.gen
	c.counterpartySub = c.ch.On(protocol.CounterpartyLocation, func(data json.RawMessage) {
		if gen != c.gen || id != c.counterpartyID {
			return
		}
		var u protocol.CounterpartyLocationUpdate
		if err := transport.Decode(data, &u); err != nil || u.PartyID != id {
			c.discard(protocol.CounterpartyLocation, "other party", u.PartyID)
			return
		}
		c.obs.CounterpartyLocation(id, u.Location)
	})
	c.ch.Emit(protocol.SubscribeCounterpartyLoc, protocol.PartyRequest{PartyID: id})
}

func (c *Controller) dropCounterparty() {
	if c.counterpartyID == "" {
		return
	}
	c.ch.Emit(protocol.UnsubscribeCounterpartyLoc, protocol.PartyRequest{PartyID: c.counterpartyID})
	c.counterpartySub.Off()
	c.counterpartySub = nil
	c.counterpartyID = ""
}
