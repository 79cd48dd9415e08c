// Package offers maintains the fulfiller's set of open ride offers from two
// sources: the push channel, re-requested on a heartbeat, and a REST poll
// that only runs when the push channel looks stale.
package offers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"reflect"
	"time"

	"github.com/example/ride-sync/internal/eventloop"
	"github.com/example/ride-sync/internal/geo"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/observability"
	"github.com/example/ride-sync/internal/protocol"
	"github.com/example/ride-sync/internal/transport"
)

var (
	ErrInactive         = errors.New("offer reconciler is not active")
	ErrUnknownOffer     = errors.New("unknown offer")
	ErrCategoryMismatch = errors.New("offer vehicle category does not match")
	ErrNotConnected     = errors.New("not connected")
)

const statusOpen = "open"

// Fetcher is the REST fallback.
type Fetcher interface {
	FetchOpenOffers(ctx context.Context, status string) ([]models.Offer, error)
}

// Observer receives reconciler output on the event loop.
type Observer interface {
	OffersChanged(offers []models.PendingOffer)
	OfferExpired(rideID string)
	OfferAccepted(offer models.PendingOffer)
	Notice(message string)
}

type Options struct {
	Heartbeat    time.Duration
	RESTInterval time.Duration
	// StaleAfter is how long the push channel may stay silent before it is
	// assumed failed. Zero means 3x Heartbeat.
	StaleAfter time.Duration
	TTL        time.Duration
	SpeedMps   float64
}

func (o *Options) setDefaults() {
	if o.Heartbeat <= 0 {
		o.Heartbeat = 5 * time.Second
	}
	if o.RESTInterval <= 0 {
		o.RESTInterval = 3 * o.Heartbeat
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 3 * o.Heartbeat
	}
	if o.TTL <= 0 {
		o.TTL = 30 * time.Second
	}
}

type source string

const (
	sourcePush source = "push"
	sourceREST source = "rest"
)

type entry struct {
	offer           models.Offer
	source          source
	insertedAt      time.Time
	updatedAt       time.Time
	pushConfirmedAt time.Time
}

// Reconciler must only be used on the event loop.
type Reconciler struct {
	ch    transport.Channel
	sched eventloop.Scheduler
	fetch Fetcher
	self  models.Identity
	obs   Observer
	log   *slog.Logger
	opts  Options
	est   *geo.Estimator

	active      bool
	gen         int
	group       *transport.Group
	heartbeat   eventloop.Timer
	restTimer   eventloop.Timer
	activatedAt time.Time

	entries    map[string]*entry
	order      []string
	dismissed  map[string]struct{}
	tombstones map[string]time.Time
	accepting  map[string]struct{}
	expiry     *eventloop.Countdowns

	lastPushAt   time.Time
	degraded     bool
	restInFlight bool
	origin       *models.Coord
}

func NewReconciler(ch transport.Channel, sched eventloop.Scheduler, fetch Fetcher, self models.Identity, obs Observer, opts Options, log *slog.Logger) *Reconciler {
	opts.setDefaults()
	return &Reconciler{
		ch:         ch,
		sched:      sched,
		fetch:      fetch,
		self:       self,
		obs:        obs,
		log:        log.With("component", "offers"),
		opts:       opts,
		est:        geo.NewEstimator(opts.SpeedMps, time.Minute),
		entries:    make(map[string]*entry),
		dismissed:  make(map[string]struct{}),
		tombstones: make(map[string]time.Time),
		accepting:  make(map[string]struct{}),
		expiry:     eventloop.NewCountdowns(sched),
	}
}

func (r *Reconciler) Active() bool { return r.active }

// Activate starts tracking offers: the set is reset and a batch is requested
// from both channels at once.
func (r *Reconciler) Activate() {
	if r.active {
		return
	}
	r.active = true
	r.gen++
	gen := r.gen
	r.resetSet()
	r.activatedAt = r.sched.Now()
	r.lastPushAt = time.Time{}
	r.setDegraded(false)
	r.restInFlight = false

	g := transport.NewGroup(r.ch)
	g.On(protocol.OpenOfferBatch, r.bind(gen, r.onBatch))
	g.On(protocol.OfferAdded, r.bind(gen, r.onAdded))
	g.On(protocol.OfferUpdated, r.bind(gen, r.onUpdated))
	g.On(protocol.OfferWithdrawn, r.bind(gen, r.onRemoved(protocol.OfferWithdrawn)))
	g.On(protocol.OfferExpired, r.bind(gen, r.onRemoved(protocol.OfferExpired)))
	g.On(protocol.RideCompleted, r.bind(gen, r.onRemoved(protocol.RideCompleted)))
	g.On(protocol.RideCancelled, r.bind(gen, r.onRemoved(protocol.RideCancelled)))
	g.On(protocol.AssignmentConfirmed, r.bind(gen, r.onAssigned))
	g.On(protocol.GenericError, r.bind(gen, r.onError))
	g.On(protocol.Connected, r.bind(gen, func(json.RawMessage) { r.requestPush() }))
	r.group = g

	r.log.Info("activated")
	r.requestPush()
	r.fetchREST()
	r.armHeartbeat(gen)
	r.armREST(gen)
	r.publish()
}

// Deactivate stops both channels and clears the set.
func (r *Reconciler) Deactivate() {
	if !r.active {
		return
	}
	r.active = false
	r.gen++
	r.group.Off()
	r.group = nil
	if r.heartbeat != nil {
		r.heartbeat.Stop()
	}
	if r.restTimer != nil {
		r.restTimer.Stop()
	}
	r.resetSet()
	r.setDegraded(false)
	r.log.Info("deactivated")
	r.publish()
}

func (r *Reconciler) resetSet() {
	r.expiry.CancelAll()
	r.entries = make(map[string]*entry)
	r.order = nil
	r.tombstones = make(map[string]time.Time)
	r.accepting = make(map[string]struct{})
}

// SetOrigin sets the fulfiller's position used to estimate distance and time
// to pickup for offers the server sent without an estimate.
func (r *Reconciler) SetOrigin(at models.Coord) {
	r.origin = &at
	if r.active && len(r.order) > 0 {
		r.publish()
	}
}

// Offers returns the current set in stable order.
func (r *Reconciler) Offers() []models.PendingOffer {
	out := make([]models.PendingOffer, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.view(r.entries[id]))
	}
	return out
}

func (r *Reconciler) view(e *entry) models.PendingOffer {
	o := e.offer
	if r.origin != nil && o.DistanceMeters == 0 && o.ETASeconds == 0 {
		est := r.est.Estimate(*r.origin, o.Ride.Pickup.Coord)
		o.DistanceMeters = est.DistanceMeters
		o.ETASeconds = est.ETASeconds
	}
	return models.PendingOffer{
		Offer:      o,
		Actionable: r.actionable(o),
		ExpiresAt:  e.insertedAt.Add(r.opts.TTL),
	}
}

func (r *Reconciler) actionable(o models.Offer) bool {
	return o.Ride.VehicleCategory == r.self.VehicleCategory
}

// Accept asks the server for the offer. Offers outside the fulfiller's
// vehicle category are refused locally without a network call.
func (r *Reconciler) Accept(rideID string) error {
	if !r.active {
		return ErrInactive
	}
	e, ok := r.entries[rideID]
	if !ok {
		return ErrUnknownOffer
	}
	if !r.actionable(e.offer) {
		r.log.Info("accept refused locally", "ride_id", rideID, "offer_category", e.offer.Ride.VehicleCategory, "own_category", r.self.VehicleCategory)
		return ErrCategoryMismatch
	}
	if !r.ch.Emit(protocol.AcceptOffer, protocol.RideRequest{RideID: rideID}) {
		return ErrNotConnected
	}
	r.accepting[rideID] = struct{}{}
	return nil
}

// Dismiss hides an offer until the server offers it again.
func (r *Reconciler) Dismiss(rideID string) error {
	if _, ok := r.entries[rideID]; !ok {
		return ErrUnknownOffer
	}
	r.dismissed[rideID] = struct{}{}
	r.remove(rideID)
	r.publish()
	return nil
}

func (r *Reconciler) bind(gen int, fn transport.Handler) transport.Handler {
	return func(data json.RawMessage) {
		if gen != r.gen {
			return
		}
		fn(data)
	}
}

func (r *Reconciler) requestPush() {
	r.ch.Emit(protocol.RequestOpenOffers, nil)
}

func (r *Reconciler) armHeartbeat(gen int) {
	r.heartbeat = r.sched.AfterFunc(r.opts.Heartbeat, func() {
		if gen != r.gen {
			return
		}
		if r.checkStale() {
			r.fetchREST()
		}
		r.pruneTombstones()
		r.requestPush()
		r.armHeartbeat(gen)
	})
}

// armREST runs the slow timer. It only issues a request while the push
// channel is degraded or silent for longer than StaleAfter.
func (r *Reconciler) armREST(gen int) {
	r.restTimer = r.sched.AfterFunc(r.opts.RESTInterval, func() {
		if gen != r.gen {
			return
		}
		r.checkStale()
		if r.degraded || r.sinceLastPush() > r.opts.StaleAfter {
			r.fetchREST()
		}
		r.armREST(gen)
	})
}

func (r *Reconciler) sinceLastPush() time.Duration {
	ref := r.lastPushAt
	if ref.IsZero() {
		ref = r.activatedAt
	}
	return r.sched.Now().Sub(ref)
}

// checkStale sets the degraded flag once the push channel has been silent
// for longer than StaleAfter. It reports whether the flag was just set.
func (r *Reconciler) checkStale() bool {
	if r.degraded || r.sinceLastPush() <= r.opts.StaleAfter {
		return false
	}
	r.setDegraded(true)
	r.log.Warn("push channel silent, falling back to REST", "silent_for", r.sinceLastPush())
	return true
}

func (r *Reconciler) setDegraded(v bool) {
	r.degraded = v
	if v {
		observability.ChannelDegraded.Set(1)
	} else {
		observability.ChannelDegraded.Set(0)
	}
}

// pushSeen records a processed push event; it clears degradation at once.
func (r *Reconciler) pushSeen() {
	r.lastPushAt = r.sched.Now()
	if r.degraded {
		r.setDegraded(false)
		r.log.Info("push channel recovered")
	}
}

func (r *Reconciler) fetchREST() {
	if r.restInFlight || r.fetch == nil {
		return
	}
	r.restInFlight = true
	gen := r.gen
	issued := r.sched.Now()
	r.sched.Go(func(ctx context.Context) func() {
		offers, err := r.fetch.FetchOpenOffers(ctx, statusOpen)
		return func() {
			if gen != r.gen {
				observability.EventsDiscarded.WithLabelValues("offers", "rest_open_offers").Inc()
				return
			}
			r.restInFlight = false
			if err != nil {
				r.log.Warn("open offers fetch failed", "error", err)
				return
			}
			r.applyREST(offers, issued)
		}
	})
}

// applyREST merges a REST batch. New and changed offers are applied unless
// withdrawn after the request was issued. Omitted offers are removed only
// when the channel is degraded or the push channel has not confirmed them
// within StaleAfter.
func (r *Reconciler) applyREST(offers []models.Offer, issued time.Time) {
	now := r.sched.Now()
	changed := false
	seen := make(map[string]struct{}, len(offers))
	for _, o := range offers {
		id := o.RideID()
		if id == "" {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := r.dismissed[id]; ok {
			continue
		}
		if at, ok := r.tombstones[id]; ok && at.After(issued) {
			continue
		}
		if r.upsert(o, sourceREST, now) {
			changed = true
		}
	}
	for _, id := range append([]string(nil), r.order...) {
		if _, ok := seen[id]; ok {
			continue
		}
		e := r.entries[id]
		if e.updatedAt.After(issued) {
			continue
		}
		if !r.degraded && !e.pushConfirmedAt.IsZero() && now.Sub(e.pushConfirmedAt) <= r.opts.StaleAfter {
			continue
		}
		r.remove(id)
		changed = true
	}
	if changed {
		r.publish()
	}
}

// onBatch applies a full push resync: absent offers are removed.
func (r *Reconciler) onBatch(data json.RawMessage) {
	var b protocol.OfferBatch
	if err := transport.Decode(data, &b); err != nil {
		r.log.Debug("bad offer batch", "error", err)
		return
	}
	r.pushSeen()
	now := r.sched.Now()
	changed := false
	seen := make(map[string]struct{}, len(b.Offers))
	for _, o := range b.Offers {
		id := o.RideID()
		if id == "" {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := r.dismissed[id]; ok {
			continue
		}
		delete(r.tombstones, id)
		if r.upsert(o, sourcePush, now) {
			changed = true
		}
	}
	for _, id := range append([]string(nil), r.order...) {
		if _, ok := seen[id]; !ok {
			r.remove(id)
			changed = true
		}
	}
	if changed {
		r.publish()
	}
}

// onAdded is the only event that re-offers a dismissed ride.
func (r *Reconciler) onAdded(data json.RawMessage) {
	var o models.Offer
	if err := transport.Decode(data, &o); err != nil || o.RideID() == "" {
		r.log.Debug("bad offer payload", "event", protocol.OfferAdded, "error", err)
		return
	}
	r.pushSeen()
	delete(r.dismissed, o.RideID())
	delete(r.tombstones, o.RideID())
	if r.upsert(o, sourcePush, r.sched.Now()) {
		r.publish()
	}
}

func (r *Reconciler) onUpdated(data json.RawMessage) {
	var o models.Offer
	if err := transport.Decode(data, &o); err != nil || o.RideID() == "" {
		r.log.Debug("bad offer payload", "event", protocol.OfferUpdated, "error", err)
		return
	}
	r.pushSeen()
	if _, ok := r.dismissed[o.RideID()]; ok {
		return
	}
	delete(r.tombstones, o.RideID())
	if r.upsert(o, sourcePush, r.sched.Now()) {
		r.publish()
	}
}

func (r *Reconciler) onRemoved(event string) transport.Handler {
	return func(data json.RawMessage) {
		var ref protocol.RideRef
		if err := transport.Decode(data, &ref); err != nil || ref.ID() == "" {
			r.log.Debug("bad removal payload", "event", event, "error", err)
			return
		}
		if event == protocol.OfferWithdrawn || event == protocol.OfferExpired {
			r.pushSeen()
		}
		r.tombstone(ref.ID())
		if r.remove(ref.ID()) {
			r.publish()
		}
	}
}

func (r *Reconciler) onAssigned(data json.RawMessage) {
	var a protocol.Assignment
	if err := transport.Decode(data, &a); err != nil || a.ID() == "" {
		return
	}
	id := a.ID()
	e, had := r.entries[id]
	_, mine := r.accepting[id]
	delete(r.accepting, id)
	r.tombstone(id)
	removed := r.remove(id)

	if a.Fulfiller.ID == r.self.ID || mine && a.Fulfiller.ID == "" {
		var accepted models.PendingOffer
		switch {
		case had:
			accepted = r.view(e)
		case a.Ride != nil:
			accepted = models.PendingOffer{Offer: models.Offer{Ride: *a.Ride}, Actionable: true}
		default:
			accepted = models.PendingOffer{Offer: models.Offer{Ride: models.Ride{ID: id}}, Actionable: true}
		}
		r.log.Info("offer accepted", "ride_id", id)
		r.obs.OfferAccepted(accepted)
	}
	if removed {
		r.publish()
	}
}

// onError turns rejections of this fulfiller's actions into notices. A taken
// or unavailable offer is also dropped from the set.
func (r *Reconciler) onError(data json.RawMessage) {
	var p protocol.ErrorPayload
	if err := transport.Decode(data, &p); err != nil || !protocol.IsRejection(p.Code) {
		return
	}
	if p.RideID != "" {
		delete(r.accepting, p.RideID)
	}
	r.obs.Notice(p.Message)
	if p.RideID != "" && (p.Code == protocol.CodeOfferTaken || p.Code == protocol.CodeOfferUnavailable) {
		r.tombstone(p.RideID)
		if r.remove(p.RideID) {
			r.publish()
		}
	}
}

// upsert inserts or replaces an offer, keeping its position. It reports
// whether the visible set changed.
func (r *Reconciler) upsert(o models.Offer, src source, now time.Time) bool {
	id := o.RideID()
	e, ok := r.entries[id]
	if !ok {
		e = &entry{offer: o, source: src, insertedAt: now, updatedAt: now}
		if src == sourcePush {
			e.pushConfirmedAt = now
		}
		r.entries[id] = e
		r.order = append(r.order, id)
		r.expiry.Start(id, r.opts.TTL, func() { r.expire(id) })
		return true
	}
	if src == sourcePush {
		e.pushConfirmedAt = now
	}
	if reflect.DeepEqual(e.offer, o) {
		return false
	}
	e.offer = o
	e.source = src
	e.updatedAt = now
	return true
}

func (r *Reconciler) remove(id string) bool {
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	r.expiry.Cancel(id)
	for i, cur := range r.order {
		if cur == id {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *Reconciler) tombstone(id string) {
	r.tombstones[id] = r.sched.Now()
}

func (r *Reconciler) pruneTombstones() {
	keep := 2*r.opts.RESTInterval + r.opts.StaleAfter
	now := r.sched.Now()
	for id, at := range r.tombstones {
		if now.Sub(at) > keep {
			delete(r.tombstones, id)
		}
	}
}

// expire removes an offer whose local countdown ran out. It stays hidden
// until the server offers it again.
func (r *Reconciler) expire(id string) {
	if !r.remove(id) {
		return
	}
	r.dismissed[id] = struct{}{}
	observability.OfferExpiries.Inc()
	r.log.Debug("offer expired locally", "ride_id", id)
	r.obs.OfferExpired(id)
	r.publish()
}

func (r *Reconciler) publish() {
	offers := r.Offers()
	observability.OpenOffers.Set(float64(len(offers)))
	r.obs.OffersChanged(offers)
}

// HealthState is the derived connection health of the offer feed.
type HealthState string

const (
	HealthConnected  HealthState = "connected"
	HealthConnecting HealthState = "connecting"
	HealthDegraded   HealthState = "degraded"
)

type Health struct {
	State      HealthState `json:"state"`
	LastPushAt time.Time   `json:"last_push_at"`
	Degraded   bool        `json:"degraded"`
}

func (r *Reconciler) Health() Health {
	h := Health{LastPushAt: r.lastPushAt, Degraded: r.degraded}
	switch {
	case !r.ch.Connected():
		h.State = HealthConnecting
	case r.degraded:
		h.State = HealthDegraded
	default:
		h.State = HealthConnected
	}
	return h
}
