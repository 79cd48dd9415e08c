package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-sync/internal/eventloop"
	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/offers"
	"github.com/example/ride-sync/internal/protocol"
	"github.com/example/ride-sync/internal/ride"
	"github.com/example/ride-sync/internal/storage"
	"github.com/example/ride-sync/internal/transport/transporttest"
)

type fakeAPI struct {
	offers []models.Offer
	rides  []models.Ride
	convs  []models.Conversation
}

func (f *fakeAPI) FetchOpenOffers(context.Context, string) ([]models.Offer, error) {
	return f.offers, nil
}

func (f *fakeAPI) FetchActiveRides(context.Context) ([]models.Ride, error) { return f.rides, nil }

func (f *fakeAPI) ListConversations(context.Context) ([]models.Conversation, error) {
	return f.convs, nil
}

type feed struct {
	events []Event
}

func (f *feed) Publish(ev Event) { f.events = append(f.events, ev) }

func (f *feed) types() []string {
	out := make([]string, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Type)
	}
	return out
}

func (f *feed) has(typ string) bool {
	for _, ev := range f.events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

type journal struct {
	mem *storage.MemoryJournal
}

func (j journal) Write(e storage.Entry) bool {
	return j.mem.Append(context.Background(), e) == nil
}

type harness struct {
	ch    *transporttest.Fake
	clock *eventloop.Manual
	api   *fakeAPI
	feed  *feed
	mem   *storage.MemoryJournal
	e     *Engine
}

var driver = models.Identity{ID: "f1", Role: models.RoleFulfiller, VehicleCategory: "cab"}

func newHarness(self models.Identity) *harness {
	h := &harness{
		ch:    transporttest.NewFake(),
		clock: eventloop.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		api:   &fakeAPI{},
		feed:  &feed{},
		mem:   storage.NewMemoryJournal(),
	}
	opts := Options{
		Ride:   ride.Options{ProbeInterval: 3 * time.Second, Countdown: 5 * time.Second},
		Offers: offers.Options{Heartbeat: 5 * time.Second, TTL: time.Minute},
	}
	h.e = New(h.ch, h.clock, h.api, self, opts, h.feed, journal{h.mem}, logging.Discard())
	h.e.Start()
	return h
}

func TestAcceptedOfferOpensRideAndResumesAfterExit(t *testing.T) {
	h := newHarness(driver)
	ctx := context.Background()

	if err := h.e.SetAvailable(ctx, true); err != nil {
		t.Fatal(err)
	}
	r := models.Ride{ID: "R1", Status: models.StatusSearching, VehicleCategory: "cab", Requester: models.Party{ID: "u9"}}
	h.ch.Deliver(protocol.OfferAdded, models.Offer{Ride: r})
	if err := h.e.AcceptOffer(ctx, "R1"); err != nil {
		t.Fatal(err)
	}

	h.ch.Deliver(protocol.AssignmentConfirmed, protocol.Assignment{RideRef: protocol.RideRef{RideID: "R1"}, Fulfiller: models.Party{ID: "f1"}})
	if health, _ := h.e.Health(ctx); health.RideID != "R1" || health.Offers != nil {
		t.Fatalf("expected ride on screen and offers paused, got %+v", health)
	}
	if h.ch.Count(protocol.SubscribeRide) == 0 {
		t.Fatal("ride subscription not emitted")
	}

	r.Status = models.StatusStart
	r.Fulfiller = &models.Party{ID: "f1"}
	h.ch.Deliver(protocol.RideSnapshot, protocol.RideRef{Ride: &r})
	h.ch.Deliver(protocol.RideCompleted, protocol.RideRef{RideID: "R1"})
	if !h.feed.has(EventCountdown) {
		t.Fatalf("expected countdown, got %v", h.feed.types())
	}

	before := h.ch.Count(protocol.RequestOpenOffers)
	h.clock.Advance(5 * time.Second)
	if !h.feed.has(EventRideExit) {
		t.Fatalf("expected ride exit, got %v", h.feed.types())
	}
	if h.ch.Count(protocol.RequestOpenOffers) != before+1 {
		t.Fatal("offers should resume after the ride ends")
	}

	var kinds []storage.Kind
	for _, e := range h.mem.ByRide("R1") {
		kinds = append(kinds, e.Kind)
	}
	if len(kinds) == 0 || kinds[len(kinds)-1] != storage.KindRideExit {
		t.Fatalf("unexpected journal for R1: %v", kinds)
	}
}

func TestRequesterHasNoOffers(t *testing.T) {
	h := newHarness(models.Identity{ID: "u1", Role: models.RoleRequester})
	if err := h.e.SetAvailable(context.Background(), true); !errors.Is(err, ErrNotFulfiller) {
		t.Fatalf("expected ErrNotFulfiller, got %v", err)
	}
	if _, err := h.e.Offers(context.Background()); !errors.Is(err, ErrNotFulfiller) {
		t.Fatalf("expected ErrNotFulfiller, got %v", err)
	}
}

func TestUnreadIsPublishedAndJournaled(t *testing.T) {
	h := newHarness(models.Identity{ID: "u1", Role: models.RoleRequester})
	h.api.convs = []models.Conversation{{ID: "c1", RequesterUnread: 2}, {ID: "c2", RequesterUnread: 1}}
	h.clock.RunPending()

	n, err := h.e.Unread(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("expected 3 unread, got %d / %v", n, err)
	}
	found := false
	for _, e := range h.mem.Entries() {
		if e.Kind == storage.KindUnreadChanged && string(e.Payload) == `{"count":3}` {
			found = true
		}
	}
	if !found {
		t.Fatal("unread change not journaled")
	}
}

func TestReportLocation(t *testing.T) {
	h := newHarness(driver)
	loc := models.Location{Coord: models.Coord{Lat: 14.6, Lon: 121}}

	if err := h.e.ReportLocation(context.Background(), loc); err != nil {
		t.Fatal(err)
	}
	last, ok := h.ch.Last(protocol.UpdateOwnLocation)
	if !ok {
		t.Fatal("location not emitted")
	}
	if p := last.Payload.(protocol.LocationReport); p.Location.At.IsZero() || p.Location.Lat != 14.6 {
		t.Fatalf("unexpected report %+v", p)
	}

	h.ch.Online = false
	if err := h.e.ReportLocation(context.Background(), loc); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSuspensionStopsEverything(t *testing.T) {
	h := newHarness(driver)
	ctx := context.Background()
	_ = h.e.SetAvailable(ctx, true)
	_ = h.e.OpenChat(ctx, "c1")

	h.e.OnSuspended("fraud review")

	if !h.feed.has(EventSuspended) {
		t.Fatalf("suspension not published: %v", h.feed.types())
	}
	if err := h.e.SubscribeRide(ctx, "R1"); !errors.Is(err, ErrSuspended) {
		t.Fatalf("expected ErrSuspended, got %v", err)
	}
	health, _ := h.e.Health(ctx)
	if !health.Suspended || health.Available || health.Offers != nil || health.ConversationID != "" {
		t.Fatalf("unexpected health after suspension %+v", health)
	}
	if n := h.ch.Deliver(protocol.OfferAdded, models.Offer{Ride: models.Ride{ID: "R2"}}); n != 0 {
		t.Fatalf("offer handlers still bound: %d", n)
	}
}

func TestConnectionEventsRefreshUnread(t *testing.T) {
	h := newHarness(models.Identity{ID: "u1", Role: models.RoleRequester})
	h.clock.RunPending()

	h.ch.Disconnect()
	h.ch.Reconnect()
	if h.clock.PendingJobs() != 1 {
		t.Fatalf("expected an unread refresh after reconnect, got %d jobs", h.clock.PendingJobs())
	}
	var states []bool
	for _, ev := range h.feed.events {
		if ev.Type == EventConnection {
			states = append(states, ev.Data.(ConnectionState).Connected)
		}
	}
	if len(states) != 2 || states[0] || !states[1] {
		t.Fatalf("unexpected connection events %v", states)
	}
}
