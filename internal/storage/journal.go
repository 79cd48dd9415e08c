// Package storage records what the engine observed. Journals are write-only
// from the engine's side; other processes read them back.
package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/example/ride-sync/internal/models"
)

type Kind string

const (
	KindRideUpdated   Kind = "ride_updated"
	KindRideExit      Kind = "ride_exit"
	KindOffersChanged Kind = "offers_changed"
	KindOfferExpired  Kind = "offer_expired"
	KindOfferAccepted Kind = "offer_accepted"
	KindUnreadChanged Kind = "unread_changed"
	KindNotice        Kind = "notice"
)

// Entry is one observed state change.
type Entry struct {
	ID             string          `json:"id"`
	At             time.Time       `json:"at"`
	UserID         string          `json:"user_id"`
	Kind           Kind            `json:"kind"`
	RideID         string          `json:"ride_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// OfferPoint is the offers_changed payload item: enough for a reader to
// place the offer on a map without the full ride.
type OfferPoint struct {
	RideID          string       `json:"ride_id"`
	Pickup          models.Coord `json:"pickup"`
	VehicleCategory string       `json:"vehicle_category,omitempty"`
	Actionable      bool         `json:"actionable"`
}

// Key is the partition key: the ride when there is one, else the user.
func (e Entry) Key() string {
	if e.RideID != "" {
		return e.RideID
	}
	return e.UserID
}

// Journal defines persistence of entries.
type Journal interface {
	Append(ctx context.Context, e Entry) error
}

type MemoryJournal struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (m *MemoryJournal) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

// Entries returns a copy of everything appended so far.
func (m *MemoryJournal) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Entry(nil), m.entries...)
}

// ByRide returns the entries recorded for one ride, oldest first.
func (m *MemoryJournal) ByRide(rideID string) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.entries {
		if e.RideID == rideID {
			out = append(out, e)
		}
	}
	return out
}
