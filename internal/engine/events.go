package engine

import (
	"time"

	"github.com/example/ride-sync/internal/models"
)

// UI event types.
const (
	EventConnection    = "connection"
	EventSuspended     = "suspended"
	EventRide          = "ride"
	EventRideExit      = "ride_exit"
	EventCountdown     = "countdown"
	EventLocation      = "counterparty_location"
	EventNotice        = "notice"
	EventOffers        = "offers"
	EventOfferExpired  = "offer_expired"
	EventOfferAccepted = "offer_accepted"
	EventMessages      = "messages"
	EventTyping        = "typing"
	EventUnread        = "unread"
)

// Event is one item of the UI feed.
type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data,omitempty"`
}

type ConnectionState struct {
	Connected bool `json:"connected"`
}

type Countdown struct {
	Ride    models.Ride `json:"ride"`
	Seconds float64     `json:"seconds"`
}

// Notice is a user-visible, non-fatal message.
type Notice struct {
	RideID  string `json:"ride_id,omitempty"`
	Message string `json:"message"`
}

type Conversation struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []models.Message `json:"messages"`
}
