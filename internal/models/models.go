package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Location is a position report for a party, own or counterparty.
type Location struct {
	Coord
	Heading float64   `json:"heading"`
	At      time.Time `json:"at"`
}

type Place struct {
	Coord    Coord  `json:"coord"`
	Address  string `json:"address"`
	Landmark string `json:"landmark,omitempty"`
}

type Role string

const (
	RoleRequester Role = "requester"
	RoleFulfiller Role = "fulfiller"
)

func (r Role) Valid() bool { return r == RoleRequester || r == RoleFulfiller }

// Identity is the authenticated party the engine runs for.
type Identity struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
	// VehicleCategory is only meaningful for fulfillers.
	VehicleCategory string `json:"vehicle_category,omitempty"`
}

type Party struct {
	ID              string `json:"id"`
	Name            string `json:"name,omitempty"`
	Phone           string `json:"phone,omitempty"`
	VehicleCategory string `json:"vehicle_category,omitempty"`
	VehiclePlate    string `json:"vehicle_plate,omitempty"`
}

type Ride struct {
	ID               string     `json:"id"`
	Status           RideStatus `json:"status"`
	Pickup           Place      `json:"pickup"`
	Drop             Place      `json:"drop"`
	Requester        Party      `json:"requester"`
	Fulfiller        *Party     `json:"fulfiller,omitempty"`
	Fare             float64    `json:"fare"`
	PaymentMethod    *string    `json:"payment_method,omitempty"`
	VerificationCode *string    `json:"verification_code,omitempty"`
	Passengers       int        `json:"passengers"`
	VehicleCategory  string     `json:"vehicle_category"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Counterparty returns the other side of the ride as seen by role, if known.
func (r Ride) Counterparty(role Role) (Party, bool) {
	if role == RoleFulfiller {
		return r.Requester, r.Requester.ID != ""
	}
	if r.Fulfiller == nil || r.Fulfiller.ID == "" {
		return Party{}, false
	}
	return *r.Fulfiller, true
}

// Offer is a ride visible to fulfillers before one accepts it.
type Offer struct {
	Ride           Ride    `json:"ride"`
	DistanceMeters float64 `json:"distance_meters"`
	ETASeconds     float64 `json:"eta_seconds"`
}

func (o Offer) RideID() string { return o.Ride.ID }

// PendingOffer is an offer as presented to the fulfiller UI.
type PendingOffer struct {
	Offer
	Actionable bool      `json:"actionable"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type Message struct {
	ID             string    `json:"id"`
	LocalID        string    `json:"local_id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Text           string    `json:"text"`
	SentAt         time.Time `json:"sent_at"`
	Read           bool      `json:"read"`

	// Local-only delivery state.
	Pending bool `json:"pending,omitempty"`
	Failed  bool `json:"failed,omitempty"`
}

type Conversation struct {
	ID              string `json:"id"`
	RideID          string `json:"ride_id,omitempty"`
	RequesterID     string `json:"requester_id"`
	FulfillerID     string `json:"fulfiller_id"`
	RequesterUnread int    `json:"requester_unread"`
	FulfillerUnread int    `json:"fulfiller_unread"`
}

// UnreadFor returns the unread field that belongs to role.
func (c Conversation) UnreadFor(role Role) int {
	if role == RoleFulfiller {
		return c.FulfillerUnread
	}
	return c.RequesterUnread
}
