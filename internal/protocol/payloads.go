package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/ride-sync/internal/models"
)

// Frame is the envelope every event travels in.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RideRef carries a ride ID either directly or nested in a ride object.
type RideRef struct {
	RideID string       `json:"ride_id,omitempty"`
	Ride   *models.Ride `json:"ride,omitempty"`
}

// ID returns the referenced ride ID, preferring the direct field.
func (r RideRef) ID() string {
	if r.RideID != "" {
		return r.RideID
	}
	if r.Ride != nil {
		return r.Ride.ID
	}
	return ""
}

type RideRequest struct {
	RideID string `json:"ride_id"`
}

type CancelRequest struct {
	RideID string `json:"ride_id"`
	Reason string `json:"reason"`
}

type PartyRequest struct {
	PartyID string `json:"party_id"`
}

// RidePatch is an incremental update; nil fields are unchanged.
type RidePatch struct {
	RideID           string             `json:"ride_id"`
	Status           *models.RideStatus `json:"status,omitempty"`
	Fulfiller        *models.Party      `json:"fulfiller,omitempty"`
	Fare             *float64           `json:"fare,omitempty"`
	PaymentMethod    *string            `json:"payment_method,omitempty"`
	VerificationCode *string            `json:"verification_code,omitempty"`
	Passengers       *int               `json:"passengers,omitempty"`
	Drop             *models.Place      `json:"drop,omitempty"`
	UpdatedAt        time.Time          `json:"updated_at,omitempty"`
}

// Apply returns r with the patch applied.
func (p RidePatch) Apply(r models.Ride) models.Ride {
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.Fulfiller != nil {
		f := *p.Fulfiller
		r.Fulfiller = &f
	}
	if p.Fare != nil {
		r.Fare = *p.Fare
	}
	if p.PaymentMethod != nil {
		v := *p.PaymentMethod
		r.PaymentMethod = &v
	}
	if p.VerificationCode != nil {
		v := *p.VerificationCode
		r.VerificationCode = &v
	}
	if p.Passengers != nil {
		r.Passengers = *p.Passengers
	}
	if p.Drop != nil {
		r.Drop = *p.Drop
	}
	if !p.UpdatedAt.IsZero() {
		r.UpdatedAt = p.UpdatedAt
	}
	return r
}

type Assignment struct {
	RideRef
	Fulfiller models.Party `json:"fulfiller"`
}

type Cancellation struct {
	RideRef
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

type CounterpartyLocationUpdate struct {
	PartyID  string          `json:"party_id"`
	Location models.Location `json:"location"`
}

type OfferBatch struct {
	Offers []models.Offer `json:"offers"`
}

type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	RideID  string `json:"ride_id,omitempty"`
}

func (e ErrorPayload) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type ConversationRequest struct {
	ConversationID string `json:"conversation_id"`
}

type OutgoingMessage struct {
	ConversationID string `json:"conversation_id"`
	LocalID        string `json:"local_id"`
	Text           string `json:"text"`
}

type TypingRequest struct {
	ConversationID string `json:"conversation_id"`
	Typing         bool   `json:"typing"`
}

type TypingState struct {
	ConversationID string `json:"conversation_id"`
	PartyID        string `json:"party_id"`
	Typing         bool   `json:"typing"`
}

type UnreadCount struct {
	Count int `json:"count"`
}

// MarkedRead reports that ReaderID has read Count messages in a conversation,
// up to and including UpTo.
type MarkedRead struct {
	ConversationID string `json:"conversation_id"`
	ReaderID       string `json:"reader_id"`
	Count          int    `json:"count"`
	UpTo           string `json:"up_to,omitempty"`
}

// Suspension is the payload of account-suspended.
type Suspension struct {
	Reason string `json:"reason,omitempty"`
}

// LocationReport is the payload of update-own-location.
type LocationReport struct {
	Location models.Location `json:"location"`
}
