// Package protocol names the dispatch server's realtime events and their
// JSON payloads.
package protocol

// Outbound events.
const (
	SubscribeRide              = "subscribe-to-ride"
	LeaveRide                  = "leave-ride"
	SubscribeCounterpartyLoc   = "subscribe-to-counterparty-location"
	UnsubscribeCounterpartyLoc = "unsubscribe-from-counterparty-location"
	RequestOpenOffers          = "request-all-open-offers"
	AcceptOffer                = "accept-offer"
	CancelRide                 = "cancel-ride"
	JoinConversation           = "join-conversation"
	LeaveConversation          = "leave-conversation"
	SendMessage                = "send-message"
	SetTyping                  = "set-typing"
	MarkRead                   = "mark-read"
	UpdateOwnLocation          = "update-own-location"
)

// Inbound events.
const (
	RideSnapshot         = "ride-snapshot"
	RideUpdate           = "ride-incremental-update"
	AssignmentConfirmed  = "assignment-confirmed"
	RideCompleted        = "ride-completed"
	RideCancelled        = "ride-cancelled"
	CounterpartyLocation = "counterparty-location-update"
	OpenOfferBatch       = "open-offer-batch"
	OfferAdded           = "single-offer-added"
	OfferUpdated         = "single-offer-updated"
	OfferWithdrawn       = "single-offer-withdrawn"
	OfferExpired         = "single-offer-expired"
	GenericError         = "generic-error"
	AccountSuspended     = "account-suspended"
	NewMessage           = "new-message"
	UnreadCountUpdate    = "unread-count-update"
	MessagesMarkedRead   = "messages-marked-read"
	TypingIndicator      = "typing-indicator"
)

// Local pseudo-events dispatched by the transport session itself. They never
// travel over the wire.
const (
	Connected    = "$connected"
	Disconnected = "$disconnected"
)

// Actor tags carried by ride-cancelled.
const (
	ActorRequester = "requester"
	ActorFulfiller = "fulfiller"
	ActorSystem    = "system"
)

// Rejection codes: the server refused an action. These are user-visible
// notices and never tear a subscription down.
const (
	CodeOfferUnavailable = "offer_unavailable"
	CodeOfferTaken       = "offer_taken"
	CodeNotAllowed       = "not_allowed"
	CodeInvalidRequest   = "invalid_request"
)

func IsRejection(code string) bool {
	switch code {
	case CodeOfferUnavailable, CodeOfferTaken, CodeNotAllowed, CodeInvalidRequest:
		return true
	}
	return false
}
