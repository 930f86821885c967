package domain

import "encoding/json"

type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalIceCandidate SignalKind = "ice-candidate"
)

func (k SignalKind) Valid() bool {
	switch k {
	case SignalOffer, SignalAnswer, SignalIceCandidate:
		return true
	}
	return false
}

// SignalMessage is addressed negotiation data. Payload is opaque to everyone
// except the session that consumes it.
type SignalMessage struct {
	Kind      SignalKind      `json:"kind"`
	Sender    ParticipantID   `json:"sender"`
	Recipient ParticipantID   `json:"recipient"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type ChannelEventKind int

const (
	EventPresenceJoin ChannelEventKind = iota
	EventPresenceLeave
	EventMessage
	// EventPresenceSync follows every full presence snapshot received after tracking.
	EventPresenceSync
)

// ChannelEvent is what a subscribed topic delivers to its consumer.
type ChannelEvent struct {
	Kind     ChannelEventKind
	Presence Presence
	Message  SignalMessage
}
