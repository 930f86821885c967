package core

import (
	"context"

	"github.com/dkeye/meetmesh/internal/domain"
)

// Frame is a raw encoded protocol envelope.
type Frame []byte

// SessionID identifies one transport connection on the hub.
type SessionID string

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// SignalChannel is one subscription to a meeting topic.
// Events are delivered in arrival order on a single channel which is closed
// after Unsubscribe.
type SignalChannel interface {
	// Send publishes best-effort to every subscriber of the topic.
	Send(ctx context.Context, msg domain.SignalMessage) error
	// Track announces self as present.
	Track(ctx context.Context, self domain.ParticipantID) error
	// Members is the current presence membership, self included once tracked.
	Members() []domain.Presence
	Events() <-chan domain.ChannelEvent
	Unsubscribe() error
}

// SignalTransport opens topic subscriptions.
type SignalTransport interface {
	Subscribe(ctx context.Context, topic domain.MeetingID) (SignalChannel, error)
}
