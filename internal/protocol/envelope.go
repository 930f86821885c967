// Package protocol is the JSON envelope spoken between the hub and its clients.
package protocol

import (
	"errors"
	"fmt"

	"github.com/dkeye/meetmesh/internal/core"
	"github.com/dkeye/meetmesh/internal/domain"
	json "github.com/goccy/go-json"
)

var ErrUnknownType = errors.New("unknown envelope type")

type Type string

const (
	TypeSubscribe     Type = "subscribe"
	TypeSubscribed    Type = "subscribed"
	TypeTrack         Type = "track"
	TypePresenceState Type = "presence_state"
	TypePresenceJoin  Type = "presence_join"
	TypePresenceLeave Type = "presence_leave"
	TypeBroadcast     Type = "broadcast"
	TypeUnsubscribe   Type = "unsubscribe"
	TypePing          Type = "ping"
	TypePong          Type = "pong"
	TypeError         Type = "error"
)

func (t Type) known() bool {
	switch t {
	case TypeSubscribe, TypeSubscribed, TypeTrack, TypePresenceState,
		TypePresenceJoin, TypePresenceLeave, TypeBroadcast, TypeUnsubscribe,
		TypePing, TypePong, TypeError:
		return true
	}
	return false
}

type Envelope struct {
	Type     Type                  `json:"type"`
	Topic    domain.MeetingID      `json:"topic,omitempty"`
	Self     domain.ParticipantID  `json:"self,omitempty"`
	Presence []domain.Presence     `json:"presence,omitempty"`
	Signal   *domain.SignalMessage `json:"signal,omitempty"`
	Error    string                `json:"error,omitempty"`
}

func Encode(env Envelope) (core.Frame, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Type, err)
	}
	return b, nil
}

// Decode parses a frame and rejects unknown types and broadcasts without a valid signal.
func Decode(f core.Frame) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(f, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode: %w", err)
	}
	if !env.Type.known() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if env.Type == TypeBroadcast && (env.Signal == nil || !env.Signal.Kind.Valid()) {
		return Envelope{}, fmt.Errorf("decode: broadcast without valid signal")
	}
	return env, nil
}

func Errorf(format string, args ...any) Envelope {
	return Envelope{Type: TypeError, Error: fmt.Sprintf(format, args...)}
}
