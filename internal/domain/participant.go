// Package domain contains identifiers and value types without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const MaxParticipantIDLen = 64

var (
	ErrParticipantIDTooLong = errors.New("participant id too long")
	ErrParticipantIDEmpty   = errors.New("participant id empty")
)

// ParticipantID is the opaque identity of a meeting attendee.
type ParticipantID string

// NewParticipantID is a tiny helper for processes that have no external identity.
func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.NewString())
}

// ParseParticipantID validates an identity received from a client or config.
func ParseParticipantID(raw string) (ParticipantID, error) {
	if len(raw) == 0 {
		return "", ErrParticipantIDEmpty
	}
	if len(raw) > MaxParticipantIDLen {
		return "", ErrParticipantIDTooLong
	}
	return ParticipantID(raw), nil
}
