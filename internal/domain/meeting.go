package domain

import "errors"

const MaxMeetingIDLen = 64

var ErrMeetingIDEmpty = errors.New("meeting id empty")

// MeetingID names the signaling topic of one meeting.
type MeetingID string

func ParseMeetingID(raw string) (MeetingID, error) {
	if len(raw) == 0 {
		return "", ErrMeetingIDEmpty
	}
	if len(raw) > MaxMeetingIDLen {
		raw = raw[:MaxMeetingIDLen]
	}
	return MeetingID(raw), nil
}
