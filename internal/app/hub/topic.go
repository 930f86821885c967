package hub

import (
	"slices"

	"github.com/dkeye/meetmesh/internal/core"
	"github.com/dkeye/meetmesh/internal/domain"
)

// member is one hub connection. topic is empty while unsubscribed and
// presence.ID is empty while untracked.
type member struct {
	sid      core.SessionID
	signal   core.SignalConnection
	identity domain.ParticipantID
	topic    domain.MeetingID
	presence domain.Presence
}

func (m *member) tracked() bool { return m.presence.ID != "" }

type topic struct {
	name    domain.MeetingID
	seq     uint64
	members map[core.SessionID]*member
}

func newTopic(name domain.MeetingID) *topic {
	return &topic{name: name, members: make(map[core.SessionID]*member)}
}

func (t *topic) nextSeq() uint64 {
	t.seq++
	return t.seq
}

// presence lists tracked members in join order.
func (t *topic) presence() []domain.Presence {
	out := make([]domain.Presence, 0, len(t.members))
	for _, m := range t.members {
		if m.tracked() {
			out = append(out, m.presence)
		}
	}
	slices.SortFunc(out, func(a, b domain.Presence) int {
		switch {
		case a.JoinedBefore(b):
			return -1
		case b.JoinedBefore(a):
			return 1
		}
		return 0
	})
	return out
}

func (t *topic) holder(id domain.ParticipantID) *member {
	for _, m := range t.members {
		if m.presence.ID == id {
			return m
		}
	}
	return nil
}

// fanout sends f to every member except from and reports the ones whose
// buffer was full.
func (t *topic) fanout(from core.SessionID, f core.Frame) (dropped []*member) {
	for sid, m := range t.members {
		if sid == from {
			continue
		}
		if err := m.signal.TrySend(f); err != nil {
			dropped = append(dropped, m)
		}
	}
	return dropped
}

// TopicInfo is the public summary of one topic.
type TopicInfo struct {
	Name    domain.MeetingID `json:"name"`
	Members int              `json:"members"`
	Tracked int              `json:"tracked"`
}

func (t *topic) info() TopicInfo {
	return TopicInfo{Name: t.name, Members: len(t.members), Tracked: len(t.presence())}
}
