package domain

// Presence is one tracked member of a topic.
// Seq is assigned by the hub in tracking order; a smaller Seq joined earlier.
type Presence struct {
	ID  ParticipantID `json:"id"`
	Seq uint64        `json:"seq"`
}

// JoinedBefore reports whether p was present before other.
// Equal sequences (never assigned by one hub) fall back to id order.
func (p Presence) JoinedBefore(other Presence) bool {
	if p.Seq != other.Seq {
		return p.Seq < other.Seq
	}
	return p.ID < other.ID
}
