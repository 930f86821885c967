package hub

import (
	"github.com/dkeye/meetmesh/internal/core"
	"github.com/dkeye/meetmesh/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

// Policy decides what happens to a subscriber whose send buffer is full.
type Policy interface {
	OnBackPressure(topic domain.MeetingID, sid core.SessionID) BackpressureAction
}

// SimplePolicy kicks every slow subscriber. A kicked client reconnects and
// resubscribes, which resets its sessions on both sides.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.MeetingID, core.SessionID) BackpressureAction {
	return KickMember
}
