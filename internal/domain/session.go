package domain

type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// ConnState is the lifecycle state of one peer session.
type ConnState int

const (
	StateNew ConnState = iota
	StateNegotiating
	StateConnected
	StateFailed
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s ConnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}
