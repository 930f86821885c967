package peer

import (
	"sync"
	"time"

	"github.com/dkeye/meetmesh/internal/core"
	"github.com/dkeye/meetmesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

// signaling tracks where a session is in the offer/answer exchange.
type signaling int

const (
	sigStable signaling = iota
	sigCreatingOffer
	sigHaveLocalOffer
	sigApplyingOffer
	sigApplyingAnswer
)

func (s signaling) busy() bool {
	return s == sigCreatingOffer || s == sigApplyingOffer || s == sigApplyingAnswer
}

// Session is one negotiated connection to exactly one remote participant.
// All fields are owned by the manager loop.
type Session struct {
	remoteID domain.ParticipantID
	role     domain.Role
	conn     core.MediaConnection
	state    domain.ConnState
	since    time.Time

	stream *RemoteStream

	hasLocalTracks bool
	signaling      signaling
	// gen is bumped for every started negotiation step; a continuation
	// carrying an older gen is discarded.
	gen uint64

	remoteSet bool
	pending   []webrtc.ICECandidateInit

	// localSent is false until the first local descriptor went out;
	// gathered candidates wait in outbound until then.
	localSent bool
	outbound  []webrtc.ICECandidateInit

	deferredOffer *webrtc.SessionDescription
	renegotiate   bool

	closeOnce sync.Once
	closed    bool
}

func newSession(remote domain.ParticipantID, role domain.Role, conn core.MediaConnection, now time.Time) *Session {
	return &Session{
		remoteID: remote,
		role:     role,
		conn:     conn,
		state:    domain.StateNew,
		since:    now,
	}
}

func (s *Session) setState(st domain.ConnState, now time.Time) bool {
	if s.state == st {
		return false
	}
	s.state = st
	s.since = now
	return true
}

// close releases the connection exactly once.
func (s *Session) close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed = true
		s.state = domain.StateClosed
		s.pending = nil
		s.outbound = nil
		s.deferredOffer = nil
		err = s.conn.Close()
	})
	return err
}

func (s *Session) addRemoteTrack(t core.RemoteTrack) {
	if s.stream == nil {
		s.stream = &RemoteStream{ParticipantID: s.remoteID}
	}
	for _, have := range s.stream.Tracks {
		if have.ID() == t.ID() && have.Kind() == t.Kind() {
			return
		}
	}
	s.stream.Tracks = append(s.stream.Tracks, t)
}

// PeerInfo is a read-only view of a session.
type PeerInfo struct {
	ID             domain.ParticipantID `json:"id"`
	Role           domain.Role          `json:"role"`
	State          domain.ConnState     `json:"state"`
	Since          time.Time            `json:"since"`
	HasLocalTracks bool                 `json:"has_local_tracks"`
	RemoteTracks   int                  `json:"remote_tracks"`
}

func (s *Session) info() PeerInfo {
	pi := PeerInfo{
		ID:             s.remoteID,
		Role:           s.role,
		State:          s.state,
		Since:          s.since,
		HasLocalTracks: s.hasLocalTracks,
	}
	if s.stream != nil {
		pi.RemoteTracks = len(s.stream.Tracks)
	}
	return pi
}
