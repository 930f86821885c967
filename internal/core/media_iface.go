package core

import (
	"github.com/dkeye/meetmesh/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// MediaConnection is one point-to-point media connection.
// Methods may be called from any goroutine; callbacks fire on adapter goroutines.
type MediaConnection interface {
	// AddLocalTracks attaches outgoing tracks.
	AddLocalTracks(tracks []webrtc.TrackLocal) error
	// CreateOffer creates an offer and sets it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	// AcceptOffer applies a remote offer, then creates and sets the answer.
	// A pending local offer is rolled back first.
	AcceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	// ApplyAnswer applies the remote answer to a pending local offer.
	ApplyAnswer(answer webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate. The remote description must be set.
	AddICECandidate(webrtc.ICECandidateInit) error

	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(RemoteTrack))
	// OnStateChange reports the liveness of the underlying connection.
	OnStateChange(func(webrtc.PeerConnectionState))

	Close() error
}

// ConnectionFactory builds a fresh connection for one remote participant.
type ConnectionFactory interface {
	NewConnection(remote domain.ParticipantID) (MediaConnection, error)
}

// RemoteTrack is an inbound media track. *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// LocalMedia is the handle to this user's outgoing tracks.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
}

var _ RemoteTrack = (*webrtc.TrackRemote)(nil)
