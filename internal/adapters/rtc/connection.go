package rtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/meetmesh/internal/core"
	"github.com/dkeye/meetmesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Connection is a core.MediaConnection over a pion PeerConnection.
type Connection struct {
	pc     *webrtc.PeerConnection
	remote domain.ParticipantID
	log    zerolog.Logger

	mu      sync.Mutex
	onICE   func(webrtc.ICECandidateInit)
	onTrack func(core.RemoteTrack)
	onState func(webrtc.PeerConnectionState)
}

func newConnection(pc *webrtc.PeerConnection, remote domain.ParticipantID, logger zerolog.Logger) *Connection {
	c := &Connection{
		pc:     pc,
		remote: remote,
		log:    logger.With().Str("module", "webrtc").Str("remote", string(remote)).Logger(),
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.log.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.log.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(s)
		}
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.log.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Str("codec", track.Codec().MimeType).
			Msg("OnTrack received")
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(track)
		}
	})

	return c
}

// AddLocalTracks attaches outgoing tracks. RTCP from each sender is drained so
// interceptors (NACK, PLI) see the remote feedback.
func (c *Connection) AddLocalTracks(tracks []webrtc.TrackLocal) error {
	for _, t := range tracks {
		sender, err := c.pc.AddTrack(t)
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		go drainRTCP(sender)
	}
	return nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

func (c *Connection) AcceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if c.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		c.log.Info().Msg("rolling back local offer")
		if err := c.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("rollback: %w", err)
		}
	}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

func (c *Connection) ApplyAnswer(answer webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Connection) OnTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Connection) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Connection) Close() error {
	if err := c.pc.Close(); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
		c.log.Error().Err(err).Msg("close error")
		return err
	}
	c.log.Info().Msg("closed")
	return nil
}

var _ core.MediaConnection = (*Connection)(nil)
