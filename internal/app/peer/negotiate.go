package peer

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/meetmesh/internal/core"
	"github.com/dkeye/meetmesh/internal/domain"
	json "github.com/goccy/go-json"
	"github.com/pion/webrtc/v4"
)

// step runs op off the loop and posts next back onto it. The continuation is
// discarded when the session was removed or a newer step started meanwhile.
func step[T any](m *Manager, s *Session, name string, op func() (T, error), next func(T)) {
	s.gen++
	gen := s.gen
	go func() {
		res, err := op()
		m.post(func() {
			if !m.current(s) || s.gen != gen || s.state == domain.StateFailed {
				m.log.Debug().Str("remote", string(s.remoteID)).Str("step", name).Msg("stale continuation discarded")
				return
			}
			if err != nil {
				m.fail(s, name, err)
				return
			}
			next(res)
			m.afterStep(s)
		})
	}()
}

func (m *Manager) startOffer(s *Session) {
	s.renegotiate = false
	s.signaling = sigCreatingOffer
	step(m, s, "create offer", s.conn.CreateOffer, func(offer webrtc.SessionDescription) {
		s.signaling = sigHaveLocalOffer
		m.sendDescription(s, domain.SignalOffer, offer)
	})
}

func (m *Manager) acceptOffer(s *Session, offer webrtc.SessionDescription) {
	s.signaling = sigApplyingOffer
	conn := s.conn
	step(m, s, "accept offer", func() (webrtc.SessionDescription, error) {
		return conn.AcceptOffer(offer)
	}, func(answer webrtc.SessionDescription) {
		s.signaling = sigStable
		if !m.remoteDescriptionSet(s) {
			return
		}
		m.sendDescription(s, domain.SignalAnswer, answer)
	})
}

func (m *Manager) applyAnswer(s *Session, answer webrtc.SessionDescription) {
	s.signaling = sigApplyingAnswer
	conn := s.conn
	step(m, s, "apply answer", func() (struct{}, error) {
		return struct{}{}, conn.ApplyAnswer(answer)
	}, func(struct{}) {
		s.signaling = sigStable
		m.remoteDescriptionSet(s)
	})
}

// afterStep resumes work that arrived while a step was in flight.
func (m *Manager) afterStep(s *Session) {
	if !m.current(s) || s.state == domain.StateFailed || s.signaling.busy() {
		return
	}
	if s.deferredOffer != nil {
		offer := *s.deferredOffer
		s.deferredOffer = nil
		m.offer(s.remoteID, offer)
		return
	}
	if s.renegotiate && s.remoteSet && s.signaling == sigStable {
		m.log.Debug().Str("remote", string(s.remoteID)).Msg("renegotiating")
		m.startOffer(s)
	}
}

// remoteDescriptionSet flushes candidates that arrived too early.
func (m *Manager) remoteDescriptionSet(s *Session) bool {
	s.remoteSet = true
	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		if err := s.conn.AddICECandidate(c); err != nil {
			m.fail(s, "add buffered ice candidate", err)
			return false
		}
	}
	if len(pending) > 0 {
		m.log.Debug().Str("remote", string(s.remoteID)).Int("count", len(pending)).Msg("flushed buffered candidates")
	}
	return true
}

func (m *Manager) handleOffer(msg domain.SignalMessage) {
	offer, err := decodeDescription(msg.Payload, webrtc.SDPTypeOffer)
	if err != nil {
		s, ok := m.sessions[msg.Sender]
		if !ok {
			if s = m.createSession(msg.Sender, domain.RoleResponder); s == nil {
				return
			}
		}
		if s.state != domain.StateFailed {
			m.fail(s, "decode offer", err)
		}
		return
	}
	m.offer(msg.Sender, offer)
}

func (m *Manager) offer(sender domain.ParticipantID, offer webrtc.SessionDescription) {
	s, ok := m.sessions[sender]
	if !ok {
		s = m.createSession(sender, domain.RoleResponder)
		if s == nil {
			return
		}
		m.attachLocal(s)
		if s.state == domain.StateFailed {
			return
		}
		m.acceptOffer(s, offer)
		return
	}

	switch {
	case s.state == domain.StateFailed:
		m.log.Debug().Str("remote", string(sender)).Msg("offer for failed session dropped")
	case s.signaling.busy():
		s.deferredOffer = &offer
	case s.signaling == sigHaveLocalOffer:
		// Offer collision. The smaller id keeps its offer.
		if m.self < sender {
			m.log.Info().Str("remote", string(sender)).Msg("offer collision, keeping local offer")
			return
		}
		if !s.remoteSet {
			m.log.Info().Str("remote", string(sender)).Msg("offer collision, yielding as responder")
			m.removeSession(s)
			ns := m.createSession(sender, domain.RoleResponder)
			if ns == nil {
				return
			}
			m.attachLocal(ns)
			if ns.state == domain.StateFailed {
				return
			}
			m.acceptOffer(ns, offer)
			return
		}
		s.renegotiate = true
		m.acceptOffer(s, offer)
	default:
		m.acceptOffer(s, offer)
	}
}

func (m *Manager) handleAnswer(msg domain.SignalMessage) {
	s, ok := m.sessions[msg.Sender]
	if !ok {
		m.log.Debug().Str("remote", string(msg.Sender)).Msg("answer without session dropped")
		return
	}
	if s.state == domain.StateFailed {
		m.log.Debug().Str("remote", string(msg.Sender)).Msg("answer for failed session dropped")
		return
	}
	if s.signaling != sigHaveLocalOffer {
		m.log.Debug().Str("remote", string(msg.Sender)).Msg("unexpected answer dropped")
		return
	}
	answer, err := decodeDescription(msg.Payload, webrtc.SDPTypeAnswer)
	if err != nil {
		m.fail(s, "decode answer", err)
		return
	}
	m.applyAnswer(s, answer)
}

func (m *Manager) handleCandidate(msg domain.SignalMessage) {
	s, ok := m.sessions[msg.Sender]
	if !ok {
		m.log.Debug().Str("remote", string(msg.Sender)).Msg("candidate without session dropped")
		return
	}
	if s.state == domain.StateFailed {
		return
	}
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(msg.Payload, &c); err != nil {
		m.fail(s, "decode ice candidate", err)
		return
	}
	if !s.remoteSet {
		s.pending = append(s.pending, c)
		return
	}
	if err := s.conn.AddICECandidate(c); err != nil {
		m.fail(s, "add ice candidate", err)
	}
}

func (m *Manager) localCandidate(s *Session, c webrtc.ICECandidateInit) {
	if !m.current(s) || s.state == domain.StateFailed {
		return
	}
	if !s.localSent {
		s.outbound = append(s.outbound, c)
		return
	}
	m.sendCandidate(s, c)
}

func (m *Manager) sendDescription(s *Session, kind domain.SignalKind, desc webrtc.SessionDescription) {
	payload, err := json.Marshal(desc)
	if err != nil {
		m.fail(s, "encode "+string(kind), err)
		return
	}
	m.send(s, kind, payload)
	if s.localSent {
		return
	}
	s.localSent = true
	outbound := s.outbound
	s.outbound = nil
	for _, c := range outbound {
		m.sendCandidate(s, c)
	}
}

func (m *Manager) sendCandidate(s *Session, c webrtc.ICECandidateInit) {
	payload, err := json.Marshal(c)
	if err != nil {
		m.log.Warn().Err(err).Str("remote", string(s.remoteID)).Msg("encode ice candidate")
		return
	}
	m.send(s, domain.SignalIceCandidate, payload)
}

// send is best effort; a lost message is never replayed.
func (m *Manager) send(s *Session, kind domain.SignalKind, payload []byte) {
	msg := domain.SignalMessage{
		Kind:      kind,
		Sender:    m.self,
		Recipient: s.remoteID,
		Payload:   payload,
	}
	if err := m.channel.Send(context.Background(), msg); err != nil {
		m.log.Warn().Err(err).Str("remote", string(s.remoteID)).Str("kind", string(kind)).Msg("signal delivery failed")
	}
}

func (m *Manager) remoteTrack(s *Session, t core.RemoteTrack) {
	if !m.current(s) || s.state == domain.StateFailed {
		return
	}
	s.addRemoteTrack(t)
	m.log.Info().
		Str("remote", string(s.remoteID)).
		Str("kind", t.Kind().String()).
		Str("track_id", t.ID()).
		Str("stream_id", t.StreamID()).
		Msg("remote track")
	m.publish()
}

func (m *Manager) connectionState(s *Session, st webrtc.PeerConnectionState) {
	if !m.current(s) {
		return
	}
	m.log.Debug().Str("remote", string(s.remoteID)).Str("peer_connection_state", st.String()).Msg("peer state")
	switch st {
	case webrtc.PeerConnectionStateConnected:
		if s.state == domain.StateNew || s.state == domain.StateNegotiating {
			s.setState(domain.StateConnected, m.now())
			m.log.Info().Str("remote", string(s.remoteID)).Msg("connected")
			m.publish()
		}
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		if s.state == domain.StateNegotiating || s.state == domain.StateConnected {
			m.fail(s, "connection", fmt.Errorf("peer connection %s", st))
		}
	}
}

var errDescriptionType = errors.New("unexpected session description type")

func decodeDescription(raw []byte, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("decode %s: %w", want, err)
	}
	if desc.Type != want {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: got %s, want %s", errDescriptionType, desc.Type, want)
	}
	if desc.SDP == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("decode %s: empty sdp", want)
	}
	return desc, nil
}
