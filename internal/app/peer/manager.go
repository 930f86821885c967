// Package peer owns the set of point-to-point media sessions of one meeting
// attendance. Every mutation of manager state happens on a single loop
// goroutine; negotiation steps run off-loop and post their results back as
// continuations that re-check session membership before touching anything.
package peer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/meetmesh/internal/core"
	"github.com/dkeye/meetmesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var ErrClosed = errors.New("peer manager closed")

type Options struct {
	Self        domain.ParticipantID
	Channel     core.SignalChannel
	Connections core.ConnectionFactory
	Logger      zerolog.Logger
	// Now is overridable for tests.
	Now func() time.Time
}

type Manager struct {
	self    domain.ParticipantID
	channel core.SignalChannel
	factory core.ConnectionFactory
	log     zerolog.Logger
	now     func() time.Time

	// loop-owned
	sessions map[domain.ParticipantID]*Session
	local    core.LocalMedia
	selfSeq  uint64
	shutdown bool

	calls chan func()
	queue *queue
	view  *publisher

	quit     chan struct{}
	quitOnce sync.Once
	stopped  chan struct{}
}

// NewManager starts the manager loop. The loop consumes ch.Events() until the
// channel closes, ctx is done, or Shutdown is called.
func NewManager(ctx context.Context, opts Options) *Manager {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	m := &Manager{
		self:     opts.Self,
		channel:  opts.Channel,
		factory:  opts.Connections,
		log:      opts.Logger.With().Str("module", "peer").Str("self", string(opts.Self)).Logger(),
		now:      now,
		sessions: make(map[domain.ParticipantID]*Session),
		calls:    make(chan func()),
		queue:    newQueue(),
		view:     newPublisher(),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go m.run(ctx)
	return m
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.stopped)
	defer m.view.closeAll()

	events := m.channel.Events()
	for {
		select {
		case <-ctx.Done():
			m.closeAll("context done")
			return
		case <-m.quit:
			return
		case fn := <-m.calls:
			fn()
		case <-m.queue.ready():
			for _, fn := range m.queue.drain() {
				fn()
			}
		case ev, ok := <-events:
			if !ok {
				m.log.Info().Msg("signaling channel closed")
				events = nil
				continue
			}
			m.dispatch(ev)
		}
	}
}

// exec runs fn on the loop and waits for it.
func (m *Manager) exec(fn func()) error {
	done := make(chan struct{})
	select {
	case m.calls <- func() { defer close(done); fn() }:
	case <-m.stopped:
		return ErrClosed
	}
	<-done
	return nil
}

// post schedules a continuation on the loop without waiting.
func (m *Manager) post(fn func()) { m.queue.push(fn) }

func (m *Manager) dispatch(ev domain.ChannelEvent) {
	switch ev.Kind {
	case domain.EventPresenceJoin:
		m.presenceJoin(ev.Presence.ID)
	case domain.EventPresenceLeave:
		m.presenceLeave(ev.Presence.ID)
	case domain.EventMessage:
		m.signalingMessage(ev.Message)
	case domain.EventPresenceSync:
		m.presenceSync()
	}
}

// OnLocalMediaReady installs or replaces the local media source.
func (m *Manager) OnLocalMediaReady(src core.LocalMedia) {
	_ = m.exec(func() { m.localMediaReady(src) })
}

func (m *Manager) OnPresenceJoin(id domain.ParticipantID) {
	_ = m.exec(func() { m.presenceJoin(id) })
}

func (m *Manager) OnPresenceLeave(id domain.ParticipantID) {
	_ = m.exec(func() { m.presenceLeave(id) })
}

func (m *Manager) OnSignalingMessage(msg domain.SignalMessage) {
	_ = m.exec(func() { m.signalingMessage(msg) })
}

// Reconcile diffs channel membership against tracked sessions.
func (m *Manager) Reconcile() {
	_ = m.exec(m.reconcile)
}

// RequestReconnect destroys every failed session and recreates it in the role
// it had, then reconciles membership. Participants that left are not recreated.
func (m *Manager) RequestReconnect() {
	_ = m.exec(func() {
		var failed []*Session
		for _, s := range m.sessions {
			if s.state == domain.StateFailed {
				failed = append(failed, s)
			}
		}
		for _, s := range failed {
			m.log.Info().Str("remote", string(s.remoteID)).Msg("dropping failed session for retry")
			m.removeSession(s)
			if _, ok := m.presenceOf(s.remoteID); ok {
				m.retry(s.remoteID, s.role)
			}
		}
		m.reconcile()
	})
}

// Shutdown closes every session and stops the loop. The local media source is
// left running; its owner decides whether to stop the tracks.
func (m *Manager) Shutdown() error {
	err := m.exec(func() { m.closeAll("shutdown") })
	m.quitOnce.Do(func() { close(m.quit) })
	<-m.stopped
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// RemoteStreams returns a copy of the published remote stream mapping.
func (m *Manager) RemoteStreams() map[domain.ParticipantID]RemoteStream {
	return snapshotStreams(m.view.load().Streams)
}

// ConnectionStates returns a copy of the published per-peer states.
func (m *Manager) ConnectionStates() map[domain.ParticipantID]domain.ConnState {
	return snapshotStates(m.view.load().States)
}

// Watch delivers the current View and then every newer one.
// The channel is closed when the manager stops.
func (m *Manager) Watch() (<-chan View, func()) {
	select {
	case <-m.stopped:
		ch := make(chan View)
		close(ch)
		return ch, func() {}
	default:
	}
	return m.view.watch()
}

// Peers lists tracked sessions.
func (m *Manager) Peers() []PeerInfo {
	var out []PeerInfo
	_ = m.exec(func() {
		out = make([]PeerInfo, 0, len(m.sessions))
		for _, s := range m.sessions {
			out = append(out, s.info())
		}
	})
	return out
}

func (m *Manager) localMediaReady(src core.LocalMedia) {
	if m.shutdown {
		return
	}
	if src == nil {
		m.local = nil
		m.log.Info().Msg("local media absent")
		return
	}
	m.local = src
	m.log.Info().Int("tracks", len(src.Tracks())).Msg("local media ready")
	for _, s := range m.sessions {
		if s.hasLocalTracks || s.state == domain.StateFailed {
			continue
		}
		if !m.attachLocal(s) {
			continue
		}
		if s.remoteSet && s.signaling == sigStable {
			m.startOffer(s)
		} else {
			s.renegotiate = true
		}
	}
	m.reconcile()
}

func (m *Manager) presenceJoin(id domain.ParticipantID) {
	if m.shutdown || id == m.self {
		return
	}
	if _, ok := m.sessions[id]; ok {
		return
	}
	if !m.haveMedia() {
		m.log.Debug().Str("remote", string(id)).Msg("join deferred until local media is ready")
		return
	}
	if !m.shouldInitiate(id) {
		m.log.Debug().Str("remote", string(id)).Msg("remote was present first, waiting for its offer")
		return
	}
	s := m.createSession(id, domain.RoleInitiator)
	if s == nil {
		return
	}
	m.attachLocal(s)
	if s.state == domain.StateFailed {
		return
	}
	m.startOffer(s)
}

// retry recreates a session dropped by RequestReconnect. A responder with
// local media offers itself; the collision rules settle it if the remote
// offers at the same time. Without media it waits for the remote's offer.
func (m *Manager) retry(id domain.ParticipantID, role domain.Role) {
	if role == domain.RoleInitiator {
		m.presenceJoin(id)
		return
	}
	s := m.createSession(id, domain.RoleResponder)
	if s == nil || !m.attachLocal(s) {
		return
	}
	m.startOffer(s)
}

func (m *Manager) presenceLeave(id domain.ParticipantID) {
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	m.log.Info().Str("remote", string(id)).Msg("participant left")
	m.removeSession(s)
}

func (m *Manager) signalingMessage(msg domain.SignalMessage) {
	if m.shutdown || msg.Recipient != m.self || msg.Sender == m.self {
		return
	}
	switch msg.Kind {
	case domain.SignalOffer:
		m.handleOffer(msg)
	case domain.SignalAnswer:
		m.handleAnswer(msg)
	case domain.SignalIceCandidate:
		m.handleCandidate(msg)
	default:
		m.log.Warn().Str("kind", string(msg.Kind)).Str("remote", string(msg.Sender)).Msg("unknown signal kind")
	}
}

// presenceSync runs after every full presence snapshot. A changed own join
// sequence means the hub saw us leave and rejoin: remote peers have already
// dropped their side of every session.
func (m *Manager) presenceSync() {
	self, ok := m.presenceOf(m.self)
	if ok && m.selfSeq != 0 && self.Seq != m.selfSeq {
		m.log.Info().Uint64("old_seq", m.selfSeq).Uint64("new_seq", self.Seq).Msg("resubscribed, resetting sessions")
		for _, s := range m.sessions {
			m.removeSession(s)
		}
	}
	if ok {
		m.selfSeq = self.Seq
	}
	m.reconcile()
}

func (m *Manager) reconcile() {
	if m.shutdown || !m.haveMedia() {
		return
	}
	for _, p := range m.channel.Members() {
		if p.ID == m.self {
			continue
		}
		if _, ok := m.sessions[p.ID]; ok {
			continue
		}
		m.presenceJoin(p.ID)
	}
}

// haveMedia reports whether outbound negotiation can begin.
func (m *Manager) haveMedia() bool {
	return m.local != nil && len(m.local.Tracks()) > 0
}

// shouldInitiate applies the "already present side offers" rule.
func (m *Manager) shouldInitiate(remote domain.ParticipantID) bool {
	self, ok := m.presenceOf(m.self)
	if !ok {
		return false
	}
	other, ok := m.presenceOf(remote)
	if !ok {
		return true
	}
	return self.JoinedBefore(other)
}

func (m *Manager) presenceOf(id domain.ParticipantID) (domain.Presence, bool) {
	for _, p := range m.channel.Members() {
		if p.ID == id {
			return p, true
		}
	}
	return domain.Presence{}, false
}

func (m *Manager) createSession(remote domain.ParticipantID, role domain.Role) *Session {
	conn, err := m.factory.NewConnection(remote)
	if err != nil {
		m.log.Error().Err(err).Str("remote", string(remote)).Msg("create connection")
		return nil
	}
	s := newSession(remote, role, conn, m.now())
	m.sessions[remote] = s
	m.bindCallbacks(s)
	s.setState(domain.StateNegotiating, m.now())
	m.log.Info().Str("remote", string(remote)).Str("role", role.String()).Msg("session created")
	m.publish()
	return s
}

func (m *Manager) bindCallbacks(s *Session) {
	s.conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		m.post(func() { m.localCandidate(s, c) })
	})
	s.conn.OnTrack(func(t core.RemoteTrack) {
		m.post(func() { m.remoteTrack(s, t) })
	})
	s.conn.OnStateChange(func(st webrtc.PeerConnectionState) {
		m.post(func() { m.connectionState(s, st) })
	})
}

func (m *Manager) attachLocal(s *Session) bool {
	if m.local == nil || s.hasLocalTracks {
		return false
	}
	tracks := m.local.Tracks()
	if len(tracks) == 0 {
		return false
	}
	if err := s.conn.AddLocalTracks(tracks); err != nil {
		m.fail(s, "attach local tracks", err)
		return false
	}
	s.hasLocalTracks = true
	return true
}

// current reports whether s is still the tracked session for its remote.
func (m *Manager) current(s *Session) bool {
	cur, ok := m.sessions[s.remoteID]
	return ok && cur == s && !s.closed
}

func (m *Manager) removeSession(s *Session) {
	if cur, ok := m.sessions[s.remoteID]; ok && cur == s {
		delete(m.sessions, s.remoteID)
	}
	if err := s.close(); err != nil {
		m.log.Warn().Err(err).Str("remote", string(s.remoteID)).Msg("close connection")
	}
	m.publish()
}

func (m *Manager) closeAll(reason string) {
	m.shutdown = true
	for _, s := range m.sessions {
		m.removeSession(s)
	}
	m.log.Info().Str("reason", reason).Msg("all sessions closed")
}

// fail moves s to Failed and withdraws its stream. The session stays tracked.
func (m *Manager) fail(s *Session, op string, err error) {
	m.log.Error().Err(err).Str("remote", string(s.remoteID)).Str("op", op).Msg("negotiation failed")
	s.setState(domain.StateFailed, m.now())
	s.stream = nil
	s.pending = nil
	s.outbound = nil
	s.deferredOffer = nil
	s.renegotiate = false
	m.publish()
}

func (m *Manager) publish() {
	v := View{
		Streams: make(map[domain.ParticipantID]RemoteStream, len(m.sessions)),
		States:  make(map[domain.ParticipantID]domain.ConnState, len(m.sessions)),
	}
	for id, s := range m.sessions {
		v.States[id] = s.state
		if s.stream != nil && s.state != domain.StateFailed {
			v.Streams[id] = RemoteStream{
				ParticipantID: id,
				Tracks:        append([]core.RemoteTrack(nil), s.stream.Tracks...),
			}
		}
	}
	m.view.publish(v)
}
