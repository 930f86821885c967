package peer

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/dkeye/meetmesh/internal/core"
	"github.com/dkeye/meetmesh/internal/domain"
	json "github.com/goccy/go-json"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var errNoRemoteDescription = errors.New("remote description not set")

// fakeConn mimics the ordering rules of a peer connection without any network.
type fakeConn struct {
	remote domain.ParticipantID

	mu          sync.Mutex
	localTracks []webrtc.TrackLocal
	remoteSet   bool
	candidates  []webrtc.ICECandidateInit
	offers      int
	accepted    []webrtc.SessionDescription
	answers     []webrtc.SessionDescription
	closed      int

	onCandidate func(webrtc.ICECandidateInit)
	onTrack     func(core.RemoteTrack)
	onState     func(webrtc.PeerConnectionState)

	// gate, when set, holds every negotiation step until closed.
	gate        chan struct{}
	acceptErr   error
	addErr      error
	autoConnect bool
	// earlyCandidate is emitted from inside CreateOffer/AcceptOffer,
	// before the step returns.
	earlyCandidate *webrtc.ICECandidateInit
}

func (c *fakeConn) wait() {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}
}

func (c *fakeConn) AddLocalTracks(tracks []webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.addErr != nil {
		return c.addErr
	}
	c.localTracks = append(c.localTracks, tracks...)
	return nil
}

func (c *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	c.wait()
	c.emitEarly()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-from-" + string(c.remote)}, nil
}

func (c *fakeConn) AcceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	c.wait()
	c.mu.Lock()
	if c.acceptErr != nil {
		err := c.acceptErr
		c.mu.Unlock()
		return webrtc.SessionDescription{}, err
	}
	c.remoteSet = true
	c.accepted = append(c.accepted, offer)
	c.mu.Unlock()
	c.emitEarly()
	c.connect()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-to-" + offer.SDP}, nil
}

func (c *fakeConn) ApplyAnswer(answer webrtc.SessionDescription) error {
	c.wait()
	c.mu.Lock()
	c.remoteSet = true
	c.answers = append(c.answers, answer)
	c.mu.Unlock()
	c.connect()
	return nil
}

func (c *fakeConn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.remoteSet {
		return errNoRemoteDescription
	}
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *fakeConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) { c.onCandidate = fn }
func (c *fakeConn) OnTrack(fn func(core.RemoteTrack))               { c.onTrack = fn }
func (c *fakeConn) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.onState = fn
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeConn) emitEarly() {
	c.mu.Lock()
	cand := c.earlyCandidate
	c.earlyCandidate = nil
	c.mu.Unlock()
	if cand != nil {
		c.onCandidate(*cand)
	}
}

func (c *fakeConn) connect() {
	c.mu.Lock()
	auto := c.autoConnect
	c.mu.Unlock()
	if !auto {
		return
	}
	go func() {
		c.onTrack(&fakeTrack{id: string(c.remote) + "-audio", stream: string(c.remote), kind: webrtc.RTPCodecTypeAudio})
		c.onState(webrtc.PeerConnectionStateConnected)
	}()
}

// emit fires connection callbacks the way pion does: from a foreign goroutine.
func (c *fakeConn) emitState(st webrtc.PeerConnectionState) { c.onState(st) }
func (c *fakeConn) emitTrack(t core.RemoteTrack)            { c.onTrack(t) }

func (c *fakeConn) snapshot() (closed int, candidates []webrtc.ICECandidateInit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, append([]webrtc.ICECandidateInit(nil), c.candidates...)
}

func (c *fakeConn) negotiations() (offers, accepted int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers, len(c.accepted)
}

func (c *fakeConn) closedCount() int {
	n, _ := c.snapshot()
	return n
}

type fakeFactory struct {
	mu        sync.Mutex
	conns     []*fakeConn
	configure func(*fakeConn)
}

func (f *fakeFactory) NewConnection(remote domain.ParticipantID) (core.MediaConnection, error) {
	c := &fakeConn{remote: remote}
	if f.configure != nil {
		f.configure(c)
	}
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c, nil
}

func (f *fakeFactory) created() []*fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeConn(nil), f.conns...)
}

func (f *fakeFactory) last(remote domain.ParticipantID) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.conns) - 1; i >= 0; i-- {
		if f.conns[i].remote == remote {
			return f.conns[i]
		}
	}
	return nil
}

type fakeTrack struct {
	id, stream string
	kind       webrtc.RTPCodecType
}

func (t *fakeTrack) ID() string                       { return t.id }
func (t *fakeTrack) StreamID() string                 { return t.stream }
func (t *fakeTrack) Kind() webrtc.RTPCodecType        { return t.kind }
func (t *fakeTrack) Codec() webrtc.RTPCodecParameters { return webrtc.RTPCodecParameters{} }
func (t *fakeTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, io.EOF
}

// fakeBus is a topic shared by fakeChannels: it assigns join sequences and
// fans messages out to every other subscriber.
type fakeBus struct {
	mu      sync.Mutex
	seq     uint64
	members []domain.Presence
	subs    []*fakeChannel
}

func newFakeBus() *fakeBus { return &fakeBus{} }

func (b *fakeBus) subscribe() *fakeChannel {
	c := &fakeChannel{bus: b, events: make(chan domain.ChannelEvent, 1024)}
	b.mu.Lock()
	b.subs = append(b.subs, c)
	b.mu.Unlock()
	return c
}

// present records members without emitting events.
func (b *fakeBus) present(ids ...domain.ParticipantID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		b.seq++
		b.members = append(b.members, domain.Presence{ID: id, Seq: b.seq})
	}
}

type fakeChannel struct {
	bus    *fakeBus
	self   domain.ParticipantID
	events chan domain.ChannelEvent

	mu      sync.Mutex
	sent    []domain.SignalMessage
	sendErr error
}

func (c *fakeChannel) Send(_ context.Context, msg domain.SignalMessage) error {
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	err := c.sendErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	for _, sub := range c.bus.subs {
		if sub != c {
			sub.events <- domain.ChannelEvent{Kind: domain.EventMessage, Message: msg}
		}
	}
	return nil
}

func (c *fakeChannel) Track(_ context.Context, self domain.ParticipantID) error {
	c.self = self
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	c.bus.seq++
	p := domain.Presence{ID: self, Seq: c.bus.seq}
	c.bus.members = append(c.bus.members, p)
	for _, sub := range c.bus.subs {
		if sub == c {
			sub.events <- domain.ChannelEvent{Kind: domain.EventPresenceSync}
			continue
		}
		sub.events <- domain.ChannelEvent{Kind: domain.EventPresenceJoin, Presence: p}
	}
	return nil
}

func (c *fakeChannel) Members() []domain.Presence {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	return append([]domain.Presence(nil), c.bus.members...)
}

func (c *fakeChannel) Events() <-chan domain.ChannelEvent { return c.events }

func (c *fakeChannel) Unsubscribe() error {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	for i, p := range c.bus.members {
		if p.ID == c.self {
			c.bus.members = append(c.bus.members[:i], c.bus.members[i+1:]...)
			for _, sub := range c.bus.subs {
				if sub != c {
					sub.events <- domain.ChannelEvent{Kind: domain.EventPresenceLeave, Presence: p}
				}
			}
			break
		}
	}
	for i, sub := range c.bus.subs {
		if sub == c {
			c.bus.subs = append(c.bus.subs[:i], c.bus.subs[i+1:]...)
			break
		}
	}
	close(c.events)
	return nil
}

func (c *fakeChannel) sentMessages() []domain.SignalMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.SignalMessage(nil), c.sent...)
}

func (c *fakeChannel) sentOf(kind domain.SignalKind, to domain.ParticipantID) []domain.SignalMessage {
	var out []domain.SignalMessage
	for _, m := range c.sentMessages() {
		if m.Kind == kind && m.Recipient == to {
			out = append(out, m)
		}
	}
	return out
}

type fakeMedia struct{ tracks []webrtc.TrackLocal }

func (m fakeMedia) Tracks() []webrtc.TrackLocal { return m.tracks }

func newFakeMedia(t *testing.T, id string) fakeMedia {
	t.Helper()
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", id)
	require.NoError(t, err)
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", id)
	require.NoError(t, err)
	return fakeMedia{tracks: []webrtc.TrackLocal{audio, video}}
}

func newTestManager(t *testing.T, self domain.ParticipantID, ch core.SignalChannel, f core.ConnectionFactory) *Manager {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	m := NewManager(ctx, Options{
		Self:        self,
		Channel:     ch,
		Connections: f,
		Logger:      zerolog.Nop(),
	})
	t.Cleanup(func() {
		_ = m.Shutdown()
		cancel()
	})
	return m
}

func offerMessage(t *testing.T, from, to domain.ParticipantID, sdp string) domain.SignalMessage {
	t.Helper()
	payload, err := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
	require.NoError(t, err)
	return domain.SignalMessage{Kind: domain.SignalOffer, Sender: from, Recipient: to, Payload: payload}
}

func answerMessage(t *testing.T, from, to domain.ParticipantID, sdp string) domain.SignalMessage {
	t.Helper()
	payload, err := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
	require.NoError(t, err)
	return domain.SignalMessage{Kind: domain.SignalAnswer, Sender: from, Recipient: to, Payload: payload}
}

func candidateMessage(t *testing.T, from, to domain.ParticipantID, cand string) domain.SignalMessage {
	t.Helper()
	payload, err := json.Marshal(webrtc.ICECandidateInit{Candidate: cand})
	require.NoError(t, err)
	return domain.SignalMessage{Kind: domain.SignalIceCandidate, Sender: from, Recipient: to, Payload: payload}
}
