package rtc

import (
	"testing"
	"time"

	"github.com/dkeye/meetmesh/internal/core"
	"github.com/dkeye/meetmesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loopbackFactory(t *testing.T) *Factory {
	t.Helper()
	f, err := NewFactory(Config{IncludeLoopback: true, PLIInterval: time.Second}, zerolog.Nop())
	require.NoError(t, err)
	return f
}

func audioTrack(t *testing.T, stream string) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", stream)
	require.NoError(t, err)
	return track
}

type endpoint struct {
	conn       core.MediaConnection
	candidates chan webrtc.ICECandidateInit
	states     chan webrtc.PeerConnectionState
}

func newEndpoint(t *testing.T, f *Factory, remote string) *endpoint {
	t.Helper()
	conn, err := f.NewConnection(domain.ParticipantID(remote))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	e := &endpoint{
		conn:       conn,
		candidates: make(chan webrtc.ICECandidateInit, 64),
		states:     make(chan webrtc.PeerConnectionState, 16),
	}
	conn.OnICECandidate(func(c webrtc.ICECandidateInit) { e.candidates <- c })
	conn.OnStateChange(func(s webrtc.PeerConnectionState) { e.states <- s })
	return e
}

func forward(from, to *endpoint, stop <-chan struct{}) {
	for {
		select {
		case c := <-from.candidates:
			_ = to.conn.AddICECandidate(c)
		case <-stop:
			return
		}
	}
}

func waitState(t *testing.T, e *endpoint, want webrtc.PeerConnectionState) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case s := <-e.states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("connection never reached %s", want)
		}
	}
}

func TestConnectionsNegotiateOverLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real ICE agents")
	}
	f := loopbackFactory(t)
	a := newEndpoint(t, f, "b")
	b := newEndpoint(t, f, "a")

	require.NoError(t, a.conn.AddLocalTracks([]webrtc.TrackLocal{audioTrack(t, "a")}))

	offer, err := a.conn.CreateOffer()
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)

	answer, err := b.conn.AcceptOffer(offer)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	require.NoError(t, a.conn.ApplyAnswer(answer))

	stop := make(chan struct{})
	defer close(stop)
	go forward(a, b, stop)
	go forward(b, a, stop)

	waitState(t, a, webrtc.PeerConnectionStateConnected)
	waitState(t, b, webrtc.PeerConnectionStateConnected)
}

func TestAcceptOfferRollsBackLocalOffer(t *testing.T) {
	f := loopbackFactory(t)
	a := newEndpoint(t, f, "b")
	b := newEndpoint(t, f, "a")
	require.NoError(t, a.conn.AddLocalTracks([]webrtc.TrackLocal{audioTrack(t, "a")}))
	require.NoError(t, b.conn.AddLocalTracks([]webrtc.TrackLocal{audioTrack(t, "b")}))

	offerA, err := a.conn.CreateOffer()
	require.NoError(t, err)
	_, err = b.conn.CreateOffer()
	require.NoError(t, err)

	answer, err := b.conn.AcceptOffer(offerA)
	require.NoError(t, err)
	require.NoError(t, a.conn.ApplyAnswer(answer))
}

func TestApplyAnswerWithoutOfferFails(t *testing.T) {
	f := loopbackFactory(t)
	a := newEndpoint(t, f, "b")

	err := a.conn.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	assert.Error(t, err)
}

func TestDefaultWebRTCConfig(t *testing.T) {
	cfg := DefaultWebRTCConfig(DefaultICEServers)
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, DefaultICEServers, cfg.ICEServers[0].URLs)
	assert.Empty(t, DefaultWebRTCConfig(nil).ICEServers)
}
