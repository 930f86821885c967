package media

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dkeye/meetmesh/internal/app/peer"
	"github.com/dkeye/meetmesh/internal/core"
	"github.com/dkeye/meetmesh/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanTrack struct {
	id      string
	kind    webrtc.RTPCodecType
	mime    string
	packets chan *rtp.Packet
}

func newChanTrack(id string, kind webrtc.RTPCodecType, mime string) *chanTrack {
	return &chanTrack{id: id, kind: kind, mime: mime, packets: make(chan *rtp.Packet, 16)}
}

func (t *chanTrack) ID() string                { return t.id }
func (t *chanTrack) StreamID() string          { return "stream" }
func (t *chanTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *chanTrack) Codec() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: t.mime, ClockRate: 48000, Channels: 2}}
}

func (t *chanTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	p, ok := <-t.packets
	if !ok {
		return nil, nil, io.EOF
	}
	return p, nil, nil
}

var _ core.RemoteTrack = (*chanTrack)(nil)

func writeFile(path string) error { return os.WriteFile(path, []byte("x"), 0o644) }

func packet(seq uint16, payload []byte) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: seq, Timestamp: uint32(seq) * 960}, Payload: payload}
}

func TestSinkCountsPackets(t *testing.T) {
	sinks := NewSinks("", zerolog.Nop())
	track := newChanTrack("a1", webrtc.RTPCodecTypeAudio, webrtc.MimeTypeOpus)

	sinks.Sync(context.Background(), map[domain.ParticipantID]peer.RemoteStream{
		"b": {ParticipantID: "b", Tracks: []core.RemoteTrack{track}},
	})
	track.packets <- packet(1, []byte{1, 2, 3})
	track.packets <- packet(2, []byte{4, 5})

	require.Eventually(t, func() bool { return sinks.Stats()["b"].Packets == 2 }, time.Second, 5*time.Millisecond)
	st := sinks.Stats()["b"]
	assert.Equal(t, uint64(5), st.Bytes)
	assert.False(t, st.LastPacket.IsZero())

	close(track.packets)
	sinks.StopAll()
	assert.Empty(t, sinks.Stats())
}

func TestSyncDropsGoneRemotes(t *testing.T) {
	sinks := NewSinks("", zerolog.Nop())
	a := newChanTrack("a1", webrtc.RTPCodecTypeAudio, webrtc.MimeTypeOpus)
	b := newChanTrack("b1", webrtc.RTPCodecTypeAudio, webrtc.MimeTypeOpus)
	defer close(a.packets)
	defer close(b.packets)

	ctx := context.Background()
	sinks.Sync(ctx, map[domain.ParticipantID]peer.RemoteStream{
		"a": {ParticipantID: "a", Tracks: []core.RemoteTrack{a}},
		"b": {ParticipantID: "b", Tracks: []core.RemoteTrack{b}},
	})
	// repeated sync keeps the existing sinks
	sinks.Sync(ctx, map[domain.ParticipantID]peer.RemoteStream{
		"a": {ParticipantID: "a", Tracks: []core.RemoteTrack{a}},
		"b": {ParticipantID: "b", Tracks: []core.RemoteTrack{b}},
	})
	assert.Len(t, sinks.Stats(), 2)

	sinks.Sync(ctx, map[domain.ParticipantID]peer.RemoteStream{
		"a": {ParticipantID: "a", Tracks: []core.RemoteTrack{a}},
	})
	stats := sinks.Stats()
	assert.Len(t, stats, 1)
	assert.Contains(t, stats, domain.ParticipantID("a"))
}

func TestSinkRecordsToFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "rec")
	sinks := NewSinks(dir, zerolog.Nop())
	track := newChanTrack("audio/1", webrtc.RTPCodecTypeAudio, webrtc.MimeTypeOpus)

	sinks.Start(context.Background(), "b", track)
	track.packets <- packet(1, []byte{0xf8, 0xff, 0xfe})
	require.Eventually(t, func() bool { return sinks.Stats()["b"].Packets == 1 }, time.Second, 5*time.Millisecond)

	close(track.packets)
	sinks.StopAll()

	info, err := os.Stat(filepath.Join(dir, "b-audio_1.ogg"))
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}
