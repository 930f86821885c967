package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSource(t *testing.T) *Source {
	t.Helper()
	s, err := NewSource("stream-a", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

func TestSourceTracks(t *testing.T) {
	s := newSource(t)
	tracks := s.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, tracks[0].Kind())
	assert.Equal(t, webrtc.RTPCodecTypeVideo, tracks[1].Kind())
	assert.Equal(t, "stream-a", tracks[0].StreamID())
}

func TestSourceMute(t *testing.T) {
	s := newSource(t)

	require.NoError(t, s.SetMuted(webrtc.RTPCodecTypeAudio, true))
	assert.True(t, s.Muted(webrtc.RTPCodecTypeAudio))
	assert.False(t, s.Muted(webrtc.RTPCodecTypeVideo))
	assert.NoError(t, s.WriteSample(webrtc.RTPCodecTypeAudio, media.Sample{Data: opusSilence, Duration: 20 * time.Millisecond}))

	require.NoError(t, s.SetMuted(webrtc.RTPCodecTypeAudio, false))
	assert.False(t, s.Muted(webrtc.RTPCodecTypeAudio))

	assert.ErrorIs(t, s.SetMuted(webrtc.RTPCodecTypeUnknown, true), ErrUnknownKind)
}

func TestStoppedSourceRejectsWrites(t *testing.T) {
	s := newSource(t)
	s.Stop()
	s.Stop()

	err := s.WriteSample(webrtc.RTPCodecTypeVideo, media.Sample{Data: []byte{0}, Duration: time.Millisecond})
	assert.ErrorIs(t, err, ErrStopped)

	// unmute does not revive a stopped track
	require.NoError(t, s.SetMuted(webrtc.RTPCodecTypeVideo, false))
	assert.ErrorIs(t, s.WriteSample(webrtc.RTPCodecTypeVideo, media.Sample{}), ErrStopped)
	assert.NoError(t, s.PlaySilence(context.Background()))
}

// ivfFile builds a VP8 IVF stream at 100 frames per second.
func ivfFile(frames int) *bytes.Reader {
	var buf bytes.Buffer
	header := make([]byte, 32)
	copy(header[0:4], "DKIF")
	binary.LittleEndian.PutUint16(header[6:8], 32)
	copy(header[8:12], "VP80")
	binary.LittleEndian.PutUint16(header[12:14], 64)
	binary.LittleEndian.PutUint16(header[14:16], 48)
	binary.LittleEndian.PutUint32(header[16:20], 100)
	binary.LittleEndian.PutUint32(header[20:24], 1)
	binary.LittleEndian.PutUint32(header[24:28], uint32(frames))
	buf.Write(header)

	payload := []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a}
	for i := 0; i < frames; i++ {
		fh := make([]byte, 12)
		binary.LittleEndian.PutUint32(fh[0:4], uint32(len(payload)))
		binary.LittleEndian.PutUint64(fh[4:12], uint64(i))
		buf.Write(fh)
		buf.Write(payload)
	}
	return bytes.NewReader(buf.Bytes())
}

func TestPlayIVFRunsToEnd(t *testing.T) {
	s := newSource(t)
	start := time.Now()

	require.NoError(t, s.PlayIVF(context.Background(), ivfFile(5)))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestPlaybackStopsWithContext(t *testing.T) {
	s := newSource(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, s.PlaySilence(ctx), context.DeadlineExceeded)
}

func TestPlayIVFRejectsGarbage(t *testing.T) {
	s := newSource(t)
	assert.Error(t, s.PlayIVF(context.Background(), bytes.NewReader([]byte("not an ivf file at all, really not"))))
}

func TestPlayFileUnsupported(t *testing.T) {
	s := newSource(t)
	path := t.TempDir() + "/clip.mp4"
	require.NoError(t, writeFile(path))
	assert.ErrorContains(t, s.PlayFile(context.Background(), path), "unsupported")
}
