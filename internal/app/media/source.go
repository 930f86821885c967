// Package media holds this participant's outgoing tracks and the sinks that
// drain inbound ones.
package media

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
)

var (
	ErrStopped     = errors.New("media source stopped")
	ErrUnknownKind = errors.New("unknown track kind")
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateStopped
)

// OutTrack is one outgoing sample track with its mute state.
type OutTrack struct {
	Track *webrtc.TrackLocalStaticSample
	state atomic.Int32 // Zero by default (TrackStateOk)
}

func NewOutTrack(track *webrtc.TrackLocalStaticSample) *OutTrack {
	return &OutTrack{Track: track}
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

func (ot *OutTrack) MarkOk() {
	ot.state.CompareAndSwap(int32(TrackStateMuted), int32(TrackStateOk))
}

func (ot *OutTrack) MarkMuted() {
	ot.state.CompareAndSwap(int32(TrackStateOk), int32(TrackStateMuted))
}

func (ot *OutTrack) MarkStopped() {
	ot.state.Store(int32(TrackStateStopped))
}

// Source is the local media of one participant: an Opus audio track and a
// VP8 video track sharing one stream id. Muted tracks stay negotiated and
// simply stop carrying samples.
type Source struct {
	audio *OutTrack
	video *OutTrack
	log   zerolog.Logger

	stopOnce sync.Once
	done     chan struct{}
}

func NewSource(streamID string, logger zerolog.Logger) (*Source, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "video", streamID)
	if err != nil {
		return nil, fmt.Errorf("video track: %w", err)
	}
	return &Source{
		audio: NewOutTrack(audio),
		video: NewOutTrack(video),
		log:   logger.With().Str("module", "media").Str("stream", streamID).Logger(),
		done:  make(chan struct{}),
	}, nil
}

func (s *Source) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.audio.Track, s.video.Track}
}

func (s *Source) track(kind webrtc.RTPCodecType) (*OutTrack, error) {
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		return s.audio, nil
	case webrtc.RTPCodecTypeVideo:
		return s.video, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
}

// SetMuted toggles one kind. Stopped sources ignore it.
func (s *Source) SetMuted(kind webrtc.RTPCodecType, muted bool) error {
	ot, err := s.track(kind)
	if err != nil {
		return err
	}
	if muted {
		ot.MarkMuted()
	} else {
		ot.MarkOk()
	}
	s.log.Info().Str("kind", kind.String()).Bool("muted", muted).Msg("mute changed")
	return nil
}

func (s *Source) Muted(kind webrtc.RTPCodecType) bool {
	ot, err := s.track(kind)
	if err != nil {
		return false
	}
	return ot.GetState() == TrackStateMuted
}

// WriteSample sends one sample on the track of kind. Samples for a muted
// track are dropped.
func (s *Source) WriteSample(kind webrtc.RTPCodecType, sample media.Sample) error {
	ot, err := s.track(kind)
	if err != nil {
		return err
	}
	switch ot.GetState() {
	case TrackStateStopped:
		return ErrStopped
	case TrackStateMuted:
		return nil
	}
	return ot.Track.WriteSample(sample)
}

// Done is closed by Stop.
func (s *Source) Done() <-chan struct{} { return s.done }

// Stop ends the source; playback loops return and later writes fail.
func (s *Source) Stop() {
	s.stopOnce.Do(func() {
		s.audio.MarkStopped()
		s.video.MarkStopped()
		close(s.done)
		s.log.Info().Msg("local media stopped")
	})
}
