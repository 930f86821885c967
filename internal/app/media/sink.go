package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/meetmesh/internal/app/peer"
	"github.com/dkeye/meetmesh/internal/core"
	"github.com/dkeye/meetmesh/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog"
)

// RTPWriter records packets; ivfwriter and oggwriter satisfy it.
type RTPWriter interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

type Stats struct {
	Packets    uint64
	Bytes      uint64
	LastPacket time.Time
}

// Sink drains one remote track, counting what arrives and optionally
// recording it.
type Sink struct {
	Remote domain.ParticipantID
	Track  core.RemoteTrack

	writer RTPWriter
	cancel context.CancelFunc
	done   chan struct{}

	packets atomic.Uint64
	bytes   atomic.Uint64
	last    atomic.Int64
}

func newSink(remote domain.ParticipantID, track core.RemoteTrack, writer RTPWriter, cancel context.CancelFunc) *Sink {
	return &Sink{
		Remote: remote,
		Track:  track,
		writer: writer,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// loop reads RTP packets from the remote track until it ends or ctx is done.
func (s *Sink) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(s.done)
	defer s.closeWriter(logger)
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("sink ctx done")
			return
		default:
		}
		pkt, _, err := s.Track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn().Err(err).Msg("sink read RTP error, stopping")
			}
			return
		}
		s.packets.Add(1)
		s.bytes.Add(uint64(len(pkt.Payload)))
		s.last.Store(time.Now().UnixNano())

		if s.writer != nil {
			if err := s.writer.WriteRTP(pkt); err != nil {
				logger.Error().Err(err).Msg("sink record error, recording stopped")
				s.closeWriter(logger)
			}
		}
	}
}

func (s *Sink) closeWriter(logger *zerolog.Logger) {
	if s.writer == nil {
		return
	}
	if err := s.writer.Close(); err != nil {
		logger.Warn().Err(err).Msg("close recording")
	}
	s.writer = nil
}

func (s *Sink) Stats() Stats {
	st := Stats{Packets: s.packets.Load(), Bytes: s.bytes.Load()}
	if ns := s.last.Load(); ns != 0 {
		st.LastPacket = time.Unix(0, ns)
	}
	return st
}

type sinkKey struct {
	remote domain.ParticipantID
	track  string
}

// Sinks keeps one Sink per remote track and follows the manager's streams.
type Sinks struct {
	recordDir string
	log       zerolog.Logger

	mu    sync.RWMutex
	sinks map[sinkKey]*Sink
}

// NewSinks returns a sink set. A non-empty recordDir records every track
// there as <participant>-<track>.ivf or .ogg.
func NewSinks(recordDir string, logger zerolog.Logger) *Sinks {
	return &Sinks{
		recordDir: recordDir,
		log:       logger.With().Str("module", "media").Logger(),
		sinks:     make(map[sinkKey]*Sink),
	}
}

// Start begins draining track. A track that already has a sink is ignored.
func (m *Sinks) Start(ctx context.Context, remote domain.ParticipantID, track core.RemoteTrack) {
	key := sinkKey{remote: remote, track: track.ID()}
	logger := m.log.With().
		Str("remote", string(remote)).
		Str("track_id", track.ID()).
		Str("kind", track.Kind().String()).
		Logger()

	m.mu.Lock()
	if _, ok := m.sinks[key]; ok {
		m.mu.Unlock()
		return
	}
	writer, err := m.recorder(remote, track)
	if err != nil {
		logger.Error().Err(err).Msg("recording disabled for track")
	}
	sinkCtx, cancel := context.WithCancel(ctx)
	sink := newSink(remote, track, writer, cancel)
	m.sinks[key] = sink
	m.mu.Unlock()

	logger.Info().Bool("recording", writer != nil).Msg("starting sink loop")
	go sink.loop(sinkCtx, &logger)
}

func (m *Sinks) recorder(remote domain.ParticipantID, track core.RemoteTrack) (RTPWriter, error) {
	if m.recordDir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(m.recordDir, 0o755); err != nil {
		return nil, fmt.Errorf("record dir: %w", err)
	}
	base := filepath.Join(m.recordDir, fmt.Sprintf("%s-%s", sanitize(string(remote)), sanitize(track.ID())))
	codec := track.Codec()
	switch {
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeVP8):
		w, err := ivfwriter.New(base + ".ivf")
		if err != nil {
			return nil, err
		}
		return w, nil
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus):
		w, err := oggwriter.New(base+".ogg", codec.ClockRate, codec.Channels)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
	return nil, fmt.Errorf("no recorder for %s", codec.MimeType)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' || r == '.' {
			return '_'
		}
		return r
	}, s)
}

// Sync starts sinks for tracks that appeared and stops those whose remote
// or track is gone.
func (m *Sinks) Sync(ctx context.Context, streams map[domain.ParticipantID]peer.RemoteStream) {
	live := make(map[sinkKey]struct{})
	for remote, stream := range streams {
		for _, t := range stream.Tracks {
			live[sinkKey{remote: remote, track: t.ID()}] = struct{}{}
			m.Start(ctx, remote, t)
		}
	}

	m.mu.Lock()
	var stale []*Sink
	for key, sink := range m.sinks {
		if _, ok := live[key]; !ok {
			stale = append(stale, sink)
			delete(m.sinks, key)
		}
	}
	m.mu.Unlock()

	for _, sink := range stale {
		sink.cancel()
	}
}

// StopAll cancels every sink and waits for their loops to finish. A loop
// only notices once its track read returns, so close the connections first.
func (m *Sinks) StopAll() {
	m.mu.Lock()
	all := make([]*Sink, 0, len(m.sinks))
	for key, sink := range m.sinks {
		all = append(all, sink)
		delete(m.sinks, key)
	}
	m.mu.Unlock()

	for _, sink := range all {
		sink.cancel()
	}
	for _, sink := range all {
		<-sink.done
	}
}

// Stats reports counters per remote participant, summed over its tracks.
func (m *Sinks) Stats() map[domain.ParticipantID]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[domain.ParticipantID]Stats, len(m.sinks))
	for key, sink := range m.sinks {
		st := sink.Stats()
		acc := out[key.remote]
		acc.Packets += st.Packets
		acc.Bytes += st.Bytes
		if st.LastPacket.After(acc.LastPacket) {
			acc.LastPacket = st.LastPacket
		}
		out[key.remote] = acc
	}
	return out
}
